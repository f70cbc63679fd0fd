// Package storage is the Postgres implementation of the reservation engine's
// stores. The granules table is the only shared mutable resource and every
// claim is a single predicate-gated UPDATE.
package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Conn is the part of *db.Pool the store uses.
type Conn interface {
	db.TxStarter
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type Store struct {
	pool         Conn
	outbox       *outbox.Repository
	granuleTopic string
}

// New returns a store. With a non-nil outbox every granule transition and
// reservation lifecycle change is also written to outbox_events in the same
// transaction.
func New(pool Conn, outboxRepo *outbox.Repository, granuleTopic string) *Store {
	if granuleTopic == "" {
		granuleTopic = outbox.DefaultGranuleTopic
	}
	return &Store{pool: pool, outbox: outboxRepo, granuleTopic: granuleTopic}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsNoRows(err) {
		return apperr.NotFound(op, "not found")
	}
	return apperr.Transient(op, err)
}

func (s *Store) emitGranules(ctx context.Context, tx pgx.Tx, changed []model.Granule) error {
	if s.outbox == nil {
		return nil
	}
	events := make([]outbox.Event, 0, len(changed))
	for _, g := range changed {
		evt, err := outbox.NewEvent("granule", g.ID, s.granuleTopic, model.ChangeOf(g))
		if err != nil {
			return err
		}
		events = append(events, evt)
	}
	return s.outbox.Append(ctx, tx, events...)
}

type reservationEvent struct {
	ReservationID string `json:"reservation_id"`
	ServiceID     string `json:"service_id"`
	Date          string `json:"date"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Status        string `json:"status"`
	Fee           int64  `json:"fee"`
	Currency      string `json:"currency"`
	PaymentStatus string `json:"payment_status"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Store) emitReservation(ctx context.Context, tx pgx.Tx, topic string, r model.Reservation) error {
	if s.outbox == nil {
		return nil
	}
	evt, err := outbox.NewEvent("reservation", r.ID, topic, reservationEvent{
		ReservationID: r.ID,
		ServiceID:     r.ServiceID,
		Date:          model.FormatDate(r.Date),
		Start:         model.FormatClock(r.StartMinute),
		End:           model.FormatClock(r.EndMinute),
		Status:        string(r.Status),
		Fee:           r.Fee,
		Currency:      r.Currency,
		PaymentStatus: string(r.PaymentStatus),
		CustomerEmail: r.CustomerEmail,
		Reason:        r.CancelReason,
	})
	if err != nil {
		return err
	}
	return s.outbox.Append(ctx, tx, evt)
}

func marshalWindows(ws []model.Window) ([]byte, error) {
	if ws == nil {
		ws = []model.Window{}
	}
	return json.Marshal(ws)
}

func unmarshalWindows(raw []byte) ([]model.Window, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ws []model.Window
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, err
	}
	return ws, nil
}
