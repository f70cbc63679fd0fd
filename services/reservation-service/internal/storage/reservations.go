package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/outbox"
)

const reservationColumns = `id, service_id, date, start_minute, end_minute, duration_minutes, granule_ids,
	status, fee, currency, payment_status, customer_name, customer_email, customer_phone,
	COALESCE(cancel_reason, ''), created_at, cancelled_at`

func scanReservation(row rowScanner) (model.Reservation, error) {
	var (
		r             model.Reservation
		status, payst string
	)
	err := row.Scan(&r.ID, &r.ServiceID, &r.Date, &r.StartMinute, &r.EndMinute, &r.DurationMinutes, &r.GranuleIDs,
		&status, &r.Fee, &r.Currency, &payst, &r.CustomerName, &r.CustomerEmail, &r.CustomerPhone,
		&r.CancelReason, &r.CreatedAt, &r.CancelledAt)
	r.Status = model.ReservationStatus(status)
	r.PaymentStatus = model.PaymentStatus(payst)
	return r, err
}

// CreateReservation writes the reservation row. It runs after the claim has
// committed; the caller compensates if it fails.
func (s *Store) CreateReservation(ctx context.Context, r model.Reservation) error {
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations
				(id, service_id, date, start_minute, end_minute, duration_minutes, granule_ids,
				 status, fee, currency, payment_status, customer_name, customer_email, customer_phone)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, r.ID, r.ServiceID, model.NormalizeDate(r.Date), r.StartMinute, r.EndMinute, r.DurationMinutes, r.GranuleIDs,
			string(r.Status), r.Fee, r.Currency, string(r.PaymentStatus), r.CustomerName, r.CustomerEmail, r.CustomerPhone)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict("create reservation", "reservation %q already exists", r.ID)
			}
			return err
		}
		return s.emitReservation(ctx, tx, outbox.TopicReservationConfirmed, r)
	})
	return classify("create reservation", err)
}

func (s *Store) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return model.Reservation{}, apperr.NotFound("get reservation", "reservation %q not found", id)
		}
		return model.Reservation{}, classify("get reservation", err)
	}
	return r, nil
}

// CancelReservation cancels a confirmed reservation and releases its granules
// in one transaction. An already cancelled reservation is returned unchanged.
func (s *Store) CancelReservation(ctx context.Context, id, reason string) (model.Reservation, []model.Granule, error) {
	var (
		out      model.Reservation
		released []model.Granule
	)
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if db.IsNoRows(err) {
				return apperr.NotFound("cancel reservation", "reservation %q not found", id)
			}
			return err
		}
		switch r.Status {
		case model.StatusCancelled:
			out = r
			return nil
		case model.StatusConfirmed:
		default:
			return apperr.Conflict("cancel reservation", "reservation is %s and cannot be cancelled", r.Status)
		}

		var cancelledAt time.Time
		if err := tx.QueryRow(ctx, `
			UPDATE reservations
			SET status = 'cancelled', cancelled_at = now(), cancel_reason = $2
			WHERE id = $1
			RETURNING cancelled_at
		`, id, reason).Scan(&cancelledAt); err != nil {
			return err
		}
		r.Status = model.StatusCancelled
		r.CancelReason = reason
		r.CancelledAt = &cancelledAt

		if released, err = releaseTx(ctx, tx, id); err != nil {
			return err
		}
		if err := s.emitGranules(ctx, tx, released); err != nil {
			return err
		}
		out = r
		return s.emitReservation(ctx, tx, outbox.TopicReservationCancelled, r)
	})
	if err != nil {
		return model.Reservation{}, nil, classify("cancel reservation", err)
	}
	return out, released, nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus) (model.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `
		UPDATE reservations SET payment_status = $2
		WHERE id = $1
		RETURNING `+reservationColumns, id, string(status)))
	if err != nil {
		if db.IsNoRows(err) {
			return model.Reservation{}, apperr.NotFound("set payment status", "reservation %q not found", id)
		}
		return model.Reservation{}, classify("set payment status", err)
	}
	return r, nil
}

// RecordProviderEvent returns false when the event was already processed.
func (s *Store) RecordProviderEvent(ctx context.Context, provider, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, event_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, provider, eventID)
	if err != nil {
		return false, classify("record provider event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForgetProviderEvent lets a provider retry an event whose handling failed.
func (s *Store) ForgetProviderEvent(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM provider_events WHERE provider = $1 AND event_id = $2`, provider, eventID)
	return classify("forget provider event", err)
}

// CompleteEnded marks confirmed reservations ending at or before (today, minute) completed.
func (s *Store) CompleteEnded(ctx context.Context, today time.Time, minute int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations
		SET status = 'completed'
		WHERE status = 'confirmed'
			AND (date < $1 OR (date = $1 AND end_minute <= $2))
	`, model.NormalizeDate(today), minute)
	if err != nil {
		return 0, classify("complete reservations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UnpaidBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = 'confirmed' AND payment_status = 'pending' AND created_at < $1
		ORDER BY id
	`, cutoff)
	if err != nil {
		return nil, classify("list unpaid", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list unpaid", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list unpaid", rows.Err())
}
