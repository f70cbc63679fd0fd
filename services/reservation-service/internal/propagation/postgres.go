package propagation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

// PGChannel is the NOTIFY channel fed by the granules row trigger.
const PGChannel = "granule_changes"

// PGSource listens on a dedicated pool connection and reconnects on failure.
type PGSource struct {
	pool   *db.Pool
	hub    *Hub
	logger *slog.Logger
}

func NewPGSource(pool *db.Pool, hub *Hub, logger *slog.Logger) *PGSource {
	return &PGSource{pool: pool, hub: hub, logger: logger}
}

func (s *PGSource) Run(ctx context.Context) error {
	for {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("postgres listen failed; reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (s *PGSource) listen(ctx context.Context) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A LISTENing session must not go back to the pool.
	conn := pooled.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+PGChannel); err != nil {
		return err
	}
	s.logger.Info("postgres granule listener started", "channel", PGChannel)
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var c model.GranuleChange
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			s.logger.Warn("invalid granule notification", "err", err)
			continue
		}
		s.hub.PublishChange(c)
	}
}
