package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEvent = `
	INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`

// Append queues events inside tx, the transaction whose writes they describe.
// A claim changes several granules, so the rows go out as one pgx batch.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	tc := otelx.CaptureTrace(ctx)
	b := &pgx.Batch{}
	for _, e := range events {
		b.Queue(insertEvent, e.AggregateType, e.AggregateID, e.EventType, e.Payload, tc.Traceparent, tc.Tracestate)
	}
	return tx.SendBatch(ctx, b).Close()
}

// Record is an unpublished row plus the trace of the transaction that wrote it.
type Record struct {
	ID          int64
	EventID     string
	AggregateID string
	EventType   string
	Payload     []byte
	Trace       otelx.StoredTrace
	CreatedAt   time.Time
}

// Claim locks up to limit unpublished rows in id order. Rows locked by another
// publisher are skipped, so replicas can publish concurrently.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, event_type, payload,
			COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.EventID, &rec.AggregateID, &rec.EventType, &rec.Payload,
			&rec.Trace.Traceparent, &rec.Trace.Tracestate, &rec.CreatedAt)
		return rec, err
	})
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// PurgePublished drops rows published before cutoff.
func (r *Repository) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
