package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/libs/kafkax"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

// Publisher relays outbox rows to Kafka. Rows are marked published in the
// same transaction that locked them, so a crash re-sends rather than loses.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled: no kafka brokers")
		return nil
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.drain(ctx, writer)
		}
	}
}

// drain publishes full batches back to back so a burst of claims does not
// wait a tick per batch.
func (p *Publisher) drain(ctx context.Context, writer MessageWriter) {
	for ctx.Err() == nil {
		n, err := p.publishBatch(ctx, writer)
		if err != nil {
			p.logger.Error("outbox publish failed", "err", err)
			return
		}
		if n < p.batchSize {
			return
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer MessageWriter) (int, error) {
	var sent int
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		records, err := p.repo.Claim(ctx, tx, p.batchSize)
		if err != nil || len(records) == 0 {
			return err
		}
		msgs := make([]kafka.Message, len(records))
		ids := make([]int64, len(records))
		for i, r := range records {
			msgs[i] = Message(ctx, r)
			ids[i] = r.ID
		}
		if err := writer.WriteMessages(ctx, msgs...); err != nil {
			return err
		}
		sent = len(records)
		return p.repo.MarkPublished(ctx, tx, ids)
	})
	return sent, err
}

// Message builds the Kafka message for a record under the trace that wrote it.
// The topic is the event type and the key is the aggregate id, so changes to
// one granule stay ordered on one partition.
func Message(ctx context.Context, r Record) kafka.Message {
	meta := kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType, AggregateID: r.AggregateID}
	return kafka.Message{
		Topic:   r.EventType,
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: kafkax.InjectTraceHeaders(r.Trace.Resume(ctx), meta.Headers()),
	}
}
