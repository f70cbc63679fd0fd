package propagation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

// GridReader is the read side a view polls. *availability.Aggregator implements it.
type GridReader interface {
	Granules(ctx context.Context, serviceID string, date time.Time) ([]model.Granule, error)
	Now() time.Time
	Today() time.Time
	Location() *time.Location
}

type ViewConfig struct {
	ServiceID        string
	Date             time.Time
	DurationMinutes  int
	GranulesPerOffer int
	// Selected is the start minute the viewer picked, or -1.
	Selected     int
	PollInterval time.Duration
	Grace        time.Duration
}

// View is one live subscription bound to (service, date). Run owns all of
// its state; other goroutines only hand it changes through Deliver. The
// selection is fixed for the view's life; a client that picks another time
// reconnects with it.
type View struct {
	id      string
	cfg     ViewConfig
	reader  GridReader
	logger  *slog.Logger
	rec     *Reconciler
	changes chan model.Granule
	out     chan Snapshot
}

func NewView(reader GridReader, logger *slog.Logger, cfg ViewConfig) *View {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 3 * time.Second
	}
	cfg.Date = model.NormalizeDate(cfg.Date)
	rec := NewReconciler(cfg.GranulesPerOffer, cfg.Grace)
	rec.Select(cfg.Selected)
	return &View{
		id:      uuid.NewString(),
		cfg:     cfg,
		reader:  reader,
		logger:  logger,
		rec:     rec,
		changes: make(chan model.Granule, 64),
		out:     make(chan Snapshot, 1),
	}
}

func (v *View) ID() string { return v.id }

func (v *View) Key() string { return routeKey(v.cfg.ServiceID, v.cfg.Date) }

// Updates yields snapshots. Only the latest unread snapshot is kept.
func (v *View) Updates() <-chan Snapshot { return v.out }

// Deliver hands a pushed change to the view without blocking. A full buffer
// drops the change; the next poll repairs it.
func (v *View) Deliver(g model.Granule) bool {
	select {
	case v.changes <- g:
		return true
	default:
		return false
	}
}

// Run polls immediately, then merges pushes and polls until ctx ends.
func (v *View) Run(ctx context.Context) error {
	defer close(v.out)

	v.poll(ctx)
	v.emit()

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	expiry := time.NewTimer(time.Hour)
	expiry.Stop()
	defer expiry.Stop()

	for {
		changed := false
		select {
		case <-ctx.Done():
			return nil
		case g := <-v.changes:
			changed = v.rec.Apply(g, v.reader.Now())
		case <-ticker.C:
			changed = v.poll(ctx)
		case <-expiry.C:
			changed = true
		}
		if !changed {
			continue
		}
		v.emit()
		if next, ok := v.rec.NextExpiry(v.reader.Now()); ok {
			expiry.Reset(time.Until(next) + 10*time.Millisecond)
		}
	}
}

func (v *View) poll(ctx context.Context) bool {
	granules, err := v.reader.Granules(ctx, v.cfg.ServiceID, v.cfg.Date)
	if err != nil {
		// Keep serving the last known state; the next tick retries.
		v.logger.Warn("view poll failed", "err", err, "view_id", v.id, "service_id", v.cfg.ServiceID)
		return false
	}
	v.rec.SetElapsed(v.elapsed())
	return v.rec.Replace(granules, v.reader.Now())
}

func (v *View) elapsed() int {
	today := v.reader.Today()
	switch {
	case v.cfg.Date.Before(today):
		return model.MinutesPerDay
	case v.cfg.Date.Equal(today):
		return model.MinuteOfDay(v.reader.Now(), v.reader.Location())
	default:
		return -1
	}
}

func (v *View) emit() {
	snap := v.rec.Snapshot(v.reader.Now())
	snap.ServiceID = v.cfg.ServiceID
	snap.Date = model.FormatDate(v.cfg.Date)
	snap.DurationMinutes = v.cfg.DurationMinutes
	select {
	case v.out <- snap:
		return
	default:
	}
	// Replace the unread snapshot with the newer one, keeping any warning it carried.
	select {
	case old := <-v.out:
		if snap.Warning == nil {
			snap.Warning = old.Warning
		}
	default:
	}
	v.out <- snap
}
