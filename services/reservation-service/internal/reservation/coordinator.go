// Package reservation claims granules for bookings and keeps claims and
// reservation records consistent.
package reservation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/grid"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/pricing"
)

// GranuleStore is the only shared mutable resource. ClaimGranules must flip
// all ids from bookable to unavailable in one transaction or change nothing
// and return a conflict.
type GranuleStore interface {
	EnsureGranules(ctx context.Context, granules []model.Granule) error
	ClaimGranules(ctx context.Context, ids []string, claimID string) ([]model.Granule, error)
	ReleaseClaim(ctx context.Context, claimID string) ([]model.Granule, error)
	SetBlocked(ctx context.Context, ids []string, blocked bool) ([]model.Granule, error)
}

type ReservationStore interface {
	CreateReservation(ctx context.Context, r model.Reservation) error
	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	CancelReservation(ctx context.Context, id, reason string) (model.Reservation, []model.Granule, error)
}

// Notifier fans granule transitions out to live viewers. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, changed []model.Granule)
}

type Config struct {
	ClaimTimeout time.Duration
}

type Coordinator struct {
	agg          *availability.Aggregator
	granules     GranuleStore
	reservations ReservationStore
	prices       *pricing.Calculator
	notifier     Notifier
	logger       *slog.Logger
	claimTimeout time.Duration
	tracer       trace.Tracer
}

func NewCoordinator(agg *availability.Aggregator, granules GranuleStore, reservations ReservationStore, prices *pricing.Calculator, notifier Notifier, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		agg:          agg,
		granules:     granules,
		reservations: reservations,
		prices:       prices,
		notifier:     notifier,
		logger:       logger,
		claimTimeout: cfg.ClaimTimeout,
		tracer:       otelx.Tracer("reservation"),
	}
}

type Customer struct {
	Name  string
	Email string
	Phone string
}

type Request struct {
	ServiceID       string
	Date            time.Time
	StartMinute     int
	EndMinute       int
	DurationMinutes int
	Customer        Customer
	// SkipPrecheck bypasses the advisory read so only the claim decides.
	SkipPrecheck bool
}

// Outcome is the result of Reserve. On a conflict Alternative holds the
// nearest free offer, or is nil when the caller must choose another date.
type Outcome struct {
	Reservation *model.Reservation
	Alternative *grid.Offer
}

// Reserve claims the granules of one offer and records the booking. Errors
// are apperr kinds; a conflict comes with an Outcome carrying the alternative.
func (c *Coordinator) Reserve(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "reservation.reserve", trace.WithAttributes(
		attribute.String("service.id", req.ServiceID),
		attribute.String("date", model.FormatDate(req.Date)),
		attribute.String("start", model.FormatClock(req.StartMinute)),
		attribute.Int("duration_minutes", req.DurationMinutes),
	))
	defer span.End()

	offer, svc, err := c.resolveOffer(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}

	if !req.SkipPrecheck && !offer.Available {
		span.SetAttributes(attribute.Bool("precheck.rejected", true))
		return c.lost(ctx, req)
	}

	claimID := uuid.NewString()
	claimed, err := c.claim(ctx, offer, claimID)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			span.SetAttributes(attribute.Bool("claim.lost", true))
			return c.lost(ctx, req)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return Outcome{}, err
	}
	c.notifier.Notify(ctx, claimed)

	now := c.agg.Now()
	r := model.Reservation{
		ID:              claimID,
		ServiceID:       svc.ID,
		Date:            model.NormalizeDate(req.Date),
		StartMinute:     offer.StartMinute,
		EndMinute:       offer.EndMinute,
		DurationMinutes: req.DurationMinutes,
		GranuleIDs:      offer.GranuleIDs(),
		Status:          model.StatusConfirmed,
		Fee:             c.prices.ForService(svc, req.Date, now),
		Currency:        svc.Currency,
		PaymentStatus:   model.PaymentNotRequired,
		CustomerName:    strings.TrimSpace(req.Customer.Name),
		CustomerEmail:   strings.TrimSpace(req.Customer.Email),
		CustomerPhone:   strings.TrimSpace(req.Customer.Phone),
		CreatedAt:       now,
	}
	if r.Fee > 0 {
		r.PaymentStatus = model.PaymentPending
	}

	if err := c.reservations.CreateReservation(ctx, r); err != nil {
		c.logger.Error("reservation write failed; releasing claim", "err", err, "claim_id", claimID)
		c.compensate(claimID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation write failed")
		return Outcome{}, apperr.Transient("record reservation", err)
	}

	c.logger.Info("reservation confirmed",
		"reservation_id", r.ID,
		"service_id", r.ServiceID,
		"date", model.FormatDate(r.Date),
		"start", model.FormatClock(r.StartMinute),
		"granules", len(r.GranuleIDs),
		"fee", r.Fee,
	)
	return Outcome{Reservation: &r}, nil
}

func (c *Coordinator) resolveOffer(ctx context.Context, req Request) (grid.Offer, model.Service, error) {
	svc, err := c.agg.ActiveService(ctx, req.ServiceID)
	if err != nil {
		return grid.Offer{}, model.Service{}, err
	}
	k, err := c.agg.GranulesPerOffer(svc, req.DurationMinutes)
	if err != nil {
		return grid.Offer{}, model.Service{}, err
	}
	if req.EndMinute-req.StartMinute != req.DurationMinutes {
		return grid.Offer{}, model.Service{}, apperr.Validation("reserve", "end - start must equal duration")
	}
	switch today := c.agg.Today(); {
	case model.NormalizeDate(req.Date).Before(today):
		return grid.Offer{}, model.Service{}, apperr.Validation("reserve", "date is in the past")
	case model.NormalizeDate(req.Date).Equal(today) && req.StartMinute <= model.MinuteOfDay(c.agg.Now(), c.agg.Location()):
		return grid.Offer{}, model.Service{}, apperr.Validation("reserve", "%s has already passed", model.FormatClock(req.StartMinute))
	}

	granules, err := c.agg.Granules(ctx, svc.ID, req.Date)
	if err != nil {
		return grid.Offer{}, model.Service{}, err
	}
	offer, ok := grid.Find(granules, req.StartMinute, k)
	if !ok {
		return grid.Offer{}, model.Service{}, apperr.Validation("reserve", "%s for %d minutes is not a bookable time", model.FormatClock(req.StartMinute), req.DurationMinutes)
	}
	return offer, svc, nil
}

// claim runs the conditional update under its own deadline. Any failure other
// than a clean conflict is reported as transient and the claim token is
// released in case the commit landed.
func (c *Coordinator) claim(ctx context.Context, offer grid.Offer, claimID string) ([]model.Granule, error) {
	ctx, cancel := context.WithTimeout(ctx, c.claimTimeout)
	defer cancel()

	if err := c.granules.EnsureGranules(ctx, offer.Granules); err != nil {
		return nil, apperr.Transient("materialize granules", err)
	}
	claimed, err := c.granules.ClaimGranules(ctx, offer.GranuleIDs(), claimID)
	if err == nil {
		return claimed, nil
	}
	if apperr.Is(err, apperr.KindConflict) {
		return nil, err
	}
	c.logger.Warn("granule claim failed", "err", err, "claim_id", claimID)
	c.compensate(claimID)
	return nil, apperr.Transient("claim granules", err)
}

func (c *Coordinator) compensate(claimID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.claimTimeout)
	defer cancel()
	released, err := c.granules.ReleaseClaim(ctx, claimID)
	if err != nil {
		// The orphan-claim sweeper frees these later.
		c.logger.Error("granule compensation failed", "err", err, "claim_id", claimID)
		return
	}
	c.notifier.Notify(ctx, released)
}

func (c *Coordinator) lost(ctx context.Context, req Request) (Outcome, error) {
	conflict := apperr.Conflict("reserve", "this time was just taken")
	alt, err := c.agg.NearestAvailable(ctx, req.ServiceID, req.Date, req.StartMinute, req.DurationMinutes)
	if err != nil {
		if !apperr.Is(err, apperr.KindUnavailable) {
			c.logger.Warn("nearest slot lookup failed", "err", err)
		}
		return Outcome{}, conflict
	}
	return Outcome{Alternative: &alt}, conflict
}

// Cancel flips a confirmed reservation to cancelled and frees its granules.
// Cancelling twice returns the cancelled reservation.
func (c *Coordinator) Cancel(ctx context.Context, id, reason string) (model.Reservation, error) {
	r, released, err := c.reservations.CancelReservation(ctx, id, strings.TrimSpace(reason))
	if err != nil {
		if k := apperr.KindOf(err); k == apperr.KindNotFound || k == apperr.KindConflict {
			return model.Reservation{}, err
		}
		return model.Reservation{}, apperr.Transient("cancel reservation", err)
	}
	if len(released) > 0 {
		c.logger.Info("reservation cancelled", "reservation_id", id, "released", len(released))
		c.notifier.Notify(ctx, released)
	}
	return r, nil
}

func (c *Coordinator) Get(ctx context.Context, id string) (model.Reservation, error) {
	return c.reservations.GetReservation(ctx, id)
}

// SetBlocked toggles the admin block on the granules of a service/date that
// start at the given minutes. Rows are materialized first.
func (c *Coordinator) SetBlocked(ctx context.Context, serviceID string, date time.Time, startMinutes []int, blocked bool) ([]model.Granule, error) {
	if _, err := c.agg.ActiveService(ctx, serviceID); err != nil {
		return nil, err
	}
	granules, err := c.agg.Granules(ctx, serviceID, date)
	if err != nil {
		return nil, err
	}
	byStart := make(map[int]model.Granule, len(granules))
	for _, g := range granules {
		byStart[g.StartMinute] = g
	}
	var targets []model.Granule
	for _, m := range startMinutes {
		g, ok := byStart[m]
		if !ok {
			return nil, apperr.Validation("block granules", "no granule starts at %s", model.FormatClock(m))
		}
		targets = append(targets, g)
	}
	if len(targets) == 0 {
		return nil, apperr.Validation("block granules", "no granules given")
	}
	if err := c.granules.EnsureGranules(ctx, targets); err != nil {
		return nil, apperr.Transient("materialize granules", err)
	}
	ids := make([]string, len(targets))
	for i, g := range targets {
		ids[i] = g.ID
	}
	changed, err := c.granules.SetBlocked(ctx, ids, blocked)
	if err != nil {
		return nil, apperr.Transient("set blocked", err)
	}
	c.notifier.Notify(ctx, changed)
	return changed, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, []model.Granule) {}
