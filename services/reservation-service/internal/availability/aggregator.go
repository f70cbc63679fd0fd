// Package availability answers what can be booked for a service on a date.
package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/grid"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

type Catalog interface {
	Service(ctx context.Context, id string) (model.Service, error)
	ActiveServices(ctx context.Context) ([]model.Service, error)
}

// GranuleReader exposes persisted granule state. Granules the grid produces
// without a stored row are treated as available.
type GranuleReader interface {
	ListGranules(ctx context.Context, serviceID string, date time.Time) ([]model.Granule, error)
	GetGranule(ctx context.Context, id string) (model.Granule, error)
}

type Config struct {
	GranuleMinutes int
	Location       *time.Location
	Now            func() time.Time
}

type Aggregator struct {
	catalog  Catalog
	granules GranuleReader
	resolver *workinghours.Resolver
	size     int
	loc      *time.Location
	now      func() time.Time
	tracer   trace.Tracer
}

func NewAggregator(catalog Catalog, granules GranuleReader, resolver *workinghours.Resolver, cfg Config) *Aggregator {
	if cfg.GranuleMinutes <= 0 {
		cfg.GranuleMinutes = 30
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		catalog:  catalog,
		granules: granules,
		resolver: resolver,
		size:     cfg.GranuleMinutes,
		loc:      cfg.Location,
		now:      cfg.Now,
		tracer:   otelx.Tracer("availability"),
	}
}

func (a *Aggregator) GranuleMinutes() int { return a.size }

func (a *Aggregator) Location() *time.Location { return a.loc }

func (a *Aggregator) Now() time.Time { return a.now() }

// Today is the current calendar date in the business zone.
func (a *Aggregator) Today() time.Time { return model.DateIn(a.now(), a.loc) }

// WorkingHours is getEffectiveWorkingHours.
func (a *Aggregator) WorkingHours(ctx context.Context, date time.Time) (workinghours.Hours, error) {
	return a.resolver.Resolve(ctx, date)
}

// ActiveService loads a service and rejects unknown or inactive ones.
func (a *Aggregator) ActiveService(ctx context.Context, id string) (model.Service, error) {
	svc, err := a.catalog.Service(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return model.Service{}, apperr.Validation("load service", "unknown service %q", id)
		}
		return model.Service{}, apperr.Transient("load service", err)
	}
	if !svc.IsActive {
		return model.Service{}, apperr.Validation("load service", "service %q is not bookable", id)
	}
	return svc, nil
}

func (a *Aggregator) ActiveServices(ctx context.Context) ([]model.Service, error) {
	svcs, err := a.catalog.ActiveServices(ctx)
	if err != nil {
		return nil, apperr.Transient("list services", err)
	}
	return svcs, nil
}

// GranulesPerOffer converts a duration into k granules.
func (a *Aggregator) GranulesPerOffer(svc model.Service, durationMinutes int) (int, error) {
	if durationMinutes <= 0 || durationMinutes%a.size != 0 {
		return 0, apperr.Validation("check duration", "duration must be a positive multiple of %d minutes", a.size)
	}
	if !svc.VariableDuration && svc.DurationMinutes > 0 && durationMinutes != svc.DurationMinutes {
		return 0, apperr.Validation("check duration", "service %q is booked in %d minute slots", svc.ID, svc.DurationMinutes)
	}
	return durationMinutes / a.size, nil
}

// Granules is the shared generation routine: grid cells for the date merged
// with stored state, with elapsed granules of today reported unavailable.
func (a *Aggregator) Granules(ctx context.Context, serviceID string, date time.Time) ([]model.Granule, error) {
	date = model.NormalizeDate(date)
	hours, err := a.resolver.Resolve(ctx, date)
	if err != nil {
		return nil, err
	}
	cells := grid.Cells(hours, a.size)
	if len(cells) == 0 {
		return nil, nil
	}

	stored, err := a.granules.ListGranules(ctx, serviceID, date)
	if err != nil {
		return nil, apperr.Transient("list granules", err)
	}
	byStart := make(map[int]model.Granule, len(stored))
	for _, g := range stored {
		byStart[g.StartMinute] = g
	}

	today := a.Today()
	elapsed := -1
	switch {
	case date.Before(today):
		elapsed = model.MinutesPerDay
	case date.Equal(today):
		elapsed = model.MinuteOfDay(a.now(), a.loc)
	}

	out := make([]model.Granule, 0, len(cells))
	for _, c := range cells {
		g, ok := byStart[c.StartMinute]
		if !ok || g.EndMinute != c.EndMinute {
			g = model.Granule{
				ID:          model.GranuleID(serviceID, date, c.StartMinute),
				ServiceID:   serviceID,
				Date:        date,
				StartMinute: c.StartMinute,
				EndMinute:   c.EndMinute,
				IsAvailable: true,
			}
		}
		if c.StartMinute <= elapsed {
			g.IsAvailable = false
		}
		out = append(out, g)
	}
	return out, nil
}

// AvailableSlots returns offers of durationMinutes in ascending start order.
func (a *Aggregator) AvailableSlots(ctx context.Context, serviceID string, date time.Time, durationMinutes int) ([]grid.Offer, error) {
	ctx, span := a.tracer.Start(ctx, "availability.slots", trace.WithAttributes(
		attribute.String("service.id", serviceID),
		attribute.String("date", model.FormatDate(date)),
		attribute.Int("duration_minutes", durationMinutes),
	))
	defer span.End()

	svc, err := a.ActiveService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	k, err := a.GranulesPerOffer(svc, durationMinutes)
	if err != nil {
		return nil, err
	}
	granules, err := a.Granules(ctx, svc.ID, date)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return grid.Offers(granules, k), nil
}

// CheckSlotStillAvailable is an advisory read; only a claim is authoritative.
// A stored granule is re-read through Granules so elapsed time and the current
// hours of its date apply. Ids that were never stored cannot be placed on a
// date and are reported not found; use CheckSlotOn for those.
func (a *Aggregator) CheckSlotStillAvailable(ctx context.Context, granuleID string) (bool, error) {
	if _, err := uuid.Parse(granuleID); err != nil {
		return false, apperr.Validation("check granule", "granule id %q is malformed", granuleID)
	}
	g, err := a.granules.GetGranule(ctx, granuleID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return false, apperr.NotFound("check granule", "granule %q is unknown", granuleID)
		}
		return false, apperr.Transient("check granule", err)
	}
	cur, ok, err := a.locate(ctx, g.ServiceID, g.Date, granuleID)
	if err != nil || !ok {
		// Off the grid now: the date closed or its hours moved.
		return false, err
	}
	return cur.Bookable(), nil
}

// CheckSlotOn checks a granule of a known service and date, stored or not.
// Never materialized means never claimed.
func (a *Aggregator) CheckSlotOn(ctx context.Context, serviceID string, date time.Time, granuleID string) (bool, error) {
	if _, err := a.ActiveService(ctx, serviceID); err != nil {
		return false, err
	}
	g, ok, err := a.locate(ctx, serviceID, date, granuleID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperr.NotFound("check granule", "granule %q is not on %s for %q", granuleID, model.FormatDate(date), serviceID)
	}
	return g.Bookable(), nil
}

func (a *Aggregator) locate(ctx context.Context, serviceID string, date time.Time, granuleID string) (model.Granule, bool, error) {
	granules, err := a.Granules(ctx, serviceID, date)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return model.Granule{}, false, nil
		}
		return model.Granule{}, false, err
	}
	for _, g := range granules {
		if g.ID == granuleID {
			return g, true, nil
		}
	}
	return model.Granule{}, false, nil
}

// NearestAvailable picks the free offer closest to fromStart. Distance is |start - fromStart|;
// on a tie the earlier offer wins. The offer at fromStart itself is skipped.
func (a *Aggregator) NearestAvailable(ctx context.Context, serviceID string, date time.Time, fromStart, durationMinutes int) (grid.Offer, error) {
	offers, err := a.AvailableSlots(ctx, serviceID, date, durationMinutes)
	if err != nil {
		return grid.Offer{}, err
	}
	return Nearest(offers, fromStart)
}

// Nearest picks from ascending offers; see NearestAvailable.
func Nearest(offers []grid.Offer, fromStart int) (grid.Offer, error) {
	best, bestDist := -1, 0
	for i, o := range offers {
		if !o.Available || o.StartMinute == fromStart {
			continue
		}
		d := o.StartMinute - fromStart
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return grid.Offer{}, apperr.Unavailable("find nearest slot", "no other time is free on this date, please choose another date")
	}
	return offers[best], nil
}
