// Package summary classifies calendar dates for booking UIs.
package summary

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/slotengine/libs/otel"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

// MaxRangeDays bounds a single range query, inclusive of both ends.
const MaxRangeDays = 93

type Reason string

const (
	ReasonClosed      Reason = "closed"
	ReasonFullyBooked Reason = "fully_booked"
)

type UnavailableDate struct {
	Date   time.Time
	Reason Reason
	Note   string
}

type DateCount struct {
	Date      time.Time
	Available int
	Total     int
}

type Summarizer struct {
	agg    *availability.Aggregator
	tracer trace.Tracer
}

func NewSummarizer(agg *availability.Aggregator) *Summarizer {
	return &Summarizer{agg: agg, tracer: otelx.Tracer("summary")}
}

// UnavailableDates lists closed and fully booked dates. With serviceID empty
// every active service is considered and a date is fully booked only when
// none of them has a free granule. Open dates are omitted.
func (s *Summarizer) UnavailableDates(ctx context.Context, start, end time.Time, serviceID string) ([]UnavailableDate, error) {
	ctx, span := s.tracer.Start(ctx, "summary.unavailable_dates", trace.WithAttributes(
		attribute.String("start", model.FormatDate(start)),
		attribute.String("end", model.FormatDate(end)),
		attribute.String("service.id", serviceID),
	))
	defer span.End()

	dates, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	services, err := s.considered(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	var out []UnavailableDate
	for _, d := range dates {
		hours, err := s.agg.WorkingHours(ctx, d)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				out = append(out, UnavailableDate{Date: d, Reason: ReasonClosed})
				continue
			}
			span.RecordError(err)
			return nil, err
		}
		if !hours.IsActive {
			out = append(out, UnavailableDate{Date: d, Reason: ReasonClosed, Note: hours.Note})
			continue
		}

		// Admin-blocked granules still exist on the grid: a day blocked end to
		// end is fully booked, not closed.
		produced, free := 0, 0
		for _, svc := range services {
			granules, err := s.agg.Granules(ctx, svc.ID, d)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			a, _ := count(granules)
			free += a
			produced += len(granules)
		}
		switch {
		case produced == 0:
			out = append(out, UnavailableDate{Date: d, Reason: ReasonClosed, Note: hours.Note})
		case free == 0:
			out = append(out, UnavailableDate{Date: d, Reason: ReasonFullyBooked})
		}
	}
	return out, nil
}

// SlotCounts reports free and total granules per date.
// Closed dates report zero for both.
func (s *Summarizer) SlotCounts(ctx context.Context, serviceID string, start, end time.Time) ([]DateCount, error) {
	ctx, span := s.tracer.Start(ctx, "summary.slot_counts", trace.WithAttributes(
		attribute.String("service.id", serviceID),
		attribute.String("start", model.FormatDate(start)),
		attribute.String("end", model.FormatDate(end)),
	))
	defer span.End()

	dates, err := dateRange(start, end)
	if err != nil {
		return nil, err
	}
	svc, err := s.agg.ActiveService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	out := make([]DateCount, 0, len(dates))
	for _, d := range dates {
		granules, err := s.agg.Granules(ctx, svc.ID, d)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			span.RecordError(err)
			return nil, err
		}
		a, t := count(granules)
		out = append(out, DateCount{Date: d, Available: a, Total: t})
	}
	return out, nil
}

func (s *Summarizer) considered(ctx context.Context, serviceID string) ([]model.Service, error) {
	if serviceID != "" {
		svc, err := s.agg.ActiveService(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		return []model.Service{svc}, nil
	}
	return s.agg.ActiveServices(ctx)
}

func dateRange(start, end time.Time) ([]time.Time, error) {
	start, end = model.NormalizeDate(start), model.NormalizeDate(end)
	if end.Before(start) {
		return nil, apperr.Validation("date range", "end date is before start date")
	}
	n := model.DaysBetween(start, end) + 1
	if n > MaxRangeDays {
		return nil, apperr.Validation("date range", "range is limited to %d days", MaxRangeDays)
	}
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, i)
	}
	return out, nil
}

// count leaves admin-blocked granules out of the public total.
func count(granules []model.Granule) (available, total int) {
	for _, g := range granules {
		if g.IsBlockedByAdmin {
			continue
		}
		total++
		if g.IsAvailable {
			available++
		}
	}
	return available, total
}
