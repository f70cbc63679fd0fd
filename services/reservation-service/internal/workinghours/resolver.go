// Package workinghours resolves the effective opening hours of a calendar date.
package workinghours

import (
	"context"
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

// Source supplies templates and overrides. ok=false means no row exists.
type Source interface {
	WeekdayTemplate(ctx context.Context, weekday time.Weekday) (model.WorkingHoursTemplate, bool, error)
	OverrideFor(ctx context.Context, date time.Time) (model.WorkingHoursOverride, bool, error)
}

// Hours are the effective hours of one date. Breaks are clipped to
// [Start, End), sorted and non-overlapping.
type Hours struct {
	Date        time.Time
	IsActive    bool
	StartMinute int
	EndMinute   int
	Breaks      []model.Window
	Overridden  bool
	Note        string
}

// Windows returns the bookable windows: working hours minus breaks.
func (h Hours) Windows() []model.Window {
	if !h.IsActive || h.EndMinute <= h.StartMinute {
		return nil
	}
	var out []model.Window
	cursor := h.StartMinute
	for _, b := range h.Breaks {
		if b.StartMinute > cursor {
			out = append(out, model.Window{StartMinute: cursor, EndMinute: b.StartMinute})
		}
		if b.EndMinute > cursor {
			cursor = b.EndMinute
		}
	}
	if h.EndMinute > cursor {
		out = append(out, model.Window{StartMinute: cursor, EndMinute: h.EndMinute})
	}
	return out
}

type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve applies the date override first, then the weekday template.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) (Hours, error) {
	date = model.NormalizeDate(date)

	ov, ok, err := r.src.OverrideFor(ctx, date)
	if err != nil {
		return Hours{}, apperr.Transient("load working-hours override", err)
	}
	if ok {
		if ov.IsClosed {
			return Hours{Date: date, Overridden: true, Note: ov.Note}, nil
		}
		return build(date, true, ov.StartMinute, ov.EndMinute, ov.Breaks, true, ov.Note), nil
	}

	tpl, ok, err := r.src.WeekdayTemplate(ctx, date.Weekday())
	if err != nil {
		return Hours{}, apperr.Transient("load working-hours template", err)
	}
	if !ok {
		return Hours{}, apperr.NotFound("resolve working hours", "no working hours defined for %s", date.Weekday())
	}
	return build(date, tpl.IsActive, tpl.StartMinute, tpl.EndMinute, tpl.Breaks, false, ""), nil
}

func build(date time.Time, active bool, start, end int, breaks []model.Window, overridden bool, note string) Hours {
	h := Hours{Date: date, IsActive: active, StartMinute: start, EndMinute: end, Overridden: overridden, Note: note}
	if !active || end <= start {
		h.IsActive = false
		return h
	}
	h.Breaks = unionBreaks(start, end, breaks)
	if len(h.Breaks) == 1 && h.Breaks[0].StartMinute <= start && h.Breaks[0].EndMinute >= end {
		// A break covering the whole day leaves nothing bookable.
		h.IsActive = false
	}
	return h
}

func unionBreaks(start, end int, breaks []model.Window) []model.Window {
	var clipped []model.Window
	for _, b := range breaks {
		s, e := max(b.StartMinute, start), min(b.EndMinute, end)
		if e > s {
			clipped = append(clipped, model.Window{StartMinute: s, EndMinute: e})
		}
	}
	if len(clipped) == 0 {
		return nil
	}
	sort.Slice(clipped, func(i, j int) bool {
		if clipped[i].StartMinute == clipped[j].StartMinute {
			return clipped[i].EndMinute < clipped[j].EndMinute
		}
		return clipped[i].StartMinute < clipped[j].StartMinute
	})

	merged := []model.Window{clipped[0]}
	for _, cur := range clipped[1:] {
		last := &merged[len(merged)-1]
		if cur.StartMinute > last.EndMinute {
			merged = append(merged, cur)
			continue
		}
		if cur.EndMinute > last.EndMinute {
			last.EndMinute = cur.EndMinute
		}
	}
	return merged
}
