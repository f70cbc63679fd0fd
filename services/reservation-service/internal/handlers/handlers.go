// Package handlers exposes the reservation engine over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/grid"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/pricing"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/propagation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/summary"
)

// ScheduleWriter persists admin edits to working hours.
type ScheduleWriter interface {
	UpsertTemplate(ctx context.Context, t model.WorkingHoursTemplate) error
	UpsertOverride(ctx context.Context, o model.WorkingHoursOverride) error
	DeleteOverride(ctx context.Context, date time.Time) error
}

type StreamConfig struct {
	PollInterval time.Duration
	Grace        time.Duration
	Heartbeat    time.Duration
}

type Handler struct {
	agg      *availability.Aggregator
	coord    *reservation.Coordinator
	summary  *summary.Summarizer
	prices   *pricing.Calculator
	hub      *propagation.Hub
	schedule ScheduleWriter
	logger   *slog.Logger
	stream   StreamConfig
}

func New(agg *availability.Aggregator, coord *reservation.Coordinator, sum *summary.Summarizer, prices *pricing.Calculator, hub *propagation.Hub, schedule ScheduleWriter, logger *slog.Logger, stream StreamConfig) *Handler {
	if stream.Heartbeat <= 0 {
		stream.Heartbeat = 15 * time.Second
	}
	return &Handler{
		agg:      agg,
		coord:    coord,
		summary:  sum,
		prices:   prices,
		hub:      hub,
		schedule: schedule,
		logger:   logger,
		stream:   stream,
	}
}

// Register mounts the public routes on mux. Admin routes are wrapped by guard.
func (h *Handler) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	mux.HandleFunc("/api/v1/public/working-hours", h.WorkingHours)
	mux.HandleFunc("/api/v1/public/slots", h.Slots)
	mux.HandleFunc("/api/v1/public/slots/check", h.CheckSlot)
	mux.HandleFunc("/api/v1/public/slots/nearest", h.NearestSlot)
	mux.HandleFunc("/api/v1/public/slots/stream", h.StreamSlots)
	mux.HandleFunc("/api/v1/public/calendar/unavailable", h.UnavailableDates)
	mux.HandleFunc("/api/v1/public/calendar/counts", h.SlotCounts)
	mux.HandleFunc("/api/v1/public/calendar/unavailable.ics", h.UnavailableCalendar)
	mux.HandleFunc("/api/v1/public/price", h.Price)
	mux.HandleFunc("/api/v1/public/reservations", h.Reserve)
	mux.HandleFunc("/api/v1/public/reservations/cancel", h.Cancel)

	mux.Handle("/api/v1/admin/granules/block", guard(http.HandlerFunc(h.BlockGranules)))
	mux.Handle("/api/v1/admin/granules/unblock", guard(http.HandlerFunc(h.UnblockGranules)))
	mux.Handle("/api/v1/admin/working-hours/template", guard(http.HandlerFunc(h.PutTemplate)))
	mux.Handle("/api/v1/admin/working-hours/override", guard(http.HandlerFunc(h.PutOverride)))
}

type slotItem struct {
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Available  bool     `json:"available"`
	GranuleIDs []string `json:"granule_ids"`
}

func toSlotItem(o grid.Offer) slotItem {
	return slotItem{
		Start:      model.FormatClock(o.StartMinute),
		End:        model.FormatClock(o.EndMinute),
		Available:  o.Available,
		GranuleIDs: o.GranuleIDs(),
	}
}

type windowItem struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func toWindowItems(ws []model.Window) []windowItem {
	out := make([]windowItem, 0, len(ws))
	for _, w := range ws {
		out = append(out, windowItem{Start: model.FormatClock(w.StartMinute), End: model.FormatClock(w.EndMinute)})
	}
	return out
}

func parseWindows(in []windowItem) ([]model.Window, error) {
	out := make([]model.Window, 0, len(in))
	for _, b := range in {
		w, err := parseWindow(b.Start, b.End)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func parseWindow(start, end string) (model.Window, error) {
	s, err := model.ParseClock(start)
	if err != nil {
		return model.Window{}, apperr.Validation("parse window", "invalid start %q", start)
	}
	e, err := model.ParseClock(end)
	if err != nil {
		return model.Window{}, apperr.Validation("parse window", "invalid end %q", end)
	}
	w := model.Window{StartMinute: s, EndMinute: e}
	if !w.Valid() {
		return model.Window{}, apperr.Validation("parse window", "%s-%s is not a valid time range", start, end)
	}
	return w, nil
}

func queryDate(r *http.Request, key string) (time.Time, bool) {
	d, err := model.ParseDate(strings.TrimSpace(r.URL.Query().Get(key)))
	return d, err == nil
}

// queryDuration reads duration, falling back to the service's fixed length.
func (h *Handler) queryDuration(ctx context.Context, r *http.Request, serviceID string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("duration"))
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, apperr.Validation("parse duration", "invalid duration")
		}
		return n, nil
	}
	svc, err := h.agg.ActiveService(ctx, serviceID)
	if err != nil {
		return 0, err
	}
	if svc.DurationMinutes <= 0 {
		return 0, apperr.Validation("parse duration", "duration is required for service %q", serviceID)
	}
	return svc.DurationMinutes, nil
}

// writeError maps an engine error to a plain text response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.Is(err, apperr.KindTransient) {
		h.logger.Error("request failed", "err", err, "path", r.URL.Path)
	}
	http.Error(w, apperr.Message(err), apperr.HTTPStatus(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
