package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/calendar"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/summary"
)

type unavailableItem struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
	Note   string `json:"note,omitempty"`
}

type countItem struct {
	Date      string `json:"date"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
}

func (h *Handler) unavailable(w http.ResponseWriter, r *http.Request) ([]summary.UnavailableDate, string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, "", false
	}
	start, okStart := queryDate(r, "start")
	end, okEnd := queryDate(r, "end")
	if !okStart || !okEnd {
		http.Error(w, "start and end are required (YYYY-MM-DD)", http.StatusBadRequest)
		return nil, "", false
	}
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	dates, err := h.summary.UnavailableDates(r.Context(), start, end, serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, "", false
	}
	return dates, serviceID, true
}

func (h *Handler) UnavailableDates(w http.ResponseWriter, r *http.Request) {
	dates, _, ok := h.unavailable(w, r)
	if !ok {
		return
	}
	items := make([]unavailableItem, 0, len(dates))
	for _, d := range dates {
		items = append(items, unavailableItem{Date: model.FormatDate(d.Date), Reason: string(d.Reason), Note: d.Note})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": items})
}

// UnavailableCalendar serves the same dates as an iCalendar feed.
func (h *Handler) UnavailableCalendar(w http.ResponseWriter, r *http.Request) {
	dates, serviceID, ok := h.unavailable(w, r)
	if !ok {
		return
	}
	scope := serviceID
	if scope == "" {
		scope = "all"
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="unavailable.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(calendar.UnavailableICS(dates, scope, h.agg.Now())))
}

func (h *Handler) SlotCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	start, okStart := queryDate(r, "start")
	end, okEnd := queryDate(r, "end")
	if serviceID == "" || !okStart || !okEnd {
		http.Error(w, "service_id, start and end are required", http.StatusBadRequest)
		return
	}
	counts, err := h.summary.SlotCounts(r.Context(), serviceID, start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]countItem, 0, len(counts))
	for _, c := range counts {
		items = append(items, countItem{Date: model.FormatDate(c.Date), Available: c.Available, Total: c.Total})
	}
	writeJSON(w, http.StatusOK, map[string]any{"service_id": serviceID, "counts": items})
}
