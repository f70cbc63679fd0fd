package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/seed"
)

func actor(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}

type blockRequest struct {
	ServiceID string   `json:"service_id"`
	Date      string   `json:"date"`
	Starts    []string `json:"starts"`
}

type granuleItem struct {
	ID               string `json:"id"`
	Start            string `json:"start"`
	End              string `json:"end"`
	IsAvailable      bool   `json:"is_available"`
	IsBlockedByAdmin bool   `json:"is_blocked_by_admin"`
	Version          int64  `json:"version"`
}

func (h *Handler) BlockGranules(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

func (h *Handler) UnblockGranules(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil || strings.TrimSpace(req.ServiceID) == "" || len(req.Starts) == 0 {
		http.Error(w, "service_id, date and starts are required", http.StatusBadRequest)
		return
	}
	starts := make([]int, 0, len(req.Starts))
	for _, s := range req.Starts {
		m, err := model.ParseClock(strings.TrimSpace(s))
		if err != nil {
			http.Error(w, "starts must be HH:MM", http.StatusBadRequest)
			return
		}
		starts = append(starts, m)
	}

	changed, err := h.coord.SetBlocked(r.Context(), strings.TrimSpace(req.ServiceID), date, starts, blocked)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]granuleItem, 0, len(changed))
	for _, g := range changed {
		items = append(items, granuleItem{
			ID:               g.ID,
			Start:            model.FormatClock(g.StartMinute),
			End:              model.FormatClock(g.EndMinute),
			IsAvailable:      g.IsAvailable,
			IsBlockedByAdmin: g.IsBlockedByAdmin,
			Version:          g.Version,
		})
	}
	h.logger.Info("granules updated by admin", "actor", actor(r), "service_id", req.ServiceID, "date", req.Date, "blocked", blocked, "changed", len(changed))
	writeJSON(w, http.StatusOK, map[string]any{"granules": items})
}

type templateRequest struct {
	Weekday string       `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
	Breaks  []windowItem `json:"breaks"`
	Closed  bool         `json:"closed"`
}

func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	wd, err := seed.ParseWeekday(req.Weekday)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t := model.WorkingHoursTemplate{Weekday: wd, IsActive: !req.Closed}
	if !req.Closed {
		span, err := parseWindow(req.Start, req.End)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if t.Breaks, err = parseWindows(req.Breaks); err != nil {
			h.writeError(w, r, err)
			return
		}
		t.StartMinute, t.EndMinute = span.StartMinute, span.EndMinute
	}
	if err := h.schedule.UpsertTemplate(r.Context(), t); err != nil {
		h.writeError(w, r, apperr.Transient("save template", err))
		return
	}
	h.logger.Info("working hours template saved", "actor", actor(r), "weekday", wd.String(), "active", t.IsActive)
	writeJSON(w, http.StatusOK, map[string]any{"weekday": strings.ToLower(wd.String()), "active": t.IsActive})
}

type overrideRequest struct {
	Date   string       `json:"date"`
	Closed bool         `json:"closed"`
	Start  string       `json:"start"`
	End    string       `json:"end"`
	Breaks []windowItem `json:"breaks"`
	Note   string       `json:"note"`
	// Delete removes the override so the weekday template applies again.
	Delete bool `json:"delete"`
}

func (h *Handler) PutOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if req.Delete {
		if err := h.schedule.DeleteOverride(r.Context(), date); err != nil {
			h.writeError(w, r, apperr.Transient("delete override", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"date": model.FormatDate(date), "deleted": true})
		return
	}

	o := model.WorkingHoursOverride{Date: date, IsClosed: req.Closed, Note: strings.TrimSpace(req.Note)}
	if !req.Closed {
		span, err := parseWindow(req.Start, req.End)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if o.Breaks, err = parseWindows(req.Breaks); err != nil {
			h.writeError(w, r, err)
			return
		}
		o.StartMinute, o.EndMinute = span.StartMinute, span.EndMinute
	}
	if err := h.schedule.UpsertOverride(r.Context(), o); err != nil {
		h.writeError(w, r, apperr.Transient("save override", err))
		return
	}
	h.logger.Info("working hours override saved", "actor", actor(r), "date", model.FormatDate(date), "closed", o.IsClosed)
	writeJSON(w, http.StatusOK, map[string]any{"date": model.FormatDate(date), "closed": o.IsClosed})
}
