package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type workingHoursResponse struct {
	Date       string       `json:"date"`
	IsOpen     bool         `json:"is_open"`
	Start      string       `json:"start,omitempty"`
	End        string       `json:"end,omitempty"`
	Breaks     []windowItem `json:"breaks"`
	Windows    []windowItem `json:"windows"`
	Overridden bool         `json:"overridden"`
	Note       string       `json:"note,omitempty"`
}

func (h *Handler) WorkingHours(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	date, ok := queryDate(r, "date")
	if !ok {
		http.Error(w, "date is required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	hours, err := h.agg.WorkingHours(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := workingHoursResponse{
		Date:       model.FormatDate(date),
		IsOpen:     hours.IsActive,
		Breaks:     toWindowItems(hours.Breaks),
		Windows:    toWindowItems(hours.Windows()),
		Overridden: hours.Overridden,
		Note:       hours.Note,
	}
	if hours.IsActive {
		resp.Start = model.FormatClock(hours.StartMinute)
		resp.End = model.FormatClock(hours.EndMinute)
	}
	writeJSON(w, http.StatusOK, resp)
}

type slotsResponse struct {
	ServiceID       string     `json:"service_id"`
	Date            string     `json:"date"`
	DurationMinutes int        `json:"duration_minutes"`
	Slots           []slotItem `json:"slots"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	date, ok := queryDate(r, "date")
	if serviceID == "" || !ok {
		http.Error(w, "service_id and date are required", http.StatusBadRequest)
		return
	}
	duration, err := h.queryDuration(r.Context(), r, serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offers, err := h.agg.AvailableSlots(r.Context(), serviceID, date, duration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := slotsResponse{
		ServiceID:       serviceID,
		Date:            model.FormatDate(date),
		DurationMinutes: duration,
		Slots:           make([]slotItem, 0, len(offers)),
	}
	for _, o := range offers {
		resp.Slots = append(resp.Slots, toSlotItem(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CheckSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("granule_id"))
	if id == "" {
		http.Error(w, "granule_id is required", http.StatusBadRequest)
		return
	}
	// service_id and date let the check place granules that were never stored.
	var available bool
	var err error
	if serviceID := strings.TrimSpace(r.URL.Query().Get("service_id")); serviceID != "" {
		date, ok := queryDate(r, "date")
		if !ok {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		available, err = h.agg.CheckSlotOn(r.Context(), serviceID, date, id)
	} else {
		available, err = h.agg.CheckSlotStillAvailable(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granule_id": id, "available": available})
}

func (h *Handler) NearestSlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	serviceID := strings.TrimSpace(q.Get("service_id"))
	date, ok := queryDate(r, "date")
	if serviceID == "" || !ok {
		http.Error(w, "service_id and date are required", http.StatusBadRequest)
		return
	}
	from, err := model.ParseClock(strings.TrimSpace(q.Get("from")))
	if err != nil {
		http.Error(w, "from must be HH:MM", http.StatusBadRequest)
		return
	}
	duration, err := h.queryDuration(r.Context(), r, serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.agg.NearestAvailable(r.Context(), serviceID, date, from, duration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotItem(offer))
}

type priceResponse struct {
	ServiceID string `json:"service_id"`
	Date      string `json:"date"`
	LeadDays  int    `json:"lead_days"`
	BaseFee   int64  `json:"base_fee"`
	Fee       int64  `json:"fee"`
	Currency  string `json:"currency,omitempty"`
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	date, ok := queryDate(r, "date")
	if serviceID == "" || !ok {
		http.Error(w, "service_id and date are required", http.StatusBadRequest)
		return
	}
	svc, err := h.agg.ActiveService(r.Context(), serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.agg.Now()
	writeJSON(w, http.StatusOK, priceResponse{
		ServiceID: svc.ID,
		Date:      model.FormatDate(date),
		LeadDays:  h.prices.LeadDays(date, now),
		BaseFee:   svc.BaseFee,
		Fee:       h.prices.ForService(svc, date, now),
		Currency:  svc.Currency,
	})
}
