package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/reservation"
)

type reserveRequest struct {
	ServiceID       string `json:"service_id"`
	Date            string `json:"date"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type reservationItem struct {
	ID              string   `json:"id"`
	ServiceID       string   `json:"service_id"`
	Date            string   `json:"date"`
	Start           string   `json:"start"`
	End             string   `json:"end"`
	DurationMinutes int      `json:"duration_minutes"`
	GranuleIDs      []string `json:"granule_ids"`
	Status          string   `json:"status"`
	Fee             int64    `json:"fee"`
	Currency        string   `json:"currency,omitempty"`
	PaymentStatus   string   `json:"payment_status"`
	CustomerName    string   `json:"customer_name"`
	CreatedAt       string   `json:"created_at"`
	CancelledAt     string   `json:"cancelled_at,omitempty"`
	CancelReason    string   `json:"cancel_reason,omitempty"`
}

func toReservationItem(r model.Reservation) reservationItem {
	item := reservationItem{
		ID:              r.ID,
		ServiceID:       r.ServiceID,
		Date:            model.FormatDate(r.Date),
		Start:           model.FormatClock(r.StartMinute),
		End:             model.FormatClock(r.EndMinute),
		DurationMinutes: r.DurationMinutes,
		GranuleIDs:      r.GranuleIDs,
		Status:          string(r.Status),
		Fee:             r.Fee,
		Currency:        r.Currency,
		PaymentStatus:   string(r.PaymentStatus),
		CustomerName:    r.CustomerName,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
		CancelReason:    r.CancelReason,
	}
	if r.CancelledAt != nil {
		item.CancelledAt = r.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

// reserveResponse always answers with success plus either the reservation or
// an error. A lost race carries the nearest alternative, or asks the caller
// to choose another date when none is left.
type reserveResponse struct {
	Success           bool             `json:"success"`
	Reservation       *reservationItem `json:"reservation,omitempty"`
	Error             *errorBody       `json:"error,omitempty"`
	Alternative       *slotItem        `json:"alternative,omitempty"`
	ChooseAnotherDate bool             `json:"choose_another_date,omitempty"`
}

func failure(err error) reserveResponse {
	return reserveResponse{Error: &errorBody{Code: string(apperr.KindOf(err)), Message: apperr.Message(err)}}
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	in, err := req.toCoordinator()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failure(err))
		return
	}

	out, err := h.coord.Reserve(r.Context(), in)
	if err != nil {
		resp := failure(err)
		if apperr.Is(err, apperr.KindConflict) {
			if out.Alternative != nil {
				alt := toSlotItem(*out.Alternative)
				resp.Alternative = &alt
			} else {
				resp.ChooseAnotherDate = true
			}
		}
		if apperr.Is(err, apperr.KindTransient) {
			h.logger.Error("reservation failed", "err", err, "service_id", in.ServiceID)
		}
		writeJSON(w, apperr.HTTPStatus(err), resp)
		return
	}
	item := toReservationItem(*out.Reservation)
	writeJSON(w, http.StatusCreated, reserveResponse{Success: true, Reservation: &item})
}

func (req reserveRequest) toCoordinator() (reservation.Request, error) {
	const op = "reserve"
	serviceID := strings.TrimSpace(req.ServiceID)
	name := strings.TrimSpace(req.CustomerName)
	if serviceID == "" || name == "" {
		return reservation.Request{}, apperr.Validation(op, "service_id and customer_name are required")
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		return reservation.Request{}, apperr.Validation(op, "date must be YYYY-MM-DD")
	}
	start, err := model.ParseClock(strings.TrimSpace(req.Start))
	if err != nil {
		return reservation.Request{}, apperr.Validation(op, "start must be HH:MM")
	}
	end, err := model.ParseClock(strings.TrimSpace(req.End))
	if err != nil {
		return reservation.Request{}, apperr.Validation(op, "end must be HH:MM")
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = end - start
	}
	return reservation.Request{
		ServiceID:       serviceID,
		Date:            date,
		StartMinute:     start,
		EndMinute:       end,
		DurationMinutes: duration,
		Customer: reservation.Customer{
			Name:  name,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
	}, nil
}

type cancelRequest struct {
	ReservationID string `json:"reservation_id"`
	CustomerEmail string `json:"customer_email"`
	Reason        string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(req.ReservationID)
	if id == "" {
		http.Error(w, "reservation_id is required", http.StatusBadRequest)
		return
	}
	// The reservation id is a bearer secret handed only to the customer. When
	// an email was given at booking it must match too; a mismatch looks like
	// an unknown id.
	cur, err := h.coord.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cur.CustomerEmail != "" && !strings.EqualFold(cur.CustomerEmail, strings.TrimSpace(req.CustomerEmail)) {
		h.logger.Warn("cancel rejected: customer email mismatch", "reservation_id", id)
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	res, err := h.coord.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationItem(res))
}
