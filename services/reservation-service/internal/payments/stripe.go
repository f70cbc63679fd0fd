// Package payments applies payment provider webhooks to reservations.
package payments

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

const providerStripe = "stripe"

type Store interface {
	RecordProviderEvent(ctx context.Context, provider, eventID string) (bool, error)
	ForgetProviderEvent(ctx context.Context, provider, eventID string) error
	SetPaymentStatus(ctx context.Context, id string, status model.PaymentStatus) (model.Reservation, error)
}

type Canceller interface {
	Cancel(ctx context.Context, id, reason string) (model.Reservation, error)
}

type Handler struct {
	store     Store
	cancel    Canceller
	logger    *slog.Logger
	secret    string
	tolerance time.Duration
}

func NewHandler(store Store, cancel Canceller, logger *slog.Logger, secret string, tolerance time.Duration) *Handler {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Handler{store: store, cancel: cancel, logger: logger, secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// StripeWebhook handles Stripe payment intent events. The signature is the auth.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.secret, h.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	evtType := string(evt.Type)
	h.logger.Info("payment provider event received", "provider", providerStripe, "provider_event_id", evt.ID, "event_type", evtType)

	fresh, err := h.store.RecordProviderEvent(ctx, providerStripe, evt.ID)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusServiceUnavailable)
		return
	}
	if !fresh {
		h.logger.Info("payment provider event duplicate ignored", "provider_event_id", evt.ID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	if err := h.apply(ctx, evtType, evt.Data.Raw); err != nil {
		h.logger.Error("payment event failed", "err", err, "provider_event_id", evt.ID, "event_type", evtType)
		if ferr := h.store.ForgetProviderEvent(context.WithoutCancel(ctx), providerStripe, evt.ID); ferr != nil {
			h.logger.Error("forget provider event failed", "err", ferr, "provider_event_id", evt.ID)
		}
		http.Error(w, "failed to apply event", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) apply(ctx context.Context, evtType string, raw json.RawMessage) error {
	var status model.PaymentStatus
	switch evtType {
	case "payment_intent.succeeded":
		status = model.PaymentPaid
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = model.PaymentFailed
	default:
		return nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		h.logger.Error("stripe: invalid payment intent payload", "err", err)
		return nil
	}
	reservationID := strings.TrimSpace(pi.Metadata["reservation_id"])
	if reservationID == "" {
		h.logger.Warn("stripe: payment intent without reservation_id metadata", "payment_intent", pi.ID)
		return nil
	}

	res, err := h.store.SetPaymentStatus(ctx, reservationID, status)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			h.logger.Warn("stripe: payment for unknown reservation", "reservation_id", reservationID)
			return nil
		}
		return err
	}
	switch {
	case status == model.PaymentPaid && res.Status == model.StatusCancelled:
		h.logger.Warn("payment received for cancelled reservation; refund required", "reservation_id", reservationID, "payment_intent", pi.ID)
	case status == model.PaymentFailed:
		if _, err := h.cancel.Cancel(ctx, reservationID, "payment failed"); err != nil && !apperr.Is(err, apperr.KindConflict) {
			return err
		}
	}
	h.logger.Info("reservation payment updated", "reservation_id", reservationID, "payment_status", status)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
