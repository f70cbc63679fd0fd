package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/propagation"
)

// StreamSlots serves one live view as server-sent events. Every event is a
// full snapshot of the date's slots; a lost selection arrives as a warning.
func (h *Handler) StreamSlots(w http.ResponseWriter, r *http.Request) {
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
	selected := -1
	if raw := strings.TrimSpace(q.Get("selected")); raw != "" {
		m, err := model.ParseClock(raw)
		if err != nil {
			http.Error(w, "selected must be HH:MM", http.StatusBadRequest)
			return
		}
		selected = m
	}
	duration, err := h.queryDuration(r.Context(), r, serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	svc, err := h.agg.ActiveService(r.Context(), serviceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	k, err := h.agg.GranulesPerOffer(svc, duration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming unsupported", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	view := propagation.NewView(h.agg, h.logger, propagation.ViewConfig{
		ServiceID:        svc.ID,
		Date:             date,
		DurationMinutes:  duration,
		GranulesPerOffer: k,
		Selected:         selected,
		PollInterval:     h.stream.PollInterval,
		Grace:            h.stream.Grace,
	})
	unsubscribe := h.hub.Subscribe(view)
	defer unsubscribe()
	go func() { _ = view.Run(ctx) }()

	h.logger.Debug("slot stream opened", "view_id", view.ID(), "service_id", svc.ID, "date", model.FormatDate(date))
	defer h.logger.Debug("slot stream closed", "view_id", view.ID())

	heartbeat := time.NewTicker(h.stream.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-view.Updates():
			if !ok {
				return
			}
			body, err := json.Marshal(snap)
			if err != nil {
				h.logger.Error("encode snapshot failed", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", body); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
