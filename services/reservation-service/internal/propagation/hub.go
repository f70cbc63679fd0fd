package propagation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

func routeKey(serviceID string, date time.Time) string {
	return serviceID + "|" + model.FormatDate(date)
}

// Hub routes granule transitions to the views watching their (service, date).
type Hub struct {
	mu     sync.RWMutex
	views  map[string]map[string]*View
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{views: map[string]map[string]*View{}, logger: logger}
}

// Subscribe registers v and returns its unsubscribe func.
func (h *Hub) Subscribe(v *View) func() {
	key := v.Key()
	h.mu.Lock()
	if h.views[key] == nil {
		h.views[key] = map[string]*View{}
	}
	h.views[key][v.ID()] = v
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.views[key], v.ID())
		if len(h.views[key]) == 0 {
			delete(h.views, key)
		}
	}
}

func (h *Hub) ViewCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, vs := range h.views {
		n += len(vs)
	}
	return n
}

// Publish delivers g to every matching view and reports how many accepted it.
func (h *Hub) Publish(g model.Granule) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, v := range h.views[routeKey(g.ServiceID, g.Date)] {
		if v.Deliver(g) {
			delivered++
		} else {
			h.logger.Debug("view buffer full; change dropped", "view_id", v.ID(), "granule_id", g.ID)
		}
	}
	return delivered
}

// PublishChange decodes a wire change and publishes it.
func (h *Hub) PublishChange(c model.GranuleChange) {
	g, ok := c.Granule()
	if !ok {
		h.logger.Warn("dropping granule change with bad date", "granule_id", c.GranuleID, "date", c.Date)
		return
	}
	h.Publish(g)
}

// Notify lets the hub serve as an in-process notifier for the coordinator.
func (h *Hub) Notify(_ context.Context, changed []model.Granule) {
	for _, g := range changed {
		h.Publish(g)
	}
}

// Notifiers fans a notification out to several notifiers in order.
type Notifiers []interface {
	Notify(ctx context.Context, changed []model.Granule)
}

func (ns Notifiers) Notify(ctx context.Context, changed []model.Granule) {
	if len(changed) == 0 {
		return
	}
	for _, n := range ns {
		n.Notify(ctx, changed)
	}
}
