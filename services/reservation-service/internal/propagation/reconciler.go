// Package propagation keeps live availability views current from push
// notifications and polling.
package propagation

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/grid"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type SlotState string

const (
	StateAvailable   SlotState = "available"
	StateUnavailable SlotState = "unavailable"
	StateJustBooked  SlotState = "just_booked"
)

type Slot struct {
	Start      string    `json:"start"`
	End        string    `json:"end"`
	State      SlotState `json:"state"`
	GranuleIDs []string  `json:"granule_ids"`
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Start   string `json:"start"`
}

type Snapshot struct {
	ServiceID       string    `json:"service_id"`
	Date            string    `json:"date"`
	DurationMinutes int       `json:"duration_minutes"`
	Slots           []Slot    `json:"slots"`
	Selected        string    `json:"selected,omitempty"`
	Warning         *Warning  `json:"warning,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Reconciler merges granule states from any number of sources. State is
// keyed by (granule id, version): a change is applied only when its version
// is newer than the one held, so late or duplicated deliveries never flip a
// slot back. It is owned by a single goroutine.
type Reconciler struct {
	k          int
	grace      time.Duration
	granules   map[string]model.Granule
	justBooked map[string]time.Time
	selected   int
	elapsed    int
	loaded     bool
	warning    *Warning
}

func NewReconciler(granulesPerOffer int, grace time.Duration) *Reconciler {
	return &Reconciler{
		k:          granulesPerOffer,
		grace:      grace,
		granules:   map[string]model.Granule{},
		justBooked: map[string]time.Time{},
		selected:   -1,
		elapsed:    -1,
	}
}

// Select marks the offer starting at startMinute as the viewer's choice; a
// negative value clears it. Once a day is loaded an unbookable choice is
// dropped at once with a warning.
func (r *Reconciler) Select(startMinute int) {
	r.selected = startMinute
	r.checkSelection()
}

func (r *Reconciler) Selected() (int, bool) {
	return r.selected, r.selected >= 0
}

// SetElapsed reports granules starting at or before minute as unavailable.
// Use -1 for future dates.
func (r *Reconciler) SetElapsed(minute int) {
	r.elapsed = minute
}

// Apply merges one granule state and reports whether it changed anything.
func (r *Reconciler) Apply(g model.Granule, now time.Time) bool {
	if !r.merge(g, now) {
		return false
	}
	r.checkSelection()
	return true
}

func (r *Reconciler) merge(g model.Granule, now time.Time) bool {
	cur, ok := r.granules[g.ID]
	if ok && g.Version <= cur.Version {
		return false
	}
	r.granules[g.ID] = g
	if !ok {
		return true
	}
	if cur.Bookable() && !g.Bookable() && !g.IsBlockedByAdmin {
		r.justBooked[g.ID] = now.Add(r.grace)
	}
	if g.Bookable() {
		delete(r.justBooked, g.ID)
	}
	return true
}

// Replace merges a full poll result. Granules missing from all are dropped,
// which happens when the day's hours change.
func (r *Reconciler) Replace(all []model.Granule, now time.Time) bool {
	changed := false
	seen := make(map[string]struct{}, len(all))
	for _, g := range all {
		seen[g.ID] = struct{}{}
		if r.merge(g, now) {
			changed = true
		}
	}
	for id := range r.granules {
		if _, ok := seen[id]; !ok {
			delete(r.granules, id)
			delete(r.justBooked, id)
			changed = true
		}
	}
	r.loaded = true
	if r.checkSelection() {
		changed = true
	}
	return changed
}

// checkSelection drops a selection whose offer is no longer bookable and
// leaves a warning for the next snapshot. An offer missing from the grid only
// counts once a full poll has loaded the day.
func (r *Reconciler) checkSelection() bool {
	if r.selected < 0 || r.k <= 0 {
		return false
	}
	offer, found := grid.Find(r.sorted(), r.selected, r.k)
	if found && offer.Available {
		return false
	}
	if !found && !r.loaded {
		return false
	}
	code, msg := "selection_taken", "this time was just taken"
	if !found {
		code, msg = "selection_unavailable", "this time is no longer offered"
	}
	r.warning = &Warning{Code: code, Message: msg, Start: model.FormatClock(r.selected)}
	r.selected = -1
	return true
}

// NextExpiry is the earliest pending just_booked expiry after now.
func (r *Reconciler) NextExpiry(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, until := range r.justBooked {
		if until.After(now) && (next.IsZero() || until.Before(next)) {
			next = until
		}
	}
	return next, !next.IsZero()
}

// Snapshot renders the current offers. A pending warning is reported once.
func (r *Reconciler) Snapshot(now time.Time) Snapshot {
	for id, until := range r.justBooked {
		if !until.After(now) {
			delete(r.justBooked, id)
		}
	}

	offers := grid.Offers(r.sorted(), r.k)
	slots := make([]Slot, 0, len(offers))
	for _, o := range offers {
		state := StateUnavailable
		if o.Available {
			state = StateAvailable
		} else if r.recentlyBooked(o) {
			state = StateJustBooked
		}
		slots = append(slots, Slot{
			Start:      model.FormatClock(o.StartMinute),
			End:        model.FormatClock(o.EndMinute),
			State:      state,
			GranuleIDs: o.GranuleIDs(),
		})
	}

	snap := Snapshot{Slots: slots, Warning: r.warning, GeneratedAt: now}
	if r.selected >= 0 {
		snap.Selected = model.FormatClock(r.selected)
	}
	r.warning = nil
	return snap
}

func (r *Reconciler) sorted() []model.Granule {
	out := make([]model.Granule, 0, len(r.granules))
	for _, g := range r.granules {
		if g.StartMinute <= r.elapsed {
			g.IsAvailable = false
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out
}

func (r *Reconciler) recentlyBooked(o grid.Offer) bool {
	for _, g := range o.Granules {
		if _, ok := r.justBooked[g.ID]; ok {
			return true
		}
	}
	return false
}
