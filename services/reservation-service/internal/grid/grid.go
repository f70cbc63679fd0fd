// Package grid turns resolved working hours into granules and granules into offers.
// It is the only place slot boundaries are computed.
package grid

import (
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

// Cells lays granules of size minutes on the lattice Start + n*size. A cell is
// kept iff it ends by End and shares no minute with a break.
func Cells(h workinghours.Hours, size int) []model.Window {
	if !h.IsActive || size <= 0 {
		return nil
	}
	var cells []model.Window
	for s := h.StartMinute; s+size <= h.EndMinute; s += size {
		cell := model.Window{StartMinute: s, EndMinute: s + size}
		if !overlapsAny(cell, h.Breaks) {
			cells = append(cells, cell)
		}
	}
	return cells
}

func overlapsAny(w model.Window, breaks []model.Window) bool {
	for _, b := range breaks {
		if w.Overlaps(b) {
			return true
		}
	}
	return false
}

// Offer is a contiguous run of granules presented as one bookable slot.
type Offer struct {
	StartMinute int
	EndMinute   int
	Granules    []model.Granule
	Available   bool
}

func (o Offer) GranuleIDs() []string {
	ids := make([]string, len(o.Granules))
	for i, g := range o.Granules {
		ids[i] = g.ID
	}
	return ids
}

// Offers slides a window of k granules over sorted granules. A window is an
// offer iff its granules are time-contiguous and none is admin-blocked; its
// availability is the AND of the granules' availability.
func Offers(granules []model.Granule, k int) []Offer {
	if k <= 0 || len(granules) < k {
		return nil
	}
	var out []Offer
	for i := 0; i+k <= len(granules); i++ {
		run := granules[i : i+k]
		if !contiguous(run) || anyBlocked(run) {
			continue
		}
		available := true
		for _, g := range run {
			available = available && g.IsAvailable
		}
		out = append(out, Offer{
			StartMinute: run[0].StartMinute,
			EndMinute:   run[k-1].EndMinute,
			Granules:    append([]model.Granule(nil), run...),
			Available:   available,
		})
	}
	return out
}

// Find returns the offer of k granules starting at startMinute.
func Find(granules []model.Granule, startMinute, k int) (Offer, bool) {
	for i, g := range granules {
		if g.StartMinute != startMinute {
			continue
		}
		if i+k > len(granules) {
			return Offer{}, false
		}
		offers := Offers(granules[i:i+k], k)
		if len(offers) == 0 {
			return Offer{}, false
		}
		return offers[0], true
	}
	return Offer{}, false
}

func contiguous(run []model.Granule) bool {
	for i := 1; i < len(run); i++ {
		if run[i-1].EndMinute != run[i].StartMinute {
			return false
		}
	}
	return true
}

func anyBlocked(run []model.Granule) bool {
	for _, g := range run {
		if g.IsBlockedByAdmin {
			return true
		}
	}
	return false
}
