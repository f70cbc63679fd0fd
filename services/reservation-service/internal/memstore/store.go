// Package memstore is an in-process store for local runs and tests. A single
// mutex plays the role of the database's row locks, so claims stay
// all-or-nothing exactly as the conditional UPDATE makes them in Postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	services     map[string]model.Service
	templates    map[time.Weekday]model.WorkingHoursTemplate
	overrides    map[string]model.WorkingHoursOverride
	granules     map[string]model.Granule
	reservations map[string]model.Reservation
	claimedAt    map[string]time.Time
	events       map[string]struct{}

	// FailCreate, when set, makes CreateReservation fail. Used to exercise compensation.
	FailCreate error
	// FailClaim, when set, makes ClaimGranules fail without touching state.
	FailClaim error
}

func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:          now,
		services:     map[string]model.Service{},
		templates:    map[time.Weekday]model.WorkingHoursTemplate{},
		overrides:    map[string]model.WorkingHoursOverride{},
		granules:     map[string]model.Granule{},
		reservations: map[string]model.Reservation{},
		claimedAt:    map[string]time.Time{},
		events:       map[string]struct{}{},
	}
}

func (s *Store) UpsertService(_ context.Context, svc model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[svc.ID] = svc
	return nil
}

func (s *Store) Service(_ context.Context, id string) (model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[id]
	if !ok {
		return model.Service{}, apperr.NotFound("get service", "service %q not found", id)
	}
	return svc, nil
}

func (s *Store) ActiveServices(_ context.Context) ([]model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Service
	for _, svc := range s.services {
		if svc.IsActive {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertTemplate(_ context.Context, t model.WorkingHoursTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Weekday] = t
	return nil
}

func (s *Store) WeekdayTemplate(_ context.Context, wd time.Weekday) (model.WorkingHoursTemplate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[wd]
	return t, ok, nil
}

func (s *Store) UpsertOverride(_ context.Context, o model.WorkingHoursOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Date = model.NormalizeDate(o.Date)
	s.overrides[model.FormatDate(o.Date)] = o
	return nil
}

func (s *Store) DeleteOverride(_ context.Context, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, model.FormatDate(date))
	return nil
}

func (s *Store) OverrideFor(_ context.Context, date time.Time) (model.WorkingHoursOverride, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[model.FormatDate(date)]
	return o, ok, nil
}

func (s *Store) ListGranules(_ context.Context, serviceID string, date time.Time) ([]model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	date = model.NormalizeDate(date)
	var out []model.Granule
	for _, g := range s.granules {
		if g.ServiceID == serviceID && g.Date.Equal(date) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out, nil
}

func (s *Store) GetGranule(_ context.Context, id string) (model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.granules[id]
	if !ok {
		return model.Granule{}, apperr.NotFound("get granule", "granule %q not found", id)
	}
	return g, nil
}

func (s *Store) EnsureGranules(_ context.Context, granules []model.Granule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range granules {
		if _, ok := s.granules[g.ID]; ok {
			continue
		}
		g.Date = model.NormalizeDate(g.Date)
		g.IsAvailable = true
		g.IsBlockedByAdmin = false
		g.ReservationID = ""
		g.Version = 0
		g.UpdatedAt = s.now()
		s.granules[g.ID] = g
	}
	return nil
}

// ClaimGranules flips every id to unavailable or none of them.
func (s *Store) ClaimGranules(_ context.Context, ids []string, claimID string) ([]model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailClaim != nil {
		return nil, s.FailClaim
	}
	for _, id := range ids {
		g, ok := s.granules[id]
		if !ok || !g.Bookable() {
			return nil, apperr.Conflict("claim granules", "this time was just taken")
		}
	}
	now := s.now()
	out := make([]model.Granule, 0, len(ids))
	for _, id := range ids {
		g := s.granules[id]
		g.IsAvailable = false
		g.ReservationID = claimID
		g.Version++
		g.UpdatedAt = now
		s.granules[id] = g
		out = append(out, g)
	}
	s.claimedAt[claimID] = now
	return out, nil
}

func (s *Store) ReleaseClaim(_ context.Context, claimID string) ([]model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimedAt, claimID)
	return s.releaseLocked(claimID), nil
}

func (s *Store) releaseLocked(claimID string) []model.Granule {
	now := s.now()
	var out []model.Granule
	for id, g := range s.granules {
		if g.ReservationID != claimID || g.IsAvailable {
			continue
		}
		g.IsAvailable = true
		g.ReservationID = ""
		g.Version++
		g.UpdatedAt = now
		s.granules[id] = g
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out
}

func (s *Store) SetBlocked(_ context.Context, ids []string, blocked bool) ([]model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []model.Granule
	for _, id := range ids {
		g, ok := s.granules[id]
		if !ok {
			return nil, apperr.NotFound("set blocked", "granule %q not found", id)
		}
		if g.IsBlockedByAdmin == blocked {
			continue
		}
		g.IsBlockedByAdmin = blocked
		g.Version++
		g.UpdatedAt = now
		s.granules[id] = g
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) CreateReservation(_ context.Context, r model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	if _, ok := s.reservations[r.ID]; ok {
		return apperr.Conflict("create reservation", "reservation %q already exists", r.ID)
	}
	r.CreatedAt = s.now()
	s.reservations[r.ID] = r
	delete(s.claimedAt, r.ID)
	return nil
}

func (s *Store) GetReservation(_ context.Context, id string) (model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, apperr.NotFound("get reservation", "reservation %q not found", id)
	}
	return r, nil
}

func (s *Store) CancelReservation(_ context.Context, id, reason string) (model.Reservation, []model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, nil, apperr.NotFound("cancel reservation", "reservation %q not found", id)
	}
	switch r.Status {
	case model.StatusCancelled:
		return r, nil, nil
	case model.StatusConfirmed:
	default:
		return model.Reservation{}, nil, apperr.Conflict("cancel reservation", "reservation is %s and cannot be cancelled", r.Status)
	}
	now := s.now()
	r.Status = model.StatusCancelled
	r.CancelReason = reason
	r.CancelledAt = &now
	s.reservations[id] = r
	return r, s.releaseLocked(id), nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id string, status model.PaymentStatus) (model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, apperr.NotFound("set payment status", "reservation %q not found", id)
	}
	r.PaymentStatus = status
	s.reservations[id] = r
	return r, nil
}

// RecordProviderEvent returns false for an event id seen before.
func (s *Store) RecordProviderEvent(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + ":" + eventID
	if _, ok := s.events[key]; ok {
		return false, nil
	}
	s.events[key] = struct{}{}
	return true, nil
}

func (s *Store) ForgetProviderEvent(_ context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, provider+":"+eventID)
	return nil
}

// CompleteEnded marks confirmed reservations that ended before (today, minute) completed.
func (s *Store) CompleteEnded(_ context.Context, today time.Time, minute int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	today = model.NormalizeDate(today)
	var n int64
	for id, r := range s.reservations {
		if r.Status != model.StatusConfirmed {
			continue
		}
		if r.Date.Before(today) || (r.Date.Equal(today) && r.EndMinute <= minute) {
			r.Status = model.StatusCompleted
			s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

// UnpaidBefore lists confirmed reservations still pending payment created before cutoff.
func (s *Store) UnpaidBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, r := range s.reservations {
		if r.Status == model.StatusConfirmed && r.PaymentStatus == model.PaymentPending && r.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReleaseOrphanClaims frees granules claimed before cutoff whose reservation never got written.
func (s *Store) ReleaseOrphanClaims(_ context.Context, cutoff time.Time) ([]model.Granule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Granule
	for claimID, at := range s.claimedAt {
		if _, ok := s.reservations[claimID]; ok || !at.Before(cutoff) {
			continue
		}
		out = append(out, s.releaseLocked(claimID)...)
		delete(s.claimedAt, claimID)
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }
