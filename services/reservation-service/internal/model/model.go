package model

import (
	"time"

	"github.com/google/uuid"
)

const MinutesPerDay = 24 * 60

// Window is a half-open [StartMinute, EndMinute) range within a day.
type Window struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w Window) Overlaps(o Window) bool {
	return w.StartMinute < o.EndMinute && o.StartMinute < w.EndMinute
}

func (w Window) Valid() bool {
	return w.StartMinute >= 0 && w.EndMinute <= MinutesPerDay && w.StartMinute < w.EndMinute
}

type Service struct {
	ID               string
	Names            map[string]string
	DurationMinutes  int
	VariableDuration bool
	BaseFee          int64
	Currency         string
	IsFree           bool
	IsActive         bool
}

// Name picks the localized name, falling back to English and then the id.
func (s Service) Name(lang string) string {
	if n := s.Names[lang]; n != "" {
		return n
	}
	if n := s.Names["en"]; n != "" {
		return n
	}
	return s.ID
}

type WorkingHoursTemplate struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
	Breaks      []Window
	IsActive    bool
}

type WorkingHoursOverride struct {
	Date        time.Time
	IsClosed    bool
	StartMinute int
	EndMinute   int
	Breaks      []Window
	Note        string
}

type Granule struct {
	ID               string
	ServiceID        string
	Date             time.Time
	StartMinute      int
	EndMinute        int
	IsAvailable      bool
	IsBlockedByAdmin bool
	ReservationID    string
	Version          int64
	UpdatedAt        time.Time
}

// Bookable reports whether the granule can be claimed right now.
func (g Granule) Bookable() bool {
	return g.IsAvailable && !g.IsBlockedByAdmin
}

var granuleNamespace = uuid.MustParse("6f1d9a52-3c0b-4b8e-9a57-2f0c1d7e4b11")

// GranuleID derives a stable id so regenerating a grid yields the same rows.
func GranuleID(serviceID string, date time.Time, startMinute int) string {
	key := serviceID + "|" + FormatDate(date) + "|" + FormatClock(startMinute)
	return uuid.NewSHA1(granuleNamespace, []byte(key)).String()
}

type ReservationStatus string

const (
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusCompleted ReservationStatus = "completed"
)

type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
)

type Reservation struct {
	ID              string
	ServiceID       string
	Date            time.Time
	StartMinute     int
	EndMinute       int
	DurationMinutes int
	GranuleIDs      []string
	Status          ReservationStatus
	Fee             int64
	Currency        string
	PaymentStatus   PaymentStatus
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	CancelReason    string
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

// GranuleChange is the wire form of a granule transition on every push channel.
type GranuleChange struct {
	GranuleID        string    `json:"granule_id"`
	ServiceID        string    `json:"service_id"`
	Date             string    `json:"date"`
	StartMinute      int       `json:"start_minute"`
	EndMinute        int       `json:"end_minute"`
	IsAvailable      bool      `json:"is_available"`
	IsBlockedByAdmin bool      `json:"is_blocked_by_admin"`
	Version          int64     `json:"version"`
	ChangedAt        time.Time `json:"changed_at"`
}

func ChangeOf(g Granule) GranuleChange {
	return GranuleChange{
		GranuleID:        g.ID,
		ServiceID:        g.ServiceID,
		Date:             FormatDate(g.Date),
		StartMinute:      g.StartMinute,
		EndMinute:        g.EndMinute,
		IsAvailable:      g.IsAvailable,
		IsBlockedByAdmin: g.IsBlockedByAdmin,
		Version:          g.Version,
		ChangedAt:        g.UpdatedAt,
	}
}

// Granule converts a change back into granule state; an unparsable date yields ok=false.
func (c GranuleChange) Granule() (Granule, bool) {
	d, err := ParseDate(c.Date)
	if err != nil {
		return Granule{}, false
	}
	return Granule{
		ID:               c.GranuleID,
		ServiceID:        c.ServiceID,
		Date:             d,
		StartMinute:      c.StartMinute,
		EndMinute:        c.EndMinute,
		IsAvailable:      c.IsAvailable,
		IsBlockedByAdmin: c.IsBlockedByAdmin,
		Version:          c.Version,
		UpdatedAt:        c.ChangedAt,
	}, true
}
