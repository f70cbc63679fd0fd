// Package pricing derives the reservation fee from booking lead time.
package pricing

import (
	"time"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

// Tier applies Numerator/Denominator to the base fee when lead days >= MinLeadDays.
type Tier struct {
	MinLeadDays int
	Numerator   int64
	Denominator int64
}

// Policy tiers are ordered by descending MinLeadDays; Fallback covers everything below.
type Policy struct {
	Tiers    []Tier
	Fallback Tier
}

// DefaultPolicy: >=10 days x1, 7-9 x1.5, 5-6 x2, under 5 (past dates included) x3.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: []Tier{
			{MinLeadDays: 10, Numerator: 1, Denominator: 1},
			{MinLeadDays: 7, Numerator: 3, Denominator: 2},
			{MinLeadDays: 5, Numerator: 2, Denominator: 1},
		},
		Fallback: Tier{Numerator: 3, Denominator: 1},
	}
}

type Calculator struct {
	policy Policy
	loc    *time.Location
}

func NewCalculator(policy Policy, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{policy: policy, loc: loc}
}

// LeadDays counts calendar days from today (in the business zone) to date.
// Both ends are midnights, so the ceiling of the day difference is exact.
func (c *Calculator) LeadDays(date, now time.Time) int {
	return model.DaysBetween(model.DateIn(now, c.loc), date)
}

// Price is a pure function of (date, now, baseFee) in minor units.
func (c *Calculator) Price(date, now time.Time, baseFee int64) int64 {
	return c.policy.Apply(c.LeadDays(date, now), baseFee)
}

// ForService returns 0 for free services regardless of lead time.
func (c *Calculator) ForService(svc model.Service, date, now time.Time) int64 {
	if svc.IsFree {
		return 0
	}
	return c.Price(date, now, svc.BaseFee)
}

func (p Policy) Apply(leadDays int, baseFee int64) int64 {
	tier := p.Fallback
	for _, t := range p.Tiers {
		if leadDays >= t.MinLeadDays {
			tier = t
			break
		}
	}
	if tier.Denominator <= 0 {
		return baseFee
	}
	// Half-up rounding in minor units.
	return (baseFee*tier.Numerator*2 + tier.Denominator) / (tier.Denominator * 2)
}
