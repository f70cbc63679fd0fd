// Package calendar renders unavailable dates as an iCalendar feed.
package calendar

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/summary"
)

const productID = "-//slotengine//reservation-service//EN"

var summaries = map[summary.Reason]string{
	summary.ReasonClosed:      "Closed",
	summary.ReasonFullyBooked: "Fully booked",
}

// UnavailableICS emits one all-day VEVENT per date. UIDs are stable per
// (date, reason, scope) so subscribed calendars update in place.
func UnavailableICS(dates []summary.UnavailableDate, scope string, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	if scope == "" {
		scope = "all"
	}
	for _, d := range dates {
		day := model.NormalizeDate(d.Date)
		ev := cal.AddEvent(model.FormatDate(day) + "-" + string(d.Reason) + "-" + scope + "@slotengine")
		ev.SetDtStampTime(stamp.UTC())
		ev.SetAllDayStartAt(day)
		ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
		title := summaries[d.Reason]
		if title == "" {
			title = string(d.Reason)
		}
		ev.SetSummary(title)
		if d.Note != "" {
			ev.SetDescription(d.Note)
		}
	}
	return cal.Serialize()
}
