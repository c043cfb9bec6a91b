package ics

import (
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"eventrotator/internal/model"
)

// Export renders occurrences as a single iCalendar document.
func Export(name string, occs []model.Occurrence, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//eventrotator//merged timeline//EN")
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for i, o := range occs {
		ev := cal.AddEvent(exportUID(o, i))
		ev.SetDtStampTime(stamp.UTC())
		if o.AllDay {
			ev.SetAllDayStartAt(o.Start)
			// Our all-day end is the last second of the day; iCalendar wants
			// the exclusive next date.
			ev.SetAllDayEndAt(o.End.AddDate(0, 0, 1))
		} else {
			ev.SetStartAt(o.Start.UTC())
			ev.SetEndAt(o.End.UTC())
		}
		if o.Summary != "" {
			ev.SetSummary(o.Summary)
		}
		if o.Location != "" {
			ev.SetLocation(o.Location)
		}
		if o.Description != "" {
			ev.SetDescription(o.Description)
		}
		if o.URL != "" {
			ev.SetURL(o.URL)
		}
		ev.SetProperty(ical.ComponentPropertyCategories, o.SourceID)
	}

	return cal.Serialize()
}

// exportUID mirrors the timeline dedupe key so every exported VEVENT is
// unique: source/uid@start, with the list position standing in for a
// missing UID.
func exportUID(o model.Occurrence, i int) string {
	id := o.UID
	if id == "" {
		id = "noid-" + strconv.Itoa(i)
	}
	return o.SourceID + "/" + id + "@" + o.Start.UTC().Format("20060102T150405Z")
}
