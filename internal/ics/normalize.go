package ics

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"eventrotator/internal/model"
)

var (
	dateOnlyRE    = regexp.MustCompile(`^\d{8}$`)
	utcDateTimeRE = regexp.MustCompile(`^\d{8}T\d{6}Z$`)
	floatingRE    = regexp.MustCompile(`^\d{8}T\d{6}$`)
)

// fallbackLayouts are tried in order for values that match none of the
// iCalendar forms. Layouts without an offset are read in the local zone.
var fallbackLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// ResolveInstant converts a raw DTSTART/DTEND value into an instant.
//
// Rules, first match wins:
//
//   - YYYYMMDD: local midnight, or 23:59:59 local when isEnd is set.
//   - YYYYMMDDTHHMMSSZ: absolute UTC instant.
//   - YYYYMMDDTHHMMSS: wall clock in loc. tzid is accepted but not applied;
//     this is only correct when loc matches the feed's intended zone.
//   - anything else: generic parsing; ok is false when nothing matches.
//
// loc is the "local" zone; nil means time.Local. A failed resolution never
// substitutes the current time.
func ResolveInstant(value, tzid string, isEnd bool, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if value == "" {
		return time.Time{}, false
	}

	switch {
	case dateOnlyRE.MatchString(value):
		y, m, d := splitDate(value)
		if isEnd {
			return time.Date(y, m, d, 23, 59, 59, 0, loc), true
		}
		return time.Date(y, m, d, 0, 0, 0, 0, loc), true

	case utcDateTimeRE.MatchString(value):
		y, m, d := splitDate(value)
		hh, mm, ss := splitClock(value[9:15])
		return time.Date(y, m, d, hh, mm, ss, 0, time.UTC), true

	case floatingRE.MatchString(value):
		y, m, d := splitDate(value)
		hh, mm, ss := splitClock(value[9:15])
		return time.Date(y, m, d, hh, mm, ss, 0, loc), true
	}

	v := strings.TrimSpace(value)
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// splitDate reads YYYYMMDD from the front of v. Out-of-range components
// roll over the way time.Date normalizes them.
func splitDate(v string) (int, time.Month, int) {
	y, _ := strconv.Atoi(v[0:4])
	m, _ := strconv.Atoi(v[4:6])
	d, _ := strconv.Atoi(v[6:8])
	return y, time.Month(m), d
}

func splitClock(v string) (int, int, int) {
	hh, _ := strconv.Atoi(v[0:2])
	mm, _ := strconv.Atoi(v[2:4])
	ss, _ := strconv.Atoi(v[4:6])
	return hh, mm, ss
}

// IsAllDay reports whether a start/end pair carries no time of day: start is
// date-only and end is absent or date-only.
func IsAllDay(dtStart, dtEnd string) bool {
	return dateOnlyRE.MatchString(dtStart) && (dtEnd == "" || dateOnlyRE.MatchString(dtEnd))
}

// Normalize resolves raw into an Occurrence tagged with sourceID. The end
// falls back to the start value when DTEND is absent. ok is false when
// either instant cannot be resolved.
func Normalize(raw model.RawEvent, sourceID string, loc *time.Location) (model.Occurrence, bool) {
	start, ok := ResolveInstant(raw.DTStart, raw.DTStartTZID, false, loc)
	if !ok {
		return model.Occurrence{}, false
	}

	endValue, endTZ := raw.DTEnd, raw.DTEndTZID
	if endValue == "" {
		endValue, endTZ = raw.DTStart, raw.DTStartTZID
	}
	end, ok := ResolveInstant(endValue, endTZ, true, loc)
	if !ok {
		return model.Occurrence{}, false
	}

	return model.Occurrence{
		RawEvent: raw,
		SourceID: sourceID,
		AllDay:   IsAllDay(raw.DTStart, raw.DTEnd),
		Start:    start,
		End:      end,
	}, true
}

// NormalizeAll resolves every record, silently dropping unresolvable ones.
func NormalizeAll(raws []model.RawEvent, sourceID string, loc *time.Location) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(raws))
	for _, raw := range raws {
		if occ, ok := Normalize(raw, sourceID, loc); ok {
			out = append(out, occ)
		}
	}
	return out
}
