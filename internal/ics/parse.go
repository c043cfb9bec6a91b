package ics

import (
	"fmt"
	"io"
	"strings"

	"eventrotator/internal/model"
)

const (
	beginEvent = "BEGIN:VEVENT"
	endEvent   = "END:VEVENT"
)

// Parse turns iCalendar text into one RawEvent per VEVENT block.
//
// Input may be a string, []byte, io.Reader or fmt.Stringer; anything else
// (including nil) is treated as an empty document. Parse carries no date
// semantics: values are stored exactly as they appear after unfolding.
func Parse(doc any) []model.RawEvent {
	lines := unfold(coerce(doc))

	events := make([]model.RawEvent, 0)
	var cur *model.RawEvent

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == beginEvent:
			cur = &model.RawEvent{}
		case line == endEvent:
			if cur != nil {
				events = append(events, *cur)
			}
			cur = nil
		case cur != nil:
			applyProperty(cur, line)
		}
	}

	return events
}

func coerce(doc any) string {
	switch v := doc.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case io.Reader:
		b, _ := io.ReadAll(v)
		return string(b)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// unfold normalizes line endings and joins continuation lines (leading space
// or tab) onto the preceding logical line.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	out := make([]string, 0, strings.Count(text, "\n")+1)
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			// A continuation with nothing to continue is dropped.
			if len(out) == 0 {
				continue
			}
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return out
}

// applyProperty splits "NAME;PARAM=V;...:value" on the first colon only and
// records the properties we care about.
func applyProperty(ev *model.RawEvent, line string) {
	head, value, _ := strings.Cut(line, ":")
	segments := strings.Split(head, ";")
	name := segments[0]

	tzid := ""
	for _, p := range segments[1:] {
		if v, ok := strings.CutPrefix(p, "TZID="); ok {
			tzid = v
			break
		}
	}

	switch name {
	case "UID":
		ev.UID = value
	case "DTSTART":
		setStart(ev, value, tzid)
	case "DTEND":
		setEnd(ev, value, tzid)
	case "SUMMARY":
		ev.Summary = decodeText(value)
	case "LOCATION":
		ev.Location = decodeText(value)
	case "DESCRIPTION":
		ev.Description = decodeText(value)
	case "URL":
		if ev.URL == "" && strings.HasPrefix(value, "http") {
			ev.URL = value
		}
	default:
		// Some producers glue parameters onto the name without a separator.
		if strings.HasPrefix(name, "DTSTART") {
			setStart(ev, value, tzid)
		} else if strings.HasPrefix(name, "DTEND") {
			setEnd(ev, value, tzid)
		}
	}
}

func setStart(ev *model.RawEvent, value, tzid string) {
	ev.DTStart = value
	if tzid != "" {
		ev.DTStartTZID = tzid
	}
}

func setEnd(ev *model.RawEvent, value, tzid string) {
	ev.DTEnd = value
	if tzid != "" {
		ev.DTEndTZID = tzid
	}
}

// decodeText expands literal "\n" sequences; no other escapes are touched.
func decodeText(v string) string {
	return strings.ReplaceAll(v, `\n`, "\n")
}

// LooksLikeCalendar reports whether text is plausibly an iCalendar document.
func LooksLikeCalendar(text string) bool {
	return strings.HasPrefix(text, "BEGIN:VCALENDAR") || strings.Contains(text, "\n"+beginEvent)
}
