package ics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:evt-1@example.edu\r\n" +
	"DTSTART;TZID=America/Phoenix:20250115T180000\r\n" +
	"DTEND;TZID=America/Phoenix:20250115T200000\r\n" +
	"SUMMARY:Robotics Club\\nGeneral Meeting\r\n" +
	"LOCATION:Cronkite 101\r\n" +
	"DESCRIPTION:Details at https://example.edu/events/1?x=1\r\n" +
	"URL:mailto:someone@example.edu\r\n" +
	"URL:https://example.edu/events/1\r\n" +
	"URL:https://example.edu/events/other\r\n" +
	"X-UNKNOWN:ignored\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTART;VALUE=DATE:20250120\r\n" +
	"SUMMARY:Holiday\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseSample(t *testing.T) {
	events := Parse(sampleFeed)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, "evt-1@example.edu", first.UID)
	assert.Equal(t, "20250115T180000", first.DTStart)
	assert.Equal(t, "America/Phoenix", first.DTStartTZID)
	assert.Equal(t, "20250115T200000", first.DTEnd)
	assert.Equal(t, "America/Phoenix", first.DTEndTZID)
	assert.Equal(t, "Robotics Club\nGeneral Meeting", first.Summary)
	assert.Equal(t, "Cronkite 101", first.Location)
	assert.Equal(t, "https://example.edu/events/1", first.URL)

	second := events[1]
	assert.Equal(t, "20250120", second.DTStart)
	assert.Empty(t, second.DTStartTZID)
	assert.Empty(t, second.DTEnd)
	assert.Empty(t, second.UID)
}

func TestParseFirstColonSplit(t *testing.T) {
	events := Parse(sampleFeed)
	require.NotEmpty(t, events)
	assert.Equal(t, "Details at https://example.edu/events/1?x=1", events[0].Description)
}

func TestParseFoldingMatchesUnfolded(t *testing.T) {
	unfolded := "BEGIN:VEVENT\nUID:a\nDTSTART:20250115T180000Z\nDESCRIPTION:A long description that wraps\nEND:VEVENT\n"
	folded := "BEGIN:VEVENT\r\nUID:a\r\nDTSTART:20250115T1\r\n 80000Z\r\nDESCRIPTION:A long descr\r\n iption that\r\n\t wraps\r\nEND:VEVENT\r\n"

	assert.Equal(t, Parse(unfolded), Parse(folded))
	require.Len(t, Parse(folded), 1)
	assert.Equal(t, "A long description that wraps", Parse(folded)[0].Description)
}

func TestParseBareCRLineEndings(t *testing.T) {
	doc := "BEGIN:VEVENT\rUID:cr\rDTSTART:20250115\rEND:VEVENT\r"
	events := Parse(doc)
	require.Len(t, events, 1)
	assert.Equal(t, "cr", events[0].UID)
}

func TestParseGluedDateParameters(t *testing.T) {
	doc := "BEGIN:VEVENT\nDTSTART-X:20250115\nDTEND-X;TZID=UTC:20250116\nEND:VEVENT\n"
	events := Parse(doc)
	require.Len(t, events, 1)
	assert.Equal(t, "20250115", events[0].DTStart)
	assert.Equal(t, "20250116", events[0].DTEnd)
	assert.Equal(t, "UTC", events[0].DTEndTZID)
}

func TestParseBlockBoundaries(t *testing.T) {
	doc := strings.Join([]string{
		"END:VEVENT",
		"SUMMARY:outside",
		"BEGIN:VEVENT",
		"SUMMARY:closed",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"SUMMARY:never closed",
	}, "\n")

	events := Parse(doc)
	require.Len(t, events, 1)
	assert.Equal(t, "closed", events[0].Summary)
}

func TestParseOnlyDecodesNewlineEscape(t *testing.T) {
	doc := "BEGIN:VEVENT\nLOCATION:Room 1\\, Floor 2\\nWest\nEND:VEVENT\n"
	events := Parse(doc)
	require.Len(t, events, 1)
	assert.Equal(t, "Room 1\\, Floor 2\nWest", events[0].Location)
}

type stringer struct{ s string }

func (s stringer) String() string { return s.s }

func TestParseCoercesInput(t *testing.T) {
	assert.Empty(t, Parse(nil))
	assert.Empty(t, Parse(42))
	assert.Empty(t, Parse(""))
	assert.Len(t, Parse([]byte(sampleFeed)), 2)
	assert.Len(t, Parse(bytes.NewBufferString(sampleFeed)), 2)
	assert.Len(t, Parse(stringer{sampleFeed}), 2)
}

func TestLooksLikeCalendar(t *testing.T) {
	assert.True(t, LooksLikeCalendar("BEGIN:VCALENDAR\r\nEND:VCALENDAR"))
	assert.True(t, LooksLikeCalendar("Title: x\n\nBEGIN:VEVENT\nEND:VEVENT"))
	assert.False(t, LooksLikeCalendar("<html><body>Access denied</body></html>"))
	assert.False(t, LooksLikeCalendar(""))
}
