package model

import "time"

// RawEvent is one VEVENT block as read off the wire, before any date
// interpretation. Empty strings mean the property was absent.
type RawEvent struct {
	UID string `json:"uid"`

	DTStart     string `json:"dtstart"`
	DTStartTZID string `json:"dtstart_tzid,omitempty"`
	DTEnd       string `json:"dtend,omitempty"`
	DTEndTZID   string `json:"dtend_tzid,omitempty"`

	Summary     string `json:"summary"`
	Location    string `json:"location"`
	Description string `json:"description"`

	// URL is the first URL property whose value starts with "http".
	URL string `json:"url,omitempty"`
}

// Occurrence is a display-ready event with resolved instants, tagged with
// the feed that produced it. Values are never mutated after construction.
type Occurrence struct {
	RawEvent

	SourceID string `json:"source_id"`

	AllDay bool      `json:"all_day"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// Attempt records the outcome of one retrieval candidate.
type Attempt struct {
	URL    string
	Status int    // HTTP status, 0 if the request never completed
	Err    string // transport or format error, empty on success
}

// SourceResult is the per-source outcome of one refresh cycle. An empty Text
// means every candidate failed.
type SourceResult struct {
	SourceID string
	Text     string
	OKURL    string
	// OKKind is the kind of the winning candidate (relay, external, direct).
	OKKind   string
	Attempts []Attempt
}

// Failed reports whether no candidate produced calendar data.
func (r SourceResult) Failed() bool {
	return r.Text == ""
}

// FeedStatus is the diagnostic accounting for one cycle.
type FeedStatus struct {
	OK     []string       `json:"ok"`
	Fail   []string       `json:"fail"`
	Counts map[string]int `json:"counts"`
}

// Snapshot is everything a refresh cycle hands to the presentation layer.
type Snapshot struct {
	Generation  uint64       `json:"generation"`
	GeneratedAt time.Time    `json:"generated_at"`
	Occurrences []Occurrence `json:"occurrences"`
	Status      FeedStatus   `json:"feeds"`
	Err         string       `json:"error,omitempty"`
}
