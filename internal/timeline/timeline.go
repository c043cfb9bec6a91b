// Package timeline merges normalized occurrences from every source into the
// bounded, ordered sequence handed to the presenter.
package timeline

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"eventrotator/internal/model"
)

const (
	DefaultMaxEvents   = 25
	DefaultGraceWindow = time.Hour
)

// Stage is an optional filter run after stale exclusion and before sorting.
// Stages must not modify the occurrences they are given.
type Stage func([]model.Occurrence) []model.Occurrence

// Options parameterize Build. Now is required; zero Grace and MaxEvents use
// the defaults.
type Options struct {
	Now       time.Time
	Grace     time.Duration
	MaxEvents int
	Stages    []Stage
}

// Build runs the pipeline in order: drop unresolved, drop stale, optional
// stages, group-sort-flatten-sort, dedupe, truncate.
func Build(occs []model.Occurrence, opts Options) []model.Occurrence {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGraceWindow
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}

	out := DropUnresolved(occs)
	out = DropStale(out, opts.Now, opts.Grace)
	for _, stage := range opts.Stages {
		if stage != nil {
			out = stage(out)
		}
	}
	out = Order(out)
	out = Dedupe(out)

	if len(out) > opts.MaxEvents {
		out = out[:opts.MaxEvents]
	}
	return out
}

// DropUnresolved removes occurrences lacking either instant.
func DropUnresolved(occs []model.Occurrence) []model.Occurrence {
	return lo.Filter(occs, func(o model.Occurrence, _ int) bool {
		return !o.Start.IsZero() && !o.End.IsZero()
	})
}

// DropStale removes occurrences whose effective end is before now-grace.
func DropStale(occs []model.Occurrence, now time.Time, grace time.Duration) []model.Occurrence {
	cutoff := now.Add(-grace)
	return lo.Filter(occs, func(o model.Occurrence, _ int) bool {
		end := o.End
		if end.IsZero() {
			end = o.Start
		}
		return !end.Before(cutoff)
	})
}

// KeywordStage keeps occurrences whose summary, location or description
// contains any keyword, case-insensitively. An empty keyword set keeps
// nothing.
func KeywordStage(keywords []string) Stage {
	needles := lo.Map(keywords, func(k string, _ int) string { return strings.ToLower(k) })
	return func(occs []model.Occurrence) []model.Occurrence {
		return lo.Filter(occs, func(o model.Occurrence, _ int) bool {
			hay := strings.ToLower(o.Summary + "\n" + o.Location + "\n" + o.Description)
			return lo.SomeBy(needles, func(k string) bool { return strings.Contains(hay, k) })
		})
	}
}

// Order groups by source in first-seen order, sorts each group by start,
// then flattens and sorts the whole sequence. Every sort is stable, so
// equal starts keep their input order.
func Order(occs []model.Occurrence) []model.Occurrence {
	groups := lo.GroupBy(occs, func(o model.Occurrence) string { return o.SourceID })
	ids := lo.Uniq(lo.Map(occs, func(o model.Occurrence, _ int) string { return o.SourceID }))

	flat := make([]model.Occurrence, 0, len(occs))
	for _, id := range ids {
		group := slices.Clone(groups[id])
		slices.SortStableFunc(group, byStart)
		flat = append(flat, group...)
	}
	slices.SortStableFunc(flat, byStart)
	return flat
}

func byStart(a, b model.Occurrence) int {
	return a.Start.Compare(b.Start)
}

// Dedupe keeps the first occurrence per DedupeKey.
func Dedupe(occs []model.Occurrence) []model.Occurrence {
	return lo.UniqBy(occs, DedupeKey)
}

// DedupeKey is "sourceId|uid-or-summary-or-noid|start-unix-millis".
func DedupeKey(o model.Occurrence) string {
	id := lo.CoalesceOrEmpty(o.UID, o.Summary, "noid")
	return o.SourceID + "|" + id + "|" + strconv.FormatInt(o.Start.UnixMilli(), 10)
}

// CountBySource tallies occurrences per source id.
func CountBySource(occs []model.Occurrence) map[string]int {
	counts := make(map[string]int)
	for _, o := range occs {
		counts[o.SourceID]++
	}
	return counts
}
