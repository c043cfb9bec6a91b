// Package feed runs one refresh cycle: retrieve every configured source
// concurrently, parse and normalize what came back, and hand the merged
// occurrences to the timeline.
package feed

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"eventrotator/internal/ics"
	appLog "eventrotator/internal/log"
	"eventrotator/internal/metrics"
	"eventrotator/internal/model"
	"eventrotator/internal/timeline"
)

var (
	ErrNoSources     = errors.New("no feed URLs configured")
	ErrNoFeedsLoaded = errors.New("no feeds loaded")
)

// SourceFetcher retrieves one source, walking its candidates. It must not
// fail: exhaustion is reported through an empty SourceResult.Text.
type SourceFetcher interface {
	FetchSource(ctx context.Context, src ics.Source) model.SourceResult
}

// Aggregator fans out one retrieval per source and waits for all of them.
type Aggregator struct {
	fetcher     SourceFetcher
	concurrency int
	metrics     *metrics.Recorder
}

// NewAggregator builds an Aggregator. concurrency <= 0 means one goroutine
// per source; rec may be nil.
func NewAggregator(f SourceFetcher, concurrency int, rec *metrics.Recorder) *Aggregator {
	return &Aggregator{fetcher: f, concurrency: concurrency, metrics: rec}
}

// Collect returns one SourceResult per source, in the order given, plus
// the ok/fail accounting. One source's failure never affects another.
func (a *Aggregator) Collect(ctx context.Context, sources []ics.Source) ([]model.SourceResult, model.FeedStatus) {
	results := make([]model.SourceResult, len(sources))

	var g errgroup.Group
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			res := a.fetcher.FetchSource(ctx, src)
			res.SourceID = src.ID
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	status := model.FeedStatus{OK: []string{}, Fail: []string{}}
	for _, res := range results {
		if res.Failed() {
			status.Fail = append(status.Fail, res.SourceID)
			a.metrics.ObserveSource(res.SourceID, false, "none")
			continue
		}
		status.OK = append(status.OK, res.SourceID)
		a.metrics.ObserveSource(res.SourceID, true, res.OKKind)
	}
	return results, status
}

// Options configure the normalize and timeline stages of a cycle.
type Options struct {
	// Location is the local wall clock for date-only and floating values.
	Location  *time.Location
	Grace     time.Duration
	MaxEvents int
	Stages    []timeline.Stage
}

// Builder composes a full cycle. It holds no state between calls.
type Builder struct {
	sources    []ics.Source
	aggregator *Aggregator
	opts       Options
	metrics    *metrics.Recorder
}

func NewBuilder(sources []ics.Source, agg *Aggregator, opts Options, rec *metrics.Recorder) *Builder {
	return &Builder{sources: sources, aggregator: agg, opts: opts, metrics: rec}
}

// Build runs retrieval, parse, normalize and the timeline pipeline for the
// configured sources against now. Failures degrade to fewer results; only
// "no sources" and "no source produced text" surface as Snapshot.Err.
func (b *Builder) Build(ctx context.Context, now time.Time) model.Snapshot {
	began := time.Now()
	snap := model.Snapshot{
		GeneratedAt: now,
		Occurrences: []model.Occurrence{},
		Status:      model.FeedStatus{OK: []string{}, Fail: []string{}, Counts: map[string]int{}},
	}

	if len(b.sources) == 0 {
		snap.Err = ErrNoSources.Error()
		b.metrics.ObserveCycle(ErrNoSources, time.Since(began), nil)
		return snap
	}

	results, status := b.aggregator.Collect(ctx, b.sources)
	status.Counts = map[string]int{}
	snap.Status = status

	if len(status.OK) == 0 {
		snap.Err = ErrNoFeedsLoaded.Error()
		appLog.Error("refresh cycle produced no feeds", ErrNoFeedsLoaded, "sources", len(b.sources))
		b.metrics.ObserveCycle(ErrNoFeedsLoaded, time.Since(began), nil)
		return snap
	}

	merged := Merge(results, b.opts.Location)
	final := timeline.Build(merged, timeline.Options{
		Now:       now,
		Grace:     b.opts.Grace,
		MaxEvents: b.opts.MaxEvents,
		Stages:    b.opts.Stages,
	})

	snap.Occurrences = final
	snap.Status.Counts = timeline.CountBySource(final)

	appLog.Info("refresh cycle complete",
		"sources", len(b.sources),
		"ok", len(status.OK),
		"fail", len(status.Fail),
		"parsed", len(merged),
		"final", len(final),
	)
	b.metrics.ObserveCycle(nil, time.Since(began), snap.Status.Counts)
	return snap
}

// Merge parses and normalizes every non-empty result, tagging each
// occurrence with its source. Source order is preserved.
func Merge(results []model.SourceResult, loc *time.Location) []model.Occurrence {
	out := make([]model.Occurrence, 0)
	for _, res := range results {
		if res.Failed() {
			continue
		}
		raws := ics.Parse(res.Text)
		occs := ics.NormalizeAll(raws, res.SourceID, loc)
		if dropped := len(raws) - len(occs); dropped > 0 {
			appLog.Debug("dropped unresolvable events", "id", res.SourceID, "count", dropped)
		}
		out = append(out, occs...)
	}
	return out
}
