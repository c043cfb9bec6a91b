// Package refresh drives feed cycles on a cron schedule and keeps the most
// recent snapshot.
package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	appLog "eventrotator/internal/log"
	"eventrotator/internal/model"
)

// Cycle produces one snapshot. feed.Builder satisfies it.
type Cycle interface {
	Build(ctx context.Context, now time.Time) model.Snapshot
}

// Scheduler runs Cycle on a cron schedule and on demand. Every cycle takes a
// generation number when it starts; a finished cycle replaces the stored
// snapshot only if its generation is newer, so a slow cycle can never
// overwrite the result of one started after it.
type Scheduler struct {
	cycle Cycle
	spec  string
	loc   *time.Location
	now   func() time.Time

	nextGen atomic.Uint64

	mu      sync.RWMutex
	current model.Snapshot
	have    bool
	subs    []func(model.Snapshot)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler. spec is a standard 5-field cron expression
// evaluated in loc.
func New(cycle Cycle, spec string, loc *time.Location, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{cycle: cycle, spec: spec, loc: loc, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnUpdate registers fn to be called with every snapshot that becomes
// current. Callbacks run synchronously on the refreshing goroutine.
func (s *Scheduler) OnUpdate(fn func(model.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Current returns the stored snapshot and whether any cycle has finished.
func (s *Scheduler) Current() (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.have
}

// Trigger runs one cycle now and returns the snapshot that is current
// afterwards, which is a newer one if a later cycle finished first. A cycle
// whose ctx ended before it finished is never stored.
func (s *Scheduler) Trigger(ctx context.Context) model.Snapshot {
	gen := s.nextGen.Add(1)
	snap := s.cycle.Build(ctx, s.now())
	snap.Generation = gen

	if err := ctx.Err(); err != nil {
		appLog.Warn("discarding interrupted refresh result", "generation", gen, "err", err.Error())
	} else if !s.store(snap) {
		appLog.Debug("discarding stale refresh result", "generation", gen)
	}
	cur, _ := s.Current()
	return cur
}

func (s *Scheduler) store(snap model.Snapshot) bool {
	s.mu.Lock()
	if s.have && snap.Generation <= s.current.Generation {
		s.mu.Unlock()
		return false
	}
	s.current = snap
	s.have = true
	subs := append([]func(model.Snapshot){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return true
}

// Run performs an initial cycle, then refreshes on schedule until ctx is
// done. It blocks, and returns only an error for an invalid cron spec.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Trigger(ctx) }); err != nil {
		return errors.Wrapf(err, "add refresh schedule %q", s.spec)
	}

	s.Trigger(ctx)

	c.Start()
	appLog.Info("refresh scheduler started", "schedule", s.spec, "tz", s.loc.String())

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	appLog.Info("refresh scheduler stopped")
	return nil
}
