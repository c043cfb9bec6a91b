package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrotator/internal/model"
)

type cycleFunc func(ctx context.Context, now time.Time) model.Snapshot

func (f cycleFunc) Build(ctx context.Context, now time.Time) model.Snapshot { return f(ctx, now) }

var fixed = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func TestTriggerStoresAndNotifies(t *testing.T) {
	cycle := cycleFunc(func(_ context.Context, now time.Time) model.Snapshot {
		return model.Snapshot{GeneratedAt: now, Err: "no feeds loaded"}
	})
	s := New(cycle, "*/15 * * * *", time.UTC, WithClock(func() time.Time { return fixed }))

	_, ok := s.Current()
	assert.False(t, ok)

	var got []model.Snapshot
	s.OnUpdate(func(snap model.Snapshot) { got = append(got, snap) })

	snap := s.Trigger(context.Background())
	assert.EqualValues(t, 1, snap.Generation)
	assert.Equal(t, fixed, snap.GeneratedAt)

	snap = s.Trigger(context.Background())
	assert.EqualValues(t, 2, snap.Generation)

	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[1].Generation)
}

func TestLateCycleDoesNotOverwriteNewer(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	cycle := cycleFunc(func(_ context.Context, _ time.Time) model.Snapshot {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release
			return model.Snapshot{Err: "slow"}
		}
		return model.Snapshot{Err: "fast"}
	})
	s := New(cycle, "@hourly", time.UTC)

	var notified []string
	var nmu sync.Mutex
	s.OnUpdate(func(snap model.Snapshot) {
		nmu.Lock()
		notified = append(notified, snap.Err)
		nmu.Unlock()
	})

	slowDone := make(chan model.Snapshot)
	go func() { slowDone <- s.Trigger(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	fast := s.Trigger(context.Background())
	assert.Equal(t, "fast", fast.Err)

	close(release)
	slow := <-slowDone
	assert.Equal(t, "fast", slow.Err, "stale result must not replace the newer one")

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "fast", cur.Err)
	assert.EqualValues(t, 2, cur.Generation)
	assert.Equal(t, []string{"fast"}, notified)
}

func TestTriggerDiscardsInterruptedCycle(t *testing.T) {
	cycle := cycleFunc(func(ctx context.Context, _ time.Time) model.Snapshot {
		if ctx.Err() != nil {
			return model.Snapshot{Err: "no feeds loaded"}
		}
		return model.Snapshot{Occurrences: []model.Occurrence{{SourceID: "club"}}}
	})
	s := New(cycle, "@hourly", time.UTC)

	var notified int
	s.OnUpdate(func(model.Snapshot) { notified++ })

	good := s.Trigger(context.Background())
	require.Len(t, good.Occurrences, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	after := s.Trigger(ctx)

	assert.Empty(t, after.Err)
	assert.Len(t, after.Occurrences, 1)
	assert.EqualValues(t, 1, after.Generation)
	assert.Equal(t, 1, notified)

	next := s.Trigger(context.Background())
	assert.EqualValues(t, 3, next.Generation, "later cycles still replace the stored one")
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s := New(cycleFunc(func(context.Context, time.Time) model.Snapshot { return model.Snapshot{} }), "not a cron", time.UTC)
	err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestRunRefreshesImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(cycleFunc(func(context.Context, time.Time) model.Snapshot { return model.Snapshot{} }), "@every 1h", time.UTC)

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := s.Current()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
