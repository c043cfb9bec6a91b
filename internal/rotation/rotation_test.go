package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrotator/internal/model"
)

func snapshotOf(summaries ...string) model.Snapshot {
	occs := make([]model.Occurrence, 0, len(summaries))
	for _, s := range summaries {
		occs = append(occs, model.Occurrence{RawEvent: model.RawEvent{Summary: s}})
	}
	return model.Snapshot{Occurrences: occs}
}

func TestAdvanceWraps(t *testing.T) {
	s := New()
	s.Replace(snapshotOf("a", "b", "c"))

	for _, want := range []int{1, 2, 0} {
		s.Advance()
		assert.Equal(t, want, s.View().Index)
	}
	require.NotNil(t, s.View().Current)
	assert.Equal(t, "a", s.View().Current.Summary)
}

func TestAdvanceIsNoopWhenPausedOrSingle(t *testing.T) {
	s := New()
	s.Replace(snapshotOf("only"))
	s.Advance()
	assert.Equal(t, 0, s.View().Index)

	s.Replace(snapshotOf("a", "b"))
	assert.False(t, s.Toggle())
	s.Advance()
	assert.Equal(t, 0, s.View().Index)

	s.Next()
	assert.Equal(t, 1, s.View().Index, "manual next ignores pause")
}

func TestReplaceResetsIndexKeepsPlayback(t *testing.T) {
	s := New()
	s.Replace(snapshotOf("a", "b", "c"))
	require.True(t, s.Select(2))
	s.Toggle()

	s.Replace(model.Snapshot{Err: "no feeds loaded"})
	v := s.View()
	assert.Equal(t, 0, v.Index)
	assert.Equal(t, 0, v.Total)
	assert.False(t, v.Playing)
	assert.Nil(t, v.Current)
	assert.Equal(t, "no feeds loaded", v.Err)
}

func TestSelectBounds(t *testing.T) {
	s := New()
	s.Replace(snapshotOf("a", "b"))
	assert.False(t, s.Select(-1))
	assert.False(t, s.Select(2))
	assert.True(t, s.Select(1))
	assert.Equal(t, "b", s.View().Current.Summary)
}

func TestRunTicks(t *testing.T) {
	s := New()
	s.Replace(snapshotOf("a", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return s.View().Index == 1 }, time.Second, time.Millisecond)
}
