package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrotator/internal/ics"
	"eventrotator/internal/metrics"
	"eventrotator/internal/model"
	"eventrotator/internal/timeline"
)

var now = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func calendar(events ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	for _, e := range events {
		b.WriteString(e)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func vevent(uid, start, summary string) string {
	return "BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART:" + start + "\r\nSUMMARY:" + summary + "\r\nEND:VEVENT\r\n"
}

type stubFetcher struct {
	mu      sync.Mutex
	texts   map[string]string
	fetched []string
}

func (s *stubFetcher) FetchSource(_ context.Context, src ics.Source) model.SourceResult {
	s.mu.Lock()
	s.fetched = append(s.fetched, src.ID)
	s.mu.Unlock()
	text := s.texts[src.ID]
	res := model.SourceResult{SourceID: "ignored", Text: text}
	if text != "" {
		res.OKKind = ics.KindDirect
	}
	return res
}

func TestCollectKeepsSourceOrder(t *testing.T) {
	stub := &stubFetcher{texts: map[string]string{
		"a": calendar(),
		"c": calendar(),
	}}
	agg := NewAggregator(stub, 0, nil)

	results, status := agg.Collect(context.Background(), []ics.Source{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].SourceID, results[1].SourceID, results[2].SourceID})
	assert.Equal(t, []string{"a", "c"}, status.OK)
	assert.Equal(t, []string{"b"}, status.Fail)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, stub.fetched)
}

func TestCollectRecordsMetrics(t *testing.T) {
	rec := metrics.NewRecorder()
	stub := &stubFetcher{texts: map[string]string{"a": calendar()}}
	agg := NewAggregator(stub, 1, rec)

	_, _ = agg.Collect(context.Background(), []ics.Source{{ID: "a"}, {ID: "b"}})

	expected := `
# HELP eventrotator_source_up 1 if the source produced calendar data in the last cycle.
# TYPE eventrotator_source_up gauge
eventrotator_source_up{source="a"} 1
eventrotator_source_up{source="b"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "eventrotator_source_up"))
}

func TestBuildNoSources(t *testing.T) {
	b := NewBuilder(nil, NewAggregator(&stubFetcher{}, 0, nil), Options{}, nil)
	snap := b.Build(context.Background(), now)

	assert.Equal(t, "no feed URLs configured", snap.Err)
	assert.Empty(t, snap.Occurrences)
	assert.NotNil(t, snap.Status.Counts)
}

func TestBuildAllSourcesFail(t *testing.T) {
	stub := &stubFetcher{texts: map[string]string{}}
	b := NewBuilder([]ics.Source{{ID: "a"}, {ID: "b"}}, NewAggregator(stub, 0, nil), Options{}, nil)
	snap := b.Build(context.Background(), now)

	assert.Equal(t, "no feeds loaded", snap.Err)
	assert.Equal(t, []string{"a", "b"}, snap.Status.Fail)
	assert.Empty(t, snap.Status.OK)
	assert.Empty(t, snap.Occurrences)
}

func TestBuildMergesAndCounts(t *testing.T) {
	stub := &stubFetcher{texts: map[string]string{
		"a": calendar(
			vevent("1", "20250116T170000Z", "Later"),
			vevent("2", "20250115T180000Z", "Sooner"),
			vevent("2", "20250115T180000Z", "Sooner again"),
			vevent("3", "20250101T180000Z", "Long gone"),
		),
		"b": calendar(vevent("1", "20250115T180000Z", "Same start, other source")),
	}}
	b := NewBuilder(
		[]ics.Source{{ID: "a"}, {ID: "broken"}, {ID: "b"}},
		NewAggregator(stub, 2, nil),
		Options{Location: time.UTC, Grace: time.Hour, MaxEvents: 25},
		nil,
	)
	snap := b.Build(context.Background(), now)

	require.Empty(t, snap.Err)
	assert.Equal(t, []string{"a", "b"}, snap.Status.OK)
	assert.Equal(t, []string{"broken"}, snap.Status.Fail)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, snap.Status.Counts)

	summaries := make([]string, 0, len(snap.Occurrences))
	for _, o := range snap.Occurrences {
		summaries = append(summaries, o.Summary)
	}
	assert.Equal(t, []string{"Sooner", "Same start, other source", "Later"}, summaries)
	assert.Equal(t, now, snap.GeneratedAt)
}

func TestBuildAppliesStages(t *testing.T) {
	stub := &stubFetcher{texts: map[string]string{
		"a": calendar(
			vevent("1", "20250116T170000Z", "Lecture at ASU Downtown"),
			vevent("2", "20250116T180000Z", "Tempe mixer"),
		),
	}}
	b := NewBuilder([]ics.Source{{ID: "a"}}, NewAggregator(stub, 0, nil), Options{
		Location: time.UTC,
		Stages:   []timeline.Stage{timeline.KeywordStage([]string{"asu downtown"})},
	}, nil)
	snap := b.Build(context.Background(), now)

	require.Len(t, snap.Occurrences, 1)
	assert.Equal(t, "Lecture at ASU Downtown", snap.Occurrences[0].Summary)
}

func TestBuildEndToEndOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/one.ics":
			_, _ = w.Write([]byte(calendar(vevent("x", "20250120T180000Z", "One"))))
		case "/two.ics":
			_, _ = w.Write([]byte(calendar(vevent("y", "20250119T180000Z", "Two"))))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}
	}))
	defer srv.Close()

	sources := make([]ics.Source, 0, 3)
	for _, p := range []string{"/one.ics", "/down.ics", "/two.ics"} {
		u := srv.URL + p
		sources = append(sources, ics.Source{ID: ics.SourceID(u), URL: u, Candidates: ics.Candidates(u, ics.RelayRoutes{})})
	}

	rec := metrics.NewRecorder()
	b := NewBuilder(sources, NewAggregator(ics.NewFetcher("", time.Second), 0, rec), Options{Location: time.UTC, Grace: time.Hour}, rec)
	snap := b.Build(context.Background(), now)

	require.Empty(t, snap.Err)
	assert.Equal(t, []string{"one", "two"}, snap.Status.OK)
	assert.Equal(t, []string{"down"}, snap.Status.Fail)
	require.Len(t, snap.Occurrences, 2)
	assert.Equal(t, "Two", snap.Occurrences[0].Summary)
	assert.Equal(t, "two", snap.Occurrences[0].SourceID)

	expected := `
# HELP eventrotator_refresh_cycles_total Completed refresh cycles by outcome.
# TYPE eventrotator_refresh_cycles_total counter
eventrotator_refresh_cycles_total{result="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "eventrotator_refresh_cycles_total"))
}
