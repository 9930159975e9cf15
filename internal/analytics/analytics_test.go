package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/pkg/kafka"
)

func TestAggregatorTotals(t *testing.T) {
	a := NewAggregator()
	a.Record(Event{Type: EventSearch, Query: "alpine", TotalHits: 2, LatencyMs: 10, Cache: "miss"})
	a.Record(Event{Type: EventSearch, Query: "alpine", TotalHits: 2, LatencyMs: 2, Cache: "hit"})
	a.Record(Event{Type: EventSearch, Query: "zebra", TotalHits: 0, LatencyMs: 30, Cache: "disabled"})
	a.Record(Event{Type: EventUpload, PictureID: 1, SizeBytes: 100})
	a.Record(Event{Type: EventDelete, PictureID: 1})

	st := a.Stats()
	assert.Equal(t, int64(3), st.TotalSearches)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.CacheMisses)
	assert.Equal(t, int64(1), st.ZeroResultCount)
	assert.Equal(t, int64(1), st.TotalUploads)
	assert.Equal(t, int64(100), st.UploadedBytes)
	assert.Equal(t, int64(1), st.TotalDeletes)
	assert.InDelta(t, 14.0, st.AvgLatencyMs, 0.001)
	assert.Equal(t, int64(10), st.P50LatencyMs)
	assert.Equal(t, int64(30), st.P99LatencyMs)
	require.Len(t, st.TopQueries, 2)
	assert.Equal(t, QueryCount{Query: "alpine", Count: 2}, st.TopQueries[0])
	assert.Equal(t, []QueryCount{{Query: "zebra", Count: 1}}, st.ZeroResultQueries)
}

func TestAggregatorLatencyWindowIsBounded(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < latencyWindow+500; i++ {
		a.Record(Event{Type: EventSearch, Query: "q", TotalHits: 1, LatencyMs: 1})
	}
	assert.Len(t, a.latencies, latencyWindow)
	assert.Equal(t, int64(latencyWindow+500), a.Stats().TotalSearches)
}

func TestAggregatorTopQueriesCapped(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < 25; i++ {
		a.Record(Event{Type: EventSearch, Query: fmt.Sprintf("q%02d", i), TotalHits: 1})
	}
	st := a.Stats()
	require.Len(t, st.TopQueries, topQueries)
	assert.Equal(t, "q00", st.TopQueries[0].Query, "ties order by query")
}

func TestAggregatorRestore(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAggregator()
	a.Restore(Stats{
		TotalSearches: 40,
		TotalUploads:  7,
		TopQueries:    []QueryCount{{Query: "alpine", Count: 30}},
		Since:         since,
	})
	a.Record(Event{Type: EventSearch, Query: "alpine", TotalHits: 1})

	st := a.Stats()
	assert.Equal(t, int64(41), st.TotalSearches)
	assert.Equal(t, int64(7), st.TotalUploads)
	assert.Equal(t, since, st.Since)
	assert.Equal(t, int64(31), st.TopQueries[0].Count)
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	fail    bool
}

func (p *recordingPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.batches = append(p.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestCollectorRecordsAndPublishes(t *testing.T) {
	agg := NewAggregator()
	pub := &recordingPublisher{}
	c := NewCollector(agg, pub, CollectorConfig{BatchSize: 2, FlushInterval: time.Hour})
	c.Start(context.Background())

	for i := 0; i < 5; i++ {
		c.Track(Event{Type: EventSearch, Query: "alpine", TotalHits: 1})
	}
	c.Close()

	assert.Equal(t, int64(5), agg.Stats().TotalSearches)
	assert.Equal(t, 5, pub.count(), "close publishes the partial batch")
	assert.Equal(t, 0, c.Pending())
}

func TestCollectorWithoutPublisher(t *testing.T) {
	agg := NewAggregator()
	c := NewCollector(agg, nil, CollectorConfig{})
	c.Start(context.Background())
	c.Track(Event{Type: EventUpload, SizeBytes: 3})
	c.Close()
	assert.Equal(t, int64(1), agg.Stats().TotalUploads)
}

func TestCollectorKeepsFailedBatch(t *testing.T) {
	agg := NewAggregator()
	pub := &recordingPublisher{fail: true}
	c := NewCollector(agg, pub, CollectorConfig{BatchSize: 2, FlushInterval: time.Hour})
	c.Start(context.Background())
	for i := 0; i < 10; i++ {
		c.Track(Event{Type: EventSearch, Query: "q", TotalHits: 1})
	}
	c.Close()

	assert.Equal(t, int64(10), agg.Stats().TotalSearches)
	assert.Equal(t, 0, pub.count())
	assert.LessOrEqual(t, c.Pending(), 6)
	assert.Equal(t, int64(10-c.Pending()), c.Dropped())
}

func TestCollectorDrainsOnCancel(t *testing.T) {
	agg := NewAggregator()
	pub := &recordingPublisher{}
	c := NewCollector(agg, pub, CollectorConfig{BatchSize: 100, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.Track(Event{Type: EventSearch, Query: "q"})
	c.Track(Event{Type: EventDelete})
	cancel()
	c.Close()

	assert.Equal(t, 2, pub.count())
}

func TestNilCollectorTrackIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() { c.Track(Event{Type: EventSearch}) })
}

func TestHandlerServesStats(t *testing.T) {
	agg := NewAggregator()
	agg.Record(Event{Type: EventSearch, Query: "alpine", TotalHits: 1, LatencyMs: 4})
	mux := http.NewServeMux()
	NewHandler(agg).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_searches":1`)
	assert.Contains(t, rec.Body.String(), `"query":"alpine"`)
}

func TestHandlerTrimsTopQueries(t *testing.T) {
	agg := NewAggregator()
	agg.Record(Event{Type: EventSearch, Query: "alpine", TotalHits: 1})
	agg.Record(Event{Type: EventSearch, Query: "lake", TotalHits: 1})
	mux := http.NewServeMux()
	NewHandler(agg).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats.TopQueries, 1)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics?top=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
