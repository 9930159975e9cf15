package analytics

import (
	"sort"
	"sync"
	"time"
)

const (
	latencyWindow = 10000
	topQueries    = 10
)

type Stats struct {
	TotalSearches     int64        `json:"total_searches"`
	TotalUploads      int64        `json:"total_uploads"`
	TotalDeletes      int64        `json:"total_deletes"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	UploadedBytes     int64        `json:"uploaded_bytes"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
	Since             time.Time    `json:"since"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator keeps running totals. Latency percentiles cover the most recent
// latencyWindow searches.
type Aggregator struct {
	mu          sync.RWMutex
	stats       Stats
	latencies   []int64
	next        int
	queryCounts map[string]int64
	zeroQueries map[string]int64
	now         func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, latencyWindow),
		queryCounts: make(map[string]int64),
		zeroQueries: make(map[string]int64),
		now:         time.Now,
		stats:       Stats{Since: time.Now().UTC()},
	}
}

func (a *Aggregator) Record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case EventSearch:
		a.stats.TotalSearches++
		switch ev.Cache {
		case "hit":
			a.stats.CacheHits++
		case "miss":
			a.stats.CacheMisses++
		}
		a.queryCounts[ev.Query]++
		if ev.TotalHits == 0 {
			a.stats.ZeroResultCount++
			a.zeroQueries[ev.Query]++
		}
		if len(a.latencies) < latencyWindow {
			a.latencies = append(a.latencies, ev.LatencyMs)
		} else {
			a.latencies[a.next] = ev.LatencyMs
			a.next = (a.next + 1) % latencyWindow
		}
	case EventUpload:
		a.stats.TotalUploads++
		a.stats.UploadedBytes += int64(ev.SizeBytes)
	case EventDelete:
		a.stats.TotalDeletes++
	}
}

// Restore seeds the counters from a saved snapshot so totals survive a
// restart. Latency percentiles start empty.
func (a *Aggregator) Restore(s Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalSearches = s.TotalSearches
	a.stats.TotalUploads = s.TotalUploads
	a.stats.TotalDeletes = s.TotalDeletes
	a.stats.CacheHits = s.CacheHits
	a.stats.CacheMisses = s.CacheMisses
	a.stats.ZeroResultCount = s.ZeroResultCount
	a.stats.UploadedBytes = s.UploadedBytes
	if !s.Since.IsZero() {
		a.stats.Since = s.Since
	}
	for _, q := range s.TopQueries {
		a.queryCounts[q.Query] += q.Count
	}
	for _, q := range s.ZeroResultQueries {
		a.zeroQueries[q.Query] += q.Count
	}
}

func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	if len(a.latencies) > 0 {
		sorted := append([]int64(nil), a.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, topQueries)
	stats.ZeroResultQueries = topN(a.zeroQueries, topQueries)
	if elapsed := a.now().Sub(stats.Since).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN orders by count, then query, so ties are stable.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
