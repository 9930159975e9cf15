// Command loadtest drives a running imgrepo with a mix of picture uploads and
// caption searches and reports throughput and latency per operation.
//
// Usage:
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-concurrency 10] [-duration 30s] [-upload-ratio 0.2]
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var captionWords = []string{
	"ALPINE", "MEADOW", "LAKE", "GLACIER", "RIDGE", "FOREST", "HARBOR", "SUNSET",
	"WATERMELON", "PICNIC", "BICYCLE", "BRIDGE", "CITY", "NIGHT", "SNOW", "DESERT",
	"CANYON", "RIVER", "BOAT", "MARKET", "PORTRAIT", "DOG", "CAT", "GARDEN",
}

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	UploadRatio float64
	FlushEvery  time.Duration
}

type opStats struct {
	total     atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func newOpStats() *opStats {
	return &opStats{latencies: make([]time.Duration, 0, 100000), codes: make(map[int]int64)}
}

func (s *opStats) record(d time.Duration, code int, err error) {
	s.total.Add(1)
	if err != nil || code < 200 || code >= 300 {
		s.errors.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[code]++
	s.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of imgrepo")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	uploadRatio := flag.Float64("upload-ratio", 0.2, "fraction of requests that upload a picture")
	flushEvery := flag.Duration("flush-every", 5*time.Second, "interval between index flushes (0 relies on the server's flush loop)")
	flag.Parse()

	cfg := Config{
		BaseURL:     strings.TrimSuffix(*baseURL, "/"),
		Concurrency: *concurrency,
		Duration:    *duration,
		UploadRatio: math.Max(0, math.Min(1, *uploadRatio)),
		FlushEvery:  *flushEvery,
	}

	fmt.Println("=== imgrepo load test ===")
	fmt.Printf("Target:       %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency:  %d\n", cfg.Concurrency)
	fmt.Printf("Duration:     %s\n", cfg.Duration)
	fmt.Printf("Upload ratio: %.2f\n", cfg.UploadRatio)
	fmt.Println()

	uploads, searches := run(cfg)
	fmt.Println()
	report("Uploads", uploads, cfg.Duration)
	report("Searches", searches, cfg.Duration)
	if uploads.total.Load()+searches.total.Load() == 0 {
		fmt.Println("WARNING: no requests completed. Is imgrepo running?")
		os.Exit(1)
	}
}

func run(cfg Config) (uploads, searches *opStats) {
	uploads, searches = newOpStats(), newOpStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var g errgroup.Group
	for w := 0; w < cfg.Concurrency; w++ {
		rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
		g.Go(func() error {
			for ctx.Err() == nil {
				if rng.Float64() < cfg.UploadRatio {
					start := time.Now()
					code, err := upload(ctx, client, cfg.BaseURL, caption(rng))
					if ctx.Err() == nil {
						uploads.record(time.Since(start), code, err)
					}
					continue
				}
				start := time.Now()
				code, err := search(ctx, client, cfg.BaseURL, query(rng))
				if ctx.Err() == nil {
					searches.record(time.Since(start), code, err)
				}
			}
			return nil
		})
	}
	if cfg.FlushEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.FlushEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					req, _ := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/api/v1/index/flush", nil)
					if resp, err := client.Do(req); err == nil {
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
					}
					fmt.Print(".")
				}
			}
		})
	}
	g.Wait()
	return uploads, searches
}

func caption(rng *rand.Rand) string {
	n := 3 + rng.IntN(6)
	words := make([]string, n)
	for i := range words {
		words[i] = captionWords[rng.IntN(len(captionWords))]
	}
	return strings.Join(words, " ")
}

func query(rng *rand.Rand) string {
	n := 1 + rng.IntN(3)
	words := make([]string, n)
	for i := range words {
		words[i] = strings.ToLower(captionWords[rng.IntN(len(captionWords))])
	}
	return strings.Join(words, " ")
}

func upload(ctx context.Context, client *http.Client, base, description string) (int, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("description", description); err != nil {
		return 0, err
	}
	part, err := w.CreateFormFile("file", fmt.Sprintf("load-%d.png", time.Now().UnixNano()))
	if err != nil {
		return 0, err
	}
	part.Write([]byte("\x89PNG\r\n\x1a\n"))
	if err := w.Close(); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/pictures", &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return do(client, req)
}

func search(ctx context.Context, client *http.Client, base, q string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/search?q=%s&limit=10", base, url.QueryEscape(q)), nil)
	if err != nil {
		return 0, err
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func report(name string, s *opStats, duration time.Duration) {
	total := s.total.Load()
	errs := s.errors.Load()
	fmt.Printf("=== %s ===\n", name)
	fmt.Printf("Requests:     %d\n", total)
	fmt.Printf("Errors:       %d\n", errs)
	if total == 0 {
		fmt.Println()
		return
	}
	fmt.Printf("Error rate:   %.2f%%\n", float64(errs)/float64(total)*100)
	fmt.Printf("Requests/sec: %.2f\n", float64(total)/duration.Seconds())

	s.mu.Lock()
	latencies := append([]time.Duration(nil), s.latencies...)
	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Printf("Latency min/avg/max: %s / %s / %s\n",
			latencies[0], sum/time.Duration(len(latencies)), latencies[len(latencies)-1])
		fmt.Printf("Latency p50/p95/p99: %s / %s / %s\n",
			percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99))
	}
	sort.Ints(codes)
	for _, code := range codes {
		s.mu.Lock()
		n := s.codes[code]
		s.mu.Unlock()
		fmt.Printf("  %d: %d\n", code, n)
	}
	fmt.Println()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
