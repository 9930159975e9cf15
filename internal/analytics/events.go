// Package analytics records what searches and uploads the repository
// serves: a collector takes events off the request path, an aggregator keeps
// running totals for GET /api/v1/analytics, and batches are optionally
// forwarded to Kafka.
package analytics

import "time"

type EventType string

const (
	EventSearch EventType = "search"
	EventUpload EventType = "upload"
	EventDelete EventType = "delete"
	EventFlush  EventType = "flush"
)

// Event is one observation. Search fields are empty for picture events and
// vice versa.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	Query      string `json:"query,omitempty"`
	Terms      int    `json:"terms,omitempty"`
	TotalHits  int    `json:"total_hits"`
	Returned   int    `json:"returned"`
	LatencyMs  int64  `json:"latency_ms"`
	Cache      string `json:"cache,omitempty"`
	Generation uint64 `json:"generation,omitempty"`

	PictureID uint64 `json:"picture_id,omitempty"`
	Filename  string `json:"filename,omitempty"`
	SizeBytes int    `json:"size_bytes,omitempty"`
}
