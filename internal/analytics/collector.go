package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/econaxis/imgrepo/pkg/kafka"
)

// Publisher forwards event batches downstream; *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

type CollectorConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *CollectorConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// Collector moves events off the request path. Each event is recorded in
// the aggregator and, when a publisher is set, batched to it. Track never
// blocks: events are dropped when the buffer is full.
type Collector struct {
	cfg        CollectorConfig
	aggregator *Aggregator
	publisher  Publisher
	events     chan Event
	logger     *slog.Logger

	mu      sync.Mutex
	batch   []kafka.Event
	dropped int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewCollector builds a collector. publisher may be nil.
func NewCollector(agg *Aggregator, publisher Publisher, cfg CollectorConfig) *Collector {
	cfg.applyDefaults()
	return &Collector{
		cfg:        cfg,
		aggregator: agg,
		publisher:  publisher,
		events:     make(chan Event, cfg.BufferSize),
		logger:     slog.Default().With("component", "analytics-collector"),
		done:       make(chan struct{}),
	}
}

func (c *Collector) Track(ev Event) {
	if c == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case c.events <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("analytics event dropped (buffer full)", "type", ev.Type)
	}
}

// Start runs the collection loop until ctx ends or Close is called; the
// remaining buffer is drained and published before the loop exits.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-c.events:
				if !ok {
					c.publish(context.Background())
					return
				}
				c.handle(ctx, ev)
			case <-ticker.C:
				c.publish(ctx)
			case <-ctx.Done():
				c.drain()
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.publish(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started",
		"buffer_size", c.cfg.BufferSize,
		"batch_size", c.cfg.BatchSize,
		"publishing", c.publisher != nil,
	)
}

func (c *Collector) handle(ctx context.Context, ev Event) {
	c.aggregator.Record(ev)
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	c.batch = append(c.batch, kafka.Event{Key: string(ev.Type), Value: ev})
	full := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()
	if full {
		c.publish(ctx)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handle(context.Background(), ev)
		default:
			return
		}
	}
}

// publish sends the pending batch. A failed batch is kept for the next
// attempt, capped at three batches.
func (c *Collector) publish(ctx context.Context) {
	if c.publisher == nil {
		return
	}
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("analytics batch publish failed", "events", len(batch), "error", err)
		c.mu.Lock()
		c.batch = append(batch, c.batch...)
		if limit := c.cfg.BatchSize * 3; len(c.batch) > limit {
			c.dropped += int64(len(c.batch) - limit)
			c.batch = c.batch[len(c.batch)-limit:]
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("analytics batch published", "events", len(batch))
}

// Pending reports events batched but not yet published.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops accepting events and waits for the loop to finish. Track
// must not be called after Close.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.events) })
	<-c.done
}
