// Package builder bulk-indexes documents with a fixed pool of workers, each
// owning a private buffer, fed from one bounded queue. Finish persists every
// worker's buffer and folds the parts into a single segment.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/econaxis/imgrepo/internal/indexer/compactor"
	"github.com/econaxis/imgrepo/internal/indexer/segment"
	"github.com/econaxis/imgrepo/internal/indexer/tokenizer"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/metrics"
)

const (
	DefaultWorkers       = 15
	DefaultQueueCapacity = 50
	DefaultOutputName    = "par-index"
)

type Config struct {
	Workers       int
	QueueCapacity int
	OutputName    string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.OutputName == "" {
		c.OutputName = DefaultOutputName
	}
}

type item struct {
	content []byte
	id      uint64
	stop    bool
}

// Builder is a single-use parallel build. Append may be called from many
// goroutines; Finish is called once.
type Builder struct {
	cfg       Config
	backend   segment.Backend
	compactor *compactor.Compactor
	logger    *slog.Logger
	metrics   *metrics.Metrics

	queue   chan item
	buffers []segment.Buffer
	group   errgroup.Group
	started atomic.Bool

	mu     sync.RWMutex
	closed bool

	stopsConsumed atomic.Int32
	indexed       atomic.Int64
}

type Option func(*Builder)

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// New creates the queue and worker buffers and starts the workers.
func New(backend segment.Backend, c *compactor.Compactor, cfg Config, opts ...Option) (*Builder, error) {
	b, err := newBuilder(backend, c, cfg, opts...)
	if err != nil {
		return nil, err
	}
	b.start()
	return b, nil
}

func newBuilder(backend segment.Backend, c *compactor.Compactor, cfg Config, opts ...Option) (*Builder, error) {
	cfg.applyDefaults()
	if err := segment.ValidateName(cfg.OutputName); err != nil {
		return nil, err
	}
	b := &Builder{
		cfg:       cfg,
		backend:   backend,
		compactor: c,
		logger:    slog.Default().With("component", "builder"),
		queue:     make(chan item, cfg.QueueCapacity),
		buffers:   make([]segment.Buffer, cfg.Workers),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.compactor == nil {
		b.compactor = compactor.New(backend, compactor.WithLogger(b.logger), compactor.WithMetrics(b.metrics))
	}
	for i := range b.buffers {
		b.buffers[i] = backend.NewBuffer()
	}
	return b, nil
}

func (b *Builder) start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for i := range b.buffers {
		i := i
		b.group.Go(func() error {
			return b.work(i)
		})
	}
	b.logger.Info("parallel builder started",
		"workers", b.cfg.Workers,
		"queue_capacity", b.cfg.QueueCapacity,
		"output", b.cfg.OutputName,
	)
}

// Append queues content under id, blocking while the queue is full. It
// returns ctx.Err() if ctx ends while blocked and ErrBuilderClosed once
// Finish has been called. Content that is not 7-bit ASCII is rejected here
// rather than failing a worker.
func (b *Builder) Append(ctx context.Context, content []byte, id uint64) error {
	if err := tokenizer.ValidateASCII(content); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return apperrors.ErrBuilderClosed
	}
	select {
	case b.queue <- item{content: content, id: id}:
		b.metrics.SetBuilderQueueDepth(len(b.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work drains the queue into buffer i until it dequeues a stop signal.
// After a failure it keeps dequeuing and discarding so producers never
// block forever on a dead worker.
func (b *Builder) work(i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: worker %d panicked: %v", apperrors.ErrBuildFailed, i, r)
			b.logger.Error("builder worker panicked", "worker", i, "panic", r)
			b.drainUntilStop()
		}
	}()

	buf := b.buffers[i]
	var failed error
	for it := range b.queue {
		if it.stop {
			b.stopsConsumed.Add(1)
			return failed
		}
		b.metrics.SetBuilderQueueDepth(len(b.queue))
		if failed != nil {
			continue
		}
		if appendErr := buf.Append(it.content, it.id); appendErr != nil {
			failed = fmt.Errorf("%w: worker %d appending document %d: %w", apperrors.ErrBuildFailed, i, it.id, appendErr)
			b.logger.Error("builder worker append failed", "worker", i, "id", it.id, "error", appendErr)
			continue
		}
		b.indexed.Add(1)
		b.metrics.BuilderDocIndexed()
	}
	return failed
}

func (b *Builder) drainUntilStop() {
	for it := range b.queue {
		if it.stop {
			b.stopsConsumed.Add(1)
			return
		}
	}
}

// StopSignalsConsumed reports how many stop signals workers dequeued.
func (b *Builder) StopSignalsConsumed() int {
	return int(b.stopsConsumed.Load())
}

// Finish stops the workers, persists each worker buffer as
// <out>-part-<i> and folds the parts left to right into <out>. Any worker
// or merge failure fails the whole build and leaves no output behind.
func (b *Builder) Finish(ctx context.Context) (*segment.Segment, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.ErrBuilderClosed
	}
	b.closed = true
	b.mu.Unlock()
	b.start()

	start := time.Now()
	for i := 0; i < b.cfg.Workers; i++ {
		b.queue <- item{stop: true}
	}
	workerErr := b.group.Wait()
	defer func() {
		for _, buf := range b.buffers {
			buf.Free()
		}
	}()
	if workerErr != nil {
		return nil, workerErr
	}

	out := b.cfg.OutputName
	parts := make([]string, 0, len(b.buffers))
	for i, buf := range b.buffers {
		name := fmt.Sprintf("%s-part-%d", out, i)
		if err := buf.Persist(name); err != nil {
			b.cleanup(parts)
			return nil, fmt.Errorf("%w: persisting %s: %w", apperrors.ErrBuildFailed, name, err)
		}
		parts = append(parts, name)
	}

	seg, err := b.fold(ctx, parts)
	if err != nil {
		return nil, err
	}
	st := seg.Stats()
	b.logger.Info("parallel build complete",
		"output", out,
		"workers", b.cfg.Workers,
		"docs", st.Docs,
		"terms", st.Terms,
		"duration", time.Since(start),
	)
	return seg, nil
}

// fold merges parts[0] with parts[1], the result with parts[2], and so on.
// Intermediate results are named <out>-fold-<i>; the last one is <out>.
func (b *Builder) fold(ctx context.Context, parts []string) (*segment.Segment, error) {
	out := b.cfg.OutputName
	if len(parts) == 1 {
		if err := b.backend.Rename(parts[0], out); err != nil {
			b.cleanup(parts)
			return nil, fmt.Errorf("%w: %w", apperrors.ErrBuildFailed, err)
		}
		return segment.Open(b.backend, out)
	}

	acc := parts[0]
	var intermediates []string
	last := len(parts) - 1
	for i := 1; i < last; i++ {
		dst := fmt.Sprintf("%s-fold-%d", out, i)
		seg, err := b.compactor.Compact(ctx, acc, parts[i], dst)
		if err != nil {
			b.cleanup(append(parts, intermediates...))
			return nil, fmt.Errorf("%w: %w", apperrors.ErrBuildFailed, err)
		}
		seg.Retire()
		intermediates = append(intermediates, dst)
		acc = dst
	}
	seg, err := b.compactor.Compact(ctx, acc, parts[last], out)
	b.cleanup(append(parts, intermediates...))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrBuildFailed, err)
	}
	return seg, nil
}

func (b *Builder) cleanup(names []string) {
	for _, name := range names {
		if err := b.backend.Remove(name); err != nil && !errors.Is(err, apperrors.ErrSegmentNotFound) {
			b.logger.Warn("removing intermediate build segment failed", "segment", name, "error", err)
		}
	}
}

// Indexed returns how many documents workers have appended so far.
func (b *Builder) Indexed() int64 {
	return b.indexed.Load()
}
