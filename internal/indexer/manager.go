// Package indexer owns the searchable index: a single "main" segment that
// queries read, and a working buffer that appends land in until a flush
// persists it and compacts it into main.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/econaxis/imgrepo/internal/indexer/compactor"
	"github.com/econaxis/imgrepo/internal/indexer/results"
	"github.com/econaxis/imgrepo/internal/indexer/segment"
	"github.com/econaxis/imgrepo/internal/indexer/tokenizer"
	"github.com/econaxis/imgrepo/pkg/config"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/metrics"
)

// TempPrefix names the segments a flush persists before compacting them
// into main.
const TempPrefix = "temp-index-"

// lister is implemented by backends that can enumerate persisted segments.
type lister interface {
	List(prefix string) ([]string, error)
}

// Manager is the index. Append and Search are safe for concurrent use;
// flushes are serialized internally.
type Manager struct {
	cfg       config.IndexerConfig
	backend   segment.Backend
	compactor *compactor.Compactor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	notifier  FlushNotifier

	appendMu sync.Mutex
	working  segment.Buffer
	lastID   atomic.Uint64

	// Guarded by flushMu.
	flushMu sync.Mutex
	pending []string
	failed  segment.Buffer

	pendingCount atomic.Int32
	failedDocs   atomic.Int64

	mainMu     sync.RWMutex
	main       *segment.Segment
	generation atomic.Uint64

	closed atomic.Bool
}

type Option func(*Manager)

// WithStartID sets the last id issued before this process started. The
// first Append returns startID+1.
func WithStartID(id uint64) Option {
	return func(m *Manager) { m.lastID.Store(id) }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithCompactor(c *compactor.Compactor) Option {
	return func(m *Manager) { m.compactor = c }
}

// WithFlushNotifier registers n to be told about every new main.
func WithFlushNotifier(n FlushNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// Open creates a Manager over backend. An existing segment named
// cfg.MainName is adopted as main, and temp segments left by an interrupted
// flush are queued for compaction into it.
func Open(cfg config.IndexerConfig, backend segment.Backend, opts ...Option) (*Manager, error) {
	if cfg.MainName == "" {
		cfg.MainName = "main"
	}
	if err := segment.ValidateName(cfg.MainName); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = segment.DefaultTopK
	}
	m := &Manager{
		cfg:     cfg,
		backend: backend,
		logger:  slog.Default().With("component", "indexer"),
		working: backend.NewBuffer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.compactor == nil {
		m.compactor = compactor.New(backend, compactor.WithLogger(m.logger), compactor.WithMetrics(m.metrics))
	}

	if backend.Exists(cfg.MainName) {
		seg, err := segment.Open(backend, cfg.MainName)
		if err != nil {
			return nil, fmt.Errorf("loading main segment: %w", err)
		}
		m.main = seg
		m.generation.Store(1)
		st := seg.Stats()
		m.bumpLastID(st.MaxID)
		m.logger.Info("loaded existing main segment",
			"segment", cfg.MainName,
			"docs", st.Docs,
			"terms", st.Terms,
		)
	}

	if l, ok := backend.(lister); ok {
		names, err := l.List(TempPrefix)
		if err != nil {
			return nil, fmt.Errorf("listing leftover flush segments: %w", err)
		}
		for _, name := range names {
			seg, err := segment.Open(backend, name)
			if err != nil {
				m.logger.Error("leftover flush segment not loadable, skipping", "segment", name, "error", err)
				continue
			}
			m.bumpLastID(seg.Stats().MaxID)
			seg.Retire()
			m.pending = append(m.pending, name)
			m.logger.Info("queued leftover flush segment for compaction", "segment", name)
		}
		m.pendingCount.Store(int32(len(m.pending)))
	}

	m.logger.Info("index manager ready",
		"last_id", m.lastID.Load(),
		"has_main", m.main != nil,
		"pending", len(m.pending),
	)
	m.publishState()
	return m, nil
}

func (m *Manager) bumpLastID(id uint64) {
	for {
		cur := m.lastID.Load()
		if id <= cur || m.lastID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Append assigns the next id to content and buffers it. Content that is not
// 7-bit ASCII is rejected before an id is consumed. The document becomes
// searchable after the next successful Flush.
func (m *Manager) Append(content []byte) (uint64, error) {
	if err := tokenizer.ValidateASCII(content); err != nil {
		return 0, err
	}

	m.appendMu.Lock()
	if m.closed.Load() {
		m.appendMu.Unlock()
		return 0, apperrors.ErrIndexClosed
	}
	id := m.lastID.Load() + 1
	if err := m.working.Append(content, id); err != nil {
		m.appendMu.Unlock()
		return 0, fmt.Errorf("buffering document: %w", err)
	}
	m.lastID.Store(id)
	buffered := m.working.Len()
	m.appendMu.Unlock()

	m.metrics.DocAppended(buffered)
	return id, nil
}

// Flush persists the working buffer and folds it into main. Concurrent
// calls queue behind each other.
//
// With no main the buffer is persisted as main directly. Otherwise it is
// persisted under a temp name and compacted with main into a new main; the
// old main is retired once the new one is published. A persist failure keeps
// the buffer for the next attempt; a compaction failure keeps the temp
// segment and main as they were.
//
// After Close, Flush returns ErrIndexClosed and touches nothing on disk.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	if m.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	return m.flush(ctx)
}

// flush does the work of Flush. The caller holds flushMu.
func (m *Manager) flush(ctx context.Context) error {
	start := time.Now()

	if err := m.compactPending(ctx); err != nil {
		m.metrics.ObserveFlush("merge_error", time.Since(start))
		return err
	}

	buf, err := m.takeWorking()
	if err != nil {
		m.metrics.ObserveFlush("error", time.Since(start))
		return err
	}
	if buf == nil {
		return nil
	}
	docs := buf.Len()

	name := m.cfg.MainName
	if m.currentMain() != nil {
		name = TempPrefix + uuid.NewString()
	}
	if err := buf.Persist(name); err != nil {
		m.failed = buf
		m.failedDocs.Store(int64(docs))
		m.metrics.ObserveFlush("persist_error", time.Since(start))
		m.logger.Error("persisting working buffer failed", "segment", name, "docs", docs, "error", err)
		return fmt.Errorf("%w: persisting %s: %w", apperrors.ErrFlushFailure, name, err)
	}
	buf.Free()
	m.failedDocs.Store(0)

	m.pending = append(m.pending, name)
	m.pendingCount.Store(int32(len(m.pending)))
	if err := m.compactPending(ctx); err != nil {
		m.metrics.ObserveFlush("merge_error", time.Since(start))
		return err
	}

	elapsed := time.Since(start)
	m.metrics.ObserveFlush("success", elapsed)
	m.logger.Info("index flushed",
		"docs", docs,
		"generation", m.generation.Load(),
		"duration", elapsed,
	)
	return nil
}

// takeWorking swaps in a fresh buffer and returns the one to persist, or
// nil when there is nothing to flush. A buffer left by a failed persist
// absorbs everything appended since.
func (m *Manager) takeWorking() (segment.Buffer, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if m.failed != nil {
		if err := m.failed.Absorb(m.working); err != nil {
			return nil, fmt.Errorf("%w: absorbing new appends into unflushed buffer: %w", apperrors.ErrFlushFailure, err)
		}
		buf := m.failed
		m.failed = nil
		return buf, nil
	}
	if m.working.Len() == 0 {
		return nil, nil
	}
	buf := m.working
	m.working = m.backend.NewBuffer()
	return buf, nil
}

// compactPending folds every pending segment into main, oldest first. It
// stops at the first failure and leaves the rest pending.
func (m *Manager) compactPending(ctx context.Context) error {
	for len(m.pending) > 0 {
		name := m.pending[0]
		var (
			next *segment.Segment
			err  error
		)
		if cur := m.currentMain(); cur == nil {
			next, err = m.adoptAsMain(name)
		} else {
			next, err = m.compactor.Compact(ctx, cur.Name(), name, m.cfg.MainName)
		}
		if err != nil {
			m.logger.Error("folding segment into main failed, keeping it for retry",
				"segment", name,
				"error", err,
			)
			m.publishState()
			return fmt.Errorf("%w: %w", apperrors.ErrFlushFailure, err)
		}

		m.publish(next)
		if name != m.cfg.MainName {
			if err := m.backend.Remove(name); err != nil && !errors.Is(err, apperrors.ErrSegmentNotFound) {
				m.logger.Warn("removing compacted segment failed", "segment", name, "error", err)
			}
		}
		m.pending = m.pending[1:]
		m.pendingCount.Store(int32(len(m.pending)))
	}
	m.publishState()
	return nil
}

// adoptAsMain makes a persisted segment the first main. It never replaces
// a main segment that is already on disk; that one is folded, not renamed
// over.
func (m *Manager) adoptAsMain(name string) (*segment.Segment, error) {
	if name != m.cfg.MainName {
		if m.backend.Exists(m.cfg.MainName) {
			return nil, fmt.Errorf("adopting %s: %s already exists but is not loaded", name, m.cfg.MainName)
		}
		if err := m.backend.Rename(name, m.cfg.MainName); err != nil {
			return nil, err
		}
	}
	return segment.Open(m.backend, m.cfg.MainName)
}

// publish installs seg as main and retires the previous one. Readers that
// acquired the old main keep it open until they release it.
func (m *Manager) publish(seg *segment.Segment) {
	m.mainMu.Lock()
	old := m.main
	m.main = seg
	m.mainMu.Unlock()

	gen := m.generation.Add(1)
	if old != nil {
		old.Retire()
	}
	if m.notifier != nil {
		ev := FlushEvent{
			Generation: gen,
			LastID:     m.lastID.Load(),
			MainDocs:   seg.Stats().Docs,
			FlushedAt:  time.Now().UTC(),
		}
		if err := m.notifier.IndexFlushed(context.Background(), ev); err != nil {
			m.logger.Warn("flush notification failed", "generation", gen, "error", err)
		}
	}
}

func (m *Manager) currentMain() *segment.Segment {
	m.mainMu.RLock()
	defer m.mainMu.RUnlock()
	return m.main
}

// acquireMain returns main with a reader reference held, or nil.
func (m *Manager) acquireMain() *segment.Segment {
	m.mainMu.RLock()
	defer m.mainMu.RUnlock()
	if m.main == nil || !m.main.Acquire() {
		return nil
	}
	return m.main
}

// Search tokenizes query with tokenizer.QueryTerms and runs it against
// main. Buffered documents are not visible until flushed.
func (m *Manager) Search(query string) (*results.ScoredMatches, error) {
	return m.SearchTerms(tokenizer.QueryTerms(query))
}

// SearchTerms runs already-normalized terms against main. Without a main the
// result is empty.
func (m *Manager) SearchTerms(terms []string) (*results.ScoredMatches, error) {
	if len(terms) == 0 {
		return results.Empty(), nil
	}
	main := m.acquireMain()
	if main == nil {
		return results.Empty(), nil
	}
	defer main.Release()

	raw, err := main.Search(terms, segment.SearchOptions{TopK: m.cfg.TopK})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", main.Name(), err)
	}
	return results.Assemble(raw), nil
}

// Generation counts how many times a main has been adopted. It changes
// exactly when search results may change.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// LastID returns the most recently issued id.
func (m *Manager) LastID() uint64 {
	return m.lastID.Load()
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	LastID       uint64        `json:"last_id"`
	BufferedDocs int           `json:"buffered_docs"`
	HasMain      bool          `json:"has_main"`
	Main         segment.Stats `json:"main"`
	Pending      int           `json:"pending_segments"`
	Generation   uint64        `json:"generation"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		LastID:     m.lastID.Load(),
		Pending:    int(m.pendingCount.Load()),
		Generation: m.generation.Load(),
	}
	m.appendMu.Lock()
	st.BufferedDocs = m.working.Len() + int(m.failedDocs.Load())
	m.appendMu.Unlock()
	if main := m.acquireMain(); main != nil {
		st.HasMain = true
		st.Main = main.Stats()
		main.Release()
	}
	return st
}

// NeedsFlush reports whether a Flush would do any work.
func (m *Manager) NeedsFlush() bool {
	if m.pendingCount.Load() > 0 || m.failedDocs.Load() > 0 {
		return true
	}
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.working.Len() > 0
}

func (m *Manager) publishState() {
	st := m.Stats()
	m.metrics.SetIndexState(st.Main.Docs, st.Generation, st.Pending, st.BufferedDocs)
}

// Close stops accepting appends, flushes and retires main. A segment whose
// merge fails here stays on disk and is folded in by the next Open.
func (m *Manager) Close() error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.appendMu.Lock()
	if !m.closed.CompareAndSwap(false, true) {
		m.appendMu.Unlock()
		return nil
	}
	m.appendMu.Unlock()

	err := m.flush(context.Background())
	if err != nil {
		m.logger.Error("final flush on close failed", "error", err, "pending_segments", len(m.pending))
	}

	m.mainMu.Lock()
	main := m.main
	m.main = nil
	m.mainMu.Unlock()
	if main != nil {
		main.Retire()
	}
	m.appendMu.Lock()
	m.working.Free()
	m.appendMu.Unlock()
	return err
}
