// Package compactor merges two persisted segments into a new one.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/metrics"
)

// ErrSameSegment is returned when both compaction inputs name one segment.
var ErrSameSegment = fmt.Errorf("%w: compaction inputs must be distinct segments", apperrors.ErrInvalidInput)

// MergeError reports a failed compaction. The inputs are untouched and can
// be compacted again.
type MergeError struct {
	A, B, Out string
	Err       error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merging %s and %s into %s: %v", e.A, e.B, e.Out, e.Err)
}

// Unwrap matches both ErrMergeFailure and the underlying cause.
func (e *MergeError) Unwrap() []error {
	return []error{apperrors.ErrMergeFailure, e.Err}
}

// Compactor is stateless apart from its collaborators and safe for
// concurrent use.
type Compactor struct {
	backend segment.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Compactor)

func WithLogger(l *slog.Logger) Option {
	return func(c *Compactor) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

func New(backend segment.Backend, opts ...Option) *Compactor {
	c := &Compactor{
		backend: backend,
		logger:  slog.Default().With("component", "compactor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact merges segments a and b into out and returns out loaded. The
// caller owns the returned segment and decides when to retire the inputs.
func (c *Compactor) Compact(ctx context.Context, a, b, out string) (*segment.Segment, error) {
	if a == b {
		return nil, ErrSameSegment
	}
	for _, name := range []string{a, b, out} {
		if err := segment.ValidateName(name); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	if err := c.backend.Merge(ctx, a, b, out); err != nil {
		c.metrics.ObserveCompaction("error", time.Since(start))
		c.logger.Error("compaction failed", "a", a, "b", b, "out", out, "error", err)
		return nil, &MergeError{A: a, B: b, Out: out, Err: err}
	}
	seg, err := segment.Open(c.backend, out)
	if err != nil {
		c.metrics.ObserveCompaction("error", time.Since(start))
		c.logger.Error("compaction output not loadable", "out", out, "error", err)
		return nil, &MergeError{A: a, B: b, Out: out, Err: err}
	}

	elapsed := time.Since(start)
	c.metrics.ObserveCompaction("success", elapsed)
	st := seg.Stats()
	c.logger.Info("compaction complete",
		"a", a,
		"b", b,
		"out", out,
		"docs", st.Docs,
		"terms", st.Terms,
		"duration", elapsed,
	)
	return seg, nil
}
