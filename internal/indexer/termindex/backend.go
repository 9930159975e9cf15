// Package termindex is the file-backed term index: in-memory Buffers that
// persist to one segment file per name, memory-mapped Readers, and a
// streaming two-way Merge.
//
// Segment file layout, all integers little endian:
//
//	header      64 bytes (magic, version, codec, counts, section offsets)
//	postings    one block per term: msgpack []posting, optionally lz4/zstd
//	dictionary  msgpack []dictEntry sorted by term
//	doc ids     roaring64 bitmap of every document in the segment
//	bloom       bloom filter over terms
//	footer      crc32(dictionary), crc32(doc ids)
package termindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

// Backend stores segments as <dir>/<name>.seg.
type Backend struct {
	dir     string
	codec   Codec
	bloomFP float64
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ segment.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithCodec(c Codec) Option {
	return func(b *Backend) { b.codec = c }
}

// WithBloomFalsePositive sets the target false-positive rate of the
// per-segment term filter.
func WithBloomFalsePositive(p float64) Option {
	return func(b *Backend) {
		if p > 0 && p < 1 {
			b.bloomFP = p
		}
	}
}

// WithMergeIOLimit caps merge output at bytesPerSec. Zero disables it.
func WithMergeIOLimit(bytesPerSec int) Option {
	return func(b *Backend) {
		if bytesPerSec > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Open creates dir if needed and removes temp files left by an interrupted
// write.
func Open(dir string, opts ...Option) (*Backend, error) {
	b := &Backend{
		dir:     dir,
		codec:   CodecZstd,
		bloomFP: 0.01,
		logger:  slog.Default().With("component", "termindex"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, "*"+fileExt+tmpExt))
	if err != nil {
		return nil, fmt.Errorf("scanning segment directory: %w", err)
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			b.logger.Warn("failed to remove stale temp segment", "path", p, "error", err)
			continue
		}
		b.logger.Info("removed stale temp segment", "path", p)
	}
	return b, nil
}

func (b *Backend) Dir() string {
	return b.dir
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, name+fileExt)
}

func (b *Backend) NewBuffer() segment.Buffer {
	return newBuffer(b)
}

func (b *Backend) createWriter(ctx context.Context, name string, estTerms int, limiter *rate.Limiter) (*writer, error) {
	if err := segment.ValidateName(name); err != nil {
		return nil, err
	}
	return newWriter(ctx, b.path(name), b.codec, estTerms, b.bloomFP, limiter)
}

func (b *Backend) Load(name string) (segment.Handle, error) {
	if err := segment.ValidateName(name); err != nil {
		return nil, err
	}
	r, err := openReader(b.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrSegmentNotFound, name)
		}
		return nil, err
	}
	return r, nil
}

func (b *Backend) Rename(from, to string) error {
	if err := segment.ValidateName(to); err != nil {
		return err
	}
	if err := os.Rename(b.path(from), b.path(to)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", apperrors.ErrSegmentNotFound, from)
		}
		return fmt.Errorf("renaming segment %s to %s: %w", from, to, err)
	}
	return nil
}

func (b *Backend) Remove(name string) error {
	if err := os.Remove(b.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", apperrors.ErrSegmentNotFound, name)
		}
		return fmt.Errorf("removing segment %s: %w", name, err)
	}
	return nil
}

func (b *Backend) Exists(name string) bool {
	if segment.ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(b.path(name))
	return err == nil && info.Mode().IsRegular()
}

// List returns the names of all persisted segments with the given prefix.
func (b *Backend) List(prefix string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), fileExt)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
