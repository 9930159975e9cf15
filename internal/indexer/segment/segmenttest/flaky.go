// Package segmenttest provides a Backend wrapper with injectable failures
// for tests of the index core.
package segmenttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
)

// ErrInjected is returned by every injected failure.
var ErrInjected = errors.New("injected backend failure")

// FlakyBackend delegates to an inner Backend and fails Merge or Persist
// while the corresponding counter is positive.
type FlakyBackend struct {
	segment.Backend

	mergeFailures   atomic.Int32
	persistFailures atomic.Int32

	mu     sync.Mutex
	merges [][3]string
}

func NewFlaky(inner segment.Backend) *FlakyBackend {
	return &FlakyBackend{Backend: inner}
}

// FailMerges makes the next n Merge calls fail.
func (f *FlakyBackend) FailMerges(n int) {
	f.mergeFailures.Store(int32(n))
}

// FailPersists makes the next n Persist calls on new buffers fail.
func (f *FlakyBackend) FailPersists(n int) {
	f.persistFailures.Store(int32(n))
}

// Merges returns the (a, b, out) triple of every Merge call.
func (f *FlakyBackend) Merges() [][3]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][3]string(nil), f.merges...)
}

func (f *FlakyBackend) Merge(ctx context.Context, a, b, out string) error {
	f.mu.Lock()
	f.merges = append(f.merges, [3]string{a, b, out})
	f.mu.Unlock()
	if f.mergeFailures.Add(-1) >= 0 {
		return ErrInjected
	}
	return f.Backend.Merge(ctx, a, b, out)
}

func (f *FlakyBackend) NewBuffer() segment.Buffer {
	return &flakyBuffer{Buffer: f.Backend.NewBuffer(), owner: f}
}

type flakyBuffer struct {
	segment.Buffer
	owner *FlakyBackend
}

func (b *flakyBuffer) Persist(name string) error {
	if b.owner.persistFailures.Add(-1) >= 0 {
		return ErrInjected
	}
	return b.Buffer.Persist(name)
}

func (b *flakyBuffer) Absorb(other segment.Buffer) error {
	if o, ok := other.(*flakyBuffer); ok {
		other = o.Buffer
	}
	return b.Buffer.Absorb(other)
}
