// Package segment defines the term-index capability the index core consumes
// and the reference-counted Segment that wraps a loaded handle.
package segment

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

// Segment is an immutable, named, loaded segment shared by concurrent
// readers. The creator owns the initial reference; Retire drops it. The
// underlying handle is closed exactly once, when the last reference goes.
type Segment struct {
	name    string
	handle  Handle
	refs    int64
	retired atomic.Bool

	closeOnce sync.Once
	closeErr  error
	onClose   func(error)
}

// ValidateName rejects names that would escape the data directory or clash
// with temporary files.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty segment name", apperrors.ErrInvalidInput)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: segment name %q contains a path separator", apperrors.ErrInvalidInput, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: segment name %q starts with '.'", apperrors.ErrInvalidInput, name)
	}
	return nil
}

// Open loads the persisted segment name from backend.
func Open(backend Backend, name string) (*Segment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if !backend.Exists(name) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSegmentNotFound, name)
	}
	h, err := backend.Load(name)
	if err != nil {
		return nil, fmt.Errorf("loading segment %s: %w", name, err)
	}
	return New(name, h), nil
}

// New wraps an already loaded handle.
func New(name string, h Handle) *Segment {
	return &Segment{name: name, handle: h, refs: 1}
}

// OnClose registers fn to run after the handle is closed. It must be set
// before the segment is shared.
func (s *Segment) OnClose(fn func(error)) {
	s.onClose = fn
}

func (s *Segment) Name() string {
	return s.name
}

// Acquire takes a reader reference. It fails once the last reference has
// been dropped.
func (s *Segment) Acquire() bool {
	for {
		refs := atomic.LoadInt64(&s.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.refs, refs, refs+1) {
			return true
		}
	}
}

// Release drops a reference taken with Acquire.
func (s *Segment) Release() {
	if atomic.AddInt64(&s.refs, -1) == 0 {
		s.close()
	}
}

// Retire drops the owner's reference. Calling it more than once is a no-op.
func (s *Segment) Retire() {
	if s.retired.CompareAndSwap(false, true) {
		s.Release()
	}
}

// Closed reports whether the handle has been released.
func (s *Segment) Closed() bool {
	return atomic.LoadInt64(&s.refs) <= 0
}

// Search queries the segment, holding a reference for the duration.
func (s *Segment) Search(terms []string, opts SearchOptions) (*RawResult, error) {
	if !s.Acquire() {
		return nil, fmt.Errorf("%w: %s has been retired", apperrors.ErrSegmentNotFound, s.name)
	}
	defer s.Release()
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return s.handle.Search(terms, opts)
}

// Stats returns the handle statistics, or only the name once closed.
func (s *Segment) Stats() Stats {
	if !s.Acquire() {
		return Stats{Name: s.name}
	}
	defer s.Release()
	st := s.handle.Stats()
	st.Name = s.name
	return st
}

func (s *Segment) close() {
	s.closeOnce.Do(func() {
		s.closeErr = s.handle.Close()
		if s.onClose != nil {
			s.onClose(s.closeErr)
		}
	})
}
