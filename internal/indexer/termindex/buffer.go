package termindex

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	"github.com/econaxis/imgrepo/internal/indexer/tokenizer"
)

var errBufferFreed = errors.New("buffer has been freed")

// Buffer is the in-memory term index of documents not yet persisted:
// term -> doc id -> byte positions. It has a single owner.
type Buffer struct {
	backend *Backend
	index   map[string]map[uint64][]uint32
	docs    *roaring64.Bitmap
	size    int64
	freed   bool
}

var _ segment.Buffer = (*Buffer)(nil)

func newBuffer(b *Backend) *Buffer {
	return &Buffer{
		backend: b,
		index:   make(map[string]map[uint64][]uint32),
		docs:    roaring64.New(),
	}
}

// Append indexes content under id. Content must be 7-bit ASCII; nothing is
// recorded when it is not.
func (b *Buffer) Append(content []byte, id uint64) error {
	if b.freed {
		return errBufferFreed
	}
	if err := tokenizer.ValidateASCII(content); err != nil {
		return err
	}
	for _, tok := range tokenizer.Tokenize(content) {
		docs, ok := b.index[tok.Term]
		if !ok {
			docs = make(map[uint64][]uint32)
			b.index[tok.Term] = docs
		}
		docs[id] = append(docs[id], uint32(tok.Position))
		b.size += int64(len(tok.Term)) + 4
	}
	b.docs.Add(id)
	return nil
}

// Persist writes the buffer as segment name. The buffer keeps its content,
// so a failed persist can be retried.
func (b *Buffer) Persist(name string) error {
	if b.freed {
		return errBufferFreed
	}
	if err := segment.ValidateName(name); err != nil {
		return err
	}
	w, err := b.backend.createWriter(context.Background(), name, len(b.index), nil)
	if err != nil {
		return err
	}
	for _, entry := range b.snapshot() {
		if err := w.add(entry.Term, entry.Postings); err != nil {
			w.abort()
			return err
		}
	}
	w.addDocs(b.docs)
	if err := w.commit(); err != nil {
		return err
	}
	b.backend.logger.Debug("buffer persisted",
		"segment", name,
		"docs", b.docs.GetCardinality(),
		"terms", len(b.index),
	)
	return nil
}

// Absorb moves every document of other into b and empties other.
func (b *Buffer) Absorb(other segment.Buffer) error {
	o, ok := other.(*Buffer)
	if !ok {
		return fmt.Errorf("cannot absorb %T into termindex buffer", other)
	}
	if b.freed || o.freed {
		return errBufferFreed
	}
	for term, docs := range o.index {
		dst, ok := b.index[term]
		if !ok {
			b.index[term] = docs
			continue
		}
		for id, positions := range docs {
			dst[id] = append(dst[id], positions...)
		}
	}
	b.docs.Or(o.docs)
	b.size += o.size
	o.index = make(map[string]map[uint64][]uint32)
	o.docs = roaring64.New()
	o.size = 0
	return nil
}

// Len returns the number of distinct documents appended.
func (b *Buffer) Len() int {
	if b.freed {
		return 0
	}
	return int(b.docs.GetCardinality())
}

// Size estimates the buffer's memory footprint in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

func (b *Buffer) Free() {
	b.index = nil
	b.docs = nil
	b.freed = true
}

// snapshot returns the term entries sorted by term, postings by doc id.
func (b *Buffer) snapshot() []termEntry {
	entries := make([]termEntry, 0, len(b.index))
	for term, docs := range b.index {
		postings := make([]posting, 0, len(docs))
		for id, positions := range docs {
			postings = append(postings, posting{DocID: id, Positions: positions})
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].DocID < postings[j].DocID
		})
		entries = append(entries, termEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}
