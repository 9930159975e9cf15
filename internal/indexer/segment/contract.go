package segment

import "context"

// DefaultTopK bounds the number of documents a search returns when the
// caller does not set SearchOptions.TopK.
const DefaultTopK = 40

// SearchOptions tunes a single segment query.
type SearchOptions struct {
	TopK int
}

// DocFreq is one entry of the top-documents list: a document id and the
// number of query-term occurrences in it.
type DocFreq struct {
	ID   uint64
	Freq uint32
}

// Position is a single term occurrence. TermIndex is the position of the
// matching term in the query, Pos the byte offset in the document content.
type Position struct {
	TermIndex uint8
	DocID     uint64
	Pos       uint32
}

// RawResult is what a segment query returns before assembly.
// TopDocs is ordered by Freq descending then ID ascending.
type RawResult struct {
	TopDocs   []DocFreq
	Positions []Position
}

// Stats describes a loaded segment.
type Stats struct {
	Name      string
	Docs      uint64
	Terms     int
	MinID     uint64
	MaxID     uint64
	SizeBytes int64
}

// Buffer accumulates documents in memory until it is persisted under a
// name. A Buffer has a single owner and is not safe for concurrent use.
type Buffer interface {
	Append(content []byte, id uint64) error
	Persist(name string) error
	// Absorb moves every document of other into the receiver. other is
	// empty afterwards.
	Absorb(other Buffer) error
	Len() int
	Free()
}

// Handle is a loaded, read-only segment.
type Handle interface {
	Search(terms []string, opts SearchOptions) (*RawResult, error)
	Stats() Stats
	Close() error
}

// Backend is the term-index capability: it creates buffers, loads persisted
// segments by name and merges them.
type Backend interface {
	NewBuffer() Buffer
	Load(name string) (Handle, error)
	// Merge writes the union of segments a and b under out. The inputs are
	// never modified; out may equal a or b.
	Merge(ctx context.Context, a, b, out string) error
	Rename(from, to string) error
	Remove(name string) error
	Exists(name string) bool
}
