package termindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/willf/bloom"
	"golang.org/x/exp/mmap"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

// maxQueryTerms is the number of distinct terms a query may carry; term
// indexes are reported as uint8.
const maxQueryTerms = 256

// Reader is a loaded segment backed by a read-only memory map. The mapping
// stays valid when the file is renamed over or removed.
type Reader struct {
	path   string
	ra     *mmap.ReaderAt
	header Header
	dict   []dictEntry
	docs   *roaring64.Bitmap
	filter *bloom.BloomFilter
}

var _ segment.Handle = (*Reader)(nil)

func openReader(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapping segment file: %w", err)
	}
	r, err := decodeReader(path, ra)
	if err != nil {
		ra.Close()
		return nil, err
	}
	return r, nil
}

func decodeReader(path string, ra *mmap.ReaderAt) (*Reader, error) {
	if ra.Len() < HeaderSize+FooterSize {
		return nil, fmt.Errorf("invalid segment file %s: %d bytes", path, ra.Len())
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := ra.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if header.footerOffset()+int64(FooterSize) != int64(ra.Len()) {
		return nil, fmt.Errorf("invalid segment file %s: truncated", path)
	}

	footer := make([]byte, FooterSize)
	if _, err := ra.ReadAt(footer, header.footerOffset()); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}

	dictBytes := make([]byte, header.DictSize)
	if _, err := ra.ReadAt(dictBytes, header.DictOffset); err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	if crc32.ChecksumIEEE(dictBytes) != binary.LittleEndian.Uint32(footer[0:4]) {
		return nil, fmt.Errorf("dictionary checksum mismatch in %s", path)
	}
	var dict []dictEntry
	if err := msgpack.Unmarshal(dictBytes, &dict); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}

	docsBytes := make([]byte, header.DocsSize)
	if _, err := ra.ReadAt(docsBytes, header.docsOffset()); err != nil {
		return nil, fmt.Errorf("reading doc ids: %w", err)
	}
	if crc32.ChecksumIEEE(docsBytes) != binary.LittleEndian.Uint32(footer[4:8]) {
		return nil, fmt.Errorf("doc id checksum mismatch in %s", path)
	}
	docs := roaring64.New()
	if _, err := docs.ReadFrom(bytes.NewReader(docsBytes)); err != nil {
		return nil, fmt.Errorf("parsing doc ids: %w", err)
	}

	bloomBytes := make([]byte, header.BloomSize)
	if _, err := ra.ReadAt(bloomBytes, header.bloomOffset()); err != nil {
		return nil, fmt.Errorf("reading bloom filter: %w", err)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
		return nil, fmt.Errorf("parsing bloom filter: %w", err)
	}

	return &Reader{
		path:   path,
		ra:     ra,
		header: header,
		dict:   dict,
		docs:   docs,
		filter: filter,
	}, nil
}

// postings returns the postings of term, or nil when the segment does not
// contain it.
func (r *Reader) postings(term string) ([]posting, error) {
	if !r.filter.Test([]byte(term)) {
		return nil, nil
	}
	idx := sort.Search(len(r.dict), func(i int) bool {
		return r.dict[i].Term >= term
	})
	if idx >= len(r.dict) || r.dict[idx].Term != term {
		return nil, nil
	}
	return r.readEntry(r.dict[idx])
}

func (r *Reader) readEntry(entry dictEntry) ([]posting, error) {
	block := make([]byte, entry.Length)
	if _, err := r.ra.ReadAt(block, r.header.PostOffset+entry.Offset); err != nil {
		return nil, fmt.Errorf("reading postings for %q: %w", entry.Term, err)
	}
	raw, err := decodeBlock(block, r.header.Codec)
	if err != nil {
		return nil, fmt.Errorf("decoding postings for %q: %w", entry.Term, err)
	}
	var postings []posting
	if err := msgpack.Unmarshal(raw, &postings); err != nil {
		return nil, fmt.Errorf("parsing postings for %q: %w", entry.Term, err)
	}
	return postings, nil
}

// Search accumulates per-document term frequencies over all query terms.
// TopDocs is ordered by frequency descending then id ascending and cut at
// opts.TopK. Positions lists every hit in document order.
func (r *Reader) Search(terms []string, opts segment.SearchOptions) (*segment.RawResult, error) {
	if len(terms) > maxQueryTerms {
		return nil, fmt.Errorf("%w: %d query terms, at most %d", apperrors.ErrInvalidInput, len(terms), maxQueryTerms)
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = segment.DefaultTopK
	}

	freqs := make(map[uint64]uint32)
	var positions []segment.Position
	for i, term := range terms {
		postings, err := r.postings(term)
		if err != nil {
			return nil, err
		}
		for _, p := range postings {
			freqs[p.DocID] += uint32(len(p.Positions))
			for _, pos := range p.Positions {
				positions = append(positions, segment.Position{
					TermIndex: uint8(i),
					DocID:     p.DocID,
					Pos:       pos,
				})
			}
		}
	}

	top := make([]segment.DocFreq, 0, len(freqs))
	for id, f := range freqs {
		top = append(top, segment.DocFreq{ID: id, Freq: f})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Freq != top[j].Freq {
			return top[i].Freq > top[j].Freq
		}
		return top[i].ID < top[j].ID
	})
	if len(top) > topK {
		top = top[:topK]
	}

	sort.SliceStable(positions, func(i, j int) bool {
		if positions[i].DocID != positions[j].DocID {
			return positions[i].DocID < positions[j].DocID
		}
		return positions[i].Pos < positions[j].Pos
	})

	return &segment.RawResult{TopDocs: top, Positions: positions}, nil
}

// Contains reports whether the segment holds document id.
func (r *Reader) Contains(id uint64) bool {
	return r.docs.Contains(id)
}

func (r *Reader) Stats() segment.Stats {
	st := segment.Stats{
		Docs:      r.docs.GetCardinality(),
		Terms:     len(r.dict),
		SizeBytes: int64(r.ra.Len()),
	}
	if !r.docs.IsEmpty() {
		st.MinID = r.docs.Minimum()
		st.MaxID = r.docs.Maximum()
	}
	return st
}

func (r *Reader) Close() error {
	return r.ra.Close()
}
