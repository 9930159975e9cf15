package termindex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/willf/bloom"
	"golang.org/x/time/rate"
)

// writer streams sorted term entries into a new segment file. The file is
// written to <path>.tmp and only renamed into place by commit, so a name
// always holds either a complete segment or its previous content.
type writer struct {
	finalPath string
	tmpPath   string
	f         *os.File
	bw        *bufio.Writer
	codec     Codec

	offset   int64
	dict     []dictEntry
	docs     *roaring64.Bitmap
	filter   *bloom.BloomFilter
	lastTerm string
}

func newWriter(ctx context.Context, path string, codec Codec, estTerms int, bloomFP float64, limiter *rate.Limiter) (*writer, error) {
	tmpPath := path + tmpExt
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp segment file: %w", err)
	}
	var out io.Writer = f
	if limiter != nil {
		out = &throttledWriter{ctx: ctx, w: f, limiter: limiter}
	}
	if estTerms < 1 {
		estTerms = 1
	}
	w := &writer{
		finalPath: path,
		tmpPath:   tmpPath,
		f:         f,
		bw:        bufio.NewWriterSize(out, 64*1024),
		codec:     codec,
		offset:    int64(HeaderSize),
		dict:      make([]dictEntry, 0, estTerms),
		docs:      roaring64.New(),
		filter:    bloom.NewWithEstimates(uint(estTerms), bloomFP),
	}
	// Placeholder header, rewritten by commit once section sizes are known.
	if _, err := w.bw.Write(make([]byte, HeaderSize)); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return w, nil
}

// add appends one term's postings. Terms must arrive in ascending order and
// postings in ascending doc id order.
func (w *writer) add(term string, postings []posting) error {
	if len(w.dict) > 0 && term <= w.lastTerm {
		return fmt.Errorf("term %q out of order after %q", term, w.lastTerm)
	}
	raw, err := msgpack.Marshal(postings)
	if err != nil {
		return fmt.Errorf("marshaling postings for term %q: %w", term, err)
	}
	block := encodeBlock(raw, w.codec)
	if _, err := w.bw.Write(block); err != nil {
		return fmt.Errorf("writing postings for term %q: %w", term, err)
	}
	w.dict = append(w.dict, dictEntry{
		Term:    term,
		Offset:  w.offset - int64(HeaderSize),
		Length:  uint32(len(block)),
		DocFreq: uint32(len(postings)),
	})
	w.offset += int64(len(block))
	w.lastTerm = term
	w.filter.Add([]byte(term))
	for _, p := range postings {
		w.docs.Add(p.DocID)
	}
	return nil
}

// addDocs records ids for documents that produced no terms.
func (w *writer) addDocs(docs *roaring64.Bitmap) {
	w.docs.Or(docs)
}

func (w *writer) commit() error {
	h := Header{
		Magic:      MagicBytes,
		Version:    FormatVersion,
		Codec:      w.codec,
		TermCount:  uint32(len(w.dict)),
		DocCount:   w.docs.GetCardinality(),
		PostOffset: int64(HeaderSize),
		PostSize:   w.offset - int64(HeaderSize),
		DictOffset: w.offset,
	}

	dictData, err := msgpack.Marshal(w.dict)
	if err != nil {
		w.abort()
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	h.DictSize = int64(len(dictData))

	var docsBuf bytes.Buffer
	if _, err := w.docs.WriteTo(&docsBuf); err != nil {
		w.abort()
		return fmt.Errorf("encoding doc ids: %w", err)
	}
	h.DocsSize = uint32(docsBuf.Len())

	var bloomBuf bytes.Buffer
	if _, err := w.filter.WriteTo(&bloomBuf); err != nil {
		w.abort()
		return fmt.Errorf("encoding bloom filter: %w", err)
	}
	h.BloomSize = uint32(bloomBuf.Len())

	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(dictData))
	binary.LittleEndian.PutUint32(footer[4:8], crc32.ChecksumIEEE(docsBuf.Bytes()))

	for _, section := range [][]byte{dictData, docsBuf.Bytes(), bloomBuf.Bytes(), footer} {
		if _, err := w.bw.Write(section); err != nil {
			w.abort()
			return fmt.Errorf("writing segment sections: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		w.abort()
		return fmt.Errorf("flushing segment file: %w", err)
	}
	if _, err := w.f.WriteAt(h.encode(), 0); err != nil {
		w.abort()
		return fmt.Errorf("updating header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("syncing segment file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("renaming segment file: %w", err)
	}
	return nil
}

func (w *writer) abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// throttledWriter charges every write against a byte-rate limiter. Writes
// larger than the burst are split so WaitN never rejects them.
type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	burst := t.limiter.Burst()
	for len(p) > 0 {
		n := len(p)
		if burst > 0 && n > burst {
			n = burst
		}
		if err := t.limiter.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		m, err := t.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
