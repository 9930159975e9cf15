package termindex

import (
	"encoding/binary"
	"fmt"
)

// MagicBytes identifies a segment file.
const (
	MagicBytes    uint32 = 0x494d4752
	FormatVersion uint32 = 1
	HeaderSize    int    = 64
	FooterSize    int    = 8
	fileExt              = ".seg"
	tmpExt               = ".tmp"
)

// Header is the fixed 64-byte header at the start of every segment file.
// Sections follow in order: postings, dictionary, doc ids, bloom filter.
type Header struct {
	Magic      uint32
	Version    uint32
	Codec      Codec
	TermCount  uint32
	DocCount   uint64
	PostOffset int64
	PostSize   int64
	DictOffset int64
	DictSize   int64
	DocsSize   uint32
	BloomSize  uint32
}

func (h Header) docsOffset() int64 {
	return h.DictOffset + h.DictSize
}

func (h Header) bloomOffset() int64 {
	return h.docsOffset() + int64(h.DocsSize)
}

func (h Header) footerOffset() int64 {
	return h.bloomOffset() + int64(h.BloomSize)
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	b[8] = byte(h.Codec)
	binary.LittleEndian.PutUint32(b[12:16], h.TermCount)
	binary.LittleEndian.PutUint64(b[16:24], h.DocCount)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.PostOffset))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.PostSize))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.DictOffset))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.DictSize))
	binary.LittleEndian.PutUint32(b[56:60], h.DocsSize)
	binary.LittleEndian.PutUint32(b[60:64], h.BloomSize)
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		Codec:      Codec(b[8]),
		TermCount:  binary.LittleEndian.Uint32(b[12:16]),
		DocCount:   binary.LittleEndian.Uint64(b[16:24]),
		PostOffset: int64(binary.LittleEndian.Uint64(b[24:32])),
		PostSize:   int64(binary.LittleEndian.Uint64(b[32:40])),
		DictOffset: int64(binary.LittleEndian.Uint64(b[40:48])),
		DictSize:   int64(binary.LittleEndian.Uint64(b[48:56])),
		DocsSize:   binary.LittleEndian.Uint32(b[56:60]),
		BloomSize:  binary.LittleEndian.Uint32(b[60:64]),
	}
	if h.Magic != MagicBytes {
		return Header{}, fmt.Errorf("invalid segment file: bad magic bytes %x", h.Magic)
	}
	if h.Version != FormatVersion {
		return Header{}, fmt.Errorf("unsupported segment version %d", h.Version)
	}
	return h, nil
}

// dictEntry maps a term to its postings block.
type dictEntry struct {
	Term    string `msgpack:"t"`
	Offset  int64  `msgpack:"o"`
	Length  uint32 `msgpack:"l"`
	DocFreq uint32 `msgpack:"d"`
}

// posting lists the byte offsets of one term inside one document.
// Frequency is len(Positions).
type posting struct {
	DocID     uint64   `msgpack:"i"`
	Positions []uint32 `msgpack:"p"`
}

type termEntry struct {
	Term     string
	Postings []posting
}
