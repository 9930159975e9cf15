// Package results turns raw segment query output into per-document scores
// and hit lists, and maps hits back into stored text for snippets.
package results

import "github.com/econaxis/imgrepo/internal/indexer/segment"

// Hit is one occurrence of a query term in a document.
type Hit struct {
	Position  uint32 `json:"position"`
	TermIndex uint8  `json:"term_index"`
}

// ScoredMatches holds the documents a query matched. Order lists ids in
// relevance order; Scores and Matches are keyed by id.
type ScoredMatches struct {
	Order   []uint64          `json:"order"`
	Scores  map[uint64]uint32 `json:"scores"`
	Matches map[uint64][]Hit  `json:"matches"`
}

// Empty returns a result with no documents.
func Empty() *ScoredMatches {
	return &ScoredMatches{
		Scores:  map[uint64]uint32{},
		Matches: map[uint64][]Hit{},
	}
}

// Assemble groups positional hits by document, keeping only documents in
// the raw top-docs list. Hits keep the order the segment reported them in.
func Assemble(raw *segment.RawResult) *ScoredMatches {
	sm := Empty()
	if raw == nil {
		return sm
	}
	sm.Order = make([]uint64, 0, len(raw.TopDocs))
	for _, d := range raw.TopDocs {
		if _, dup := sm.Scores[d.ID]; dup {
			continue
		}
		sm.Order = append(sm.Order, d.ID)
		sm.Scores[d.ID] = d.Freq
	}
	for _, p := range raw.Positions {
		if _, ok := sm.Scores[p.DocID]; !ok {
			continue
		}
		sm.Matches[p.DocID] = append(sm.Matches[p.DocID], Hit{Position: p.Pos, TermIndex: p.TermIndex})
	}
	return sm
}

// Len returns the number of matched documents.
func (sm *ScoredMatches) Len() int {
	return len(sm.Order)
}

// IDs returns the matched ids in relevance order.
func (sm *ScoredMatches) IDs() []uint64 {
	return append([]uint64(nil), sm.Order...)
}

// Filter returns the documents whose score is at least minScore, keeping
// relevance order.
func (sm *ScoredMatches) Filter(minScore uint32) *ScoredMatches {
	out := Empty()
	for _, id := range sm.Order {
		score := sm.Scores[id]
		if score < minScore {
			continue
		}
		out.Order = append(out.Order, id)
		out.Scores[id] = score
		out.Matches[id] = sm.Matches[id]
	}
	return out
}

// Snippet is the substring of a description covered by one hit.
type Snippet struct {
	Term     string `json:"term"`
	Position uint32 `json:"position"`
	Text     string `json:"text"`
}

// Snippets maps hits back into description. Hits whose term index is
// unknown or whose range falls outside the text are skipped.
func Snippets(description string, hits []Hit, terms []string) []Snippet {
	out := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		if int(h.TermIndex) >= len(terms) {
			continue
		}
		term := terms[h.TermIndex]
		start := int(h.Position)
		end := start + len(term)
		if end > len(description) {
			continue
		}
		out = append(out, Snippet{
			Term:     term,
			Position: h.Position,
			Text:     description[start:end],
		})
	}
	return out
}
