package termindex

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ctxCheckInterval is how many dictionary entries are merged between
// cancellation checks.
const ctxCheckInterval = 256

// Merge writes the union of segments a and b under out. Both inputs stay
// loadable whatever the outcome; out may name one of them because the new
// file only replaces it on commit.
func (b *Backend) Merge(ctx context.Context, a, c, out string) error {
	start := time.Now()
	ra, err := openReader(b.path(a))
	if err != nil {
		return fmt.Errorf("opening %s: %w", a, err)
	}
	defer ra.Close()
	rc, err := openReader(b.path(c))
	if err != nil {
		return fmt.Errorf("opening %s: %w", c, err)
	}
	defer rc.Close()

	w, err := b.createWriter(ctx, out, len(ra.dict)+len(rc.dict), b.limiter)
	if err != nil {
		return err
	}
	if err := mergeInto(ctx, w, ra, rc); err != nil {
		w.abort()
		return err
	}
	w.addDocs(ra.docs)
	w.addDocs(rc.docs)
	if err := w.commit(); err != nil {
		return err
	}

	b.logger.Debug("segments merged",
		"a", a,
		"b", c,
		"out", out,
		"terms", len(w.dict),
		"docs", w.docs.GetCardinality(),
		"duration", time.Since(start),
	)
	return nil
}

// mergeInto walks both sorted dictionaries in step and writes the union.
func mergeInto(ctx context.Context, w *writer, ra, rc *Reader) error {
	i, j, n := 0, 0, 0
	for i < len(ra.dict) || j < len(rc.dict) {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++

		switch {
		case j >= len(rc.dict) || (i < len(ra.dict) && ra.dict[i].Term < rc.dict[j].Term):
			p, err := ra.readEntry(ra.dict[i])
			if err != nil {
				return err
			}
			if err := w.add(ra.dict[i].Term, p); err != nil {
				return err
			}
			i++
		case i >= len(ra.dict) || rc.dict[j].Term < ra.dict[i].Term:
			p, err := rc.readEntry(rc.dict[j])
			if err != nil {
				return err
			}
			if err := w.add(rc.dict[j].Term, p); err != nil {
				return err
			}
			j++
		default:
			pa, err := ra.readEntry(ra.dict[i])
			if err != nil {
				return err
			}
			pc, err := rc.readEntry(rc.dict[j])
			if err != nil {
				return err
			}
			if err := w.add(ra.dict[i].Term, unionPostings(pa, pc)); err != nil {
				return err
			}
			i++
			j++
		}
	}
	return nil
}

// unionPostings merges two doc-id ordered posting lists. A document present
// in both keeps the union of its positions.
func unionPostings(a, b []posting) []posting {
	out := make([]posting, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].DocID < b[j].DocID:
			out = append(out, a[i])
			i++
		case b[j].DocID < a[i].DocID:
			out = append(out, b[j])
			j++
		default:
			out = append(out, posting{
				DocID:     a[i].DocID,
				Positions: unionPositions(a[i].Positions, b[j].Positions),
			})
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func unionPositions(a, b []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(a)+len(b))
	out := make([]uint32, 0, len(a)+len(b))
	for _, p := range append(append([]uint32{}, a...), b...) {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
