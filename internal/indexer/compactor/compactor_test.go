package compactor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	"github.com/econaxis/imgrepo/internal/indexer/segment/segmenttest"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

func setup(t *testing.T) (*segmenttest.FlakyBackend, *Compactor) {
	t.Helper()
	inner, err := termindex.Open(t.TempDir())
	require.NoError(t, err)
	b := segmenttest.NewFlaky(inner)

	for name, docs := range map[string]map[uint64]string{
		"a": {1: "alpine"},
		"b": {2: "watermelon"},
	} {
		buf := b.NewBuffer()
		for id, content := range docs {
			require.NoError(t, buf.Append([]byte(content), id))
		}
		require.NoError(t, buf.Persist(name))
		buf.Free()
	}
	return b, New(b)
}

func search(t *testing.T, s *segment.Segment, term string) []uint64 {
	t.Helper()
	res, err := s.Search([]string{term}, segment.SearchOptions{})
	require.NoError(t, err)
	var out []uint64
	for _, d := range res.TopDocs {
		out = append(out, d.ID)
	}
	return out
}

func TestCompactProducesUnion(t *testing.T) {
	_, c := setup(t)
	out, err := c.Compact(context.Background(), "a", "b", "out")
	require.NoError(t, err)
	defer out.Retire()

	assert.Equal(t, "out", out.Name())
	assert.Equal(t, []uint64{1}, search(t, out, "ALPINE"))
	assert.Equal(t, []uint64{2}, search(t, out, "WATERMELON"))
	assert.Equal(t, uint64(2), out.Stats().Docs)
}

func TestCompactRejectsSameInput(t *testing.T) {
	_, c := setup(t)
	_, err := c.Compact(context.Background(), "a", "a", "out")
	assert.ErrorIs(t, err, ErrSameSegment)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestFailedCompactionLeavesInputsQueryable(t *testing.T) {
	b, c := setup(t)
	b.FailMerges(1)

	_, err := c.Compact(context.Background(), "a", "b", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMergeFailure))
	assert.True(t, errors.Is(err, segmenttest.ErrInjected))

	var mergeErr *MergeError
	require.True(t, errors.As(err, &mergeErr))
	assert.Equal(t, "a", mergeErr.A)
	assert.Equal(t, "b", mergeErr.B)

	for name, want := range map[string][]uint64{"a": {1}, "b": {2}} {
		s, err := segment.Open(b, name)
		require.NoError(t, err)
		term := "ALPINE"
		if name == "b" {
			term = "WATERMELON"
		}
		assert.Equal(t, want, search(t, s, term))
		s.Retire()
	}

	// Retrying the same compaction succeeds.
	out, err := c.Compact(context.Background(), "a", "b", "a")
	require.NoError(t, err)
	defer out.Retire()
	assert.Equal(t, []uint64{2}, search(t, out, "WATERMELON"))
}

func TestCompactMissingInput(t *testing.T) {
	_, c := setup(t)
	_, err := c.Compact(context.Background(), "a", "missing", "out")
	assert.ErrorIs(t, err, apperrors.ErrMergeFailure)
}
