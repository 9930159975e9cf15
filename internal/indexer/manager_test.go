package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/internal/indexer/segment"
	"github.com/econaxis/imgrepo/internal/indexer/segment/segmenttest"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	"github.com/econaxis/imgrepo/pkg/config"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

func testConfig() config.IndexerConfig {
	return config.IndexerConfig{
		MainName:           "main",
		FlushInterval:      10 * time.Millisecond,
		FlushRetryAttempts: 2,
		TopK:               40,
	}
}

func newBackend(t *testing.T, dir string) *termindex.Backend {
	t.Helper()
	b, err := termindex.Open(dir, termindex.WithCodec(termindex.CodecLZ4))
	require.NoError(t, err)
	return b
}

func openManager(t *testing.T, backend segment.Backend, opts ...Option) *Manager {
	t.Helper()
	m, err := Open(testConfig(), backend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func searchIDs(t *testing.T, m *Manager, query string) []uint64 {
	t.Helper()
	res, err := m.Search(query)
	require.NoError(t, err)
	ids := res.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func mustAppend(t *testing.T, m *Manager, content string) uint64 {
	t.Helper()
	id, err := m.Append([]byte(content))
	require.NoError(t, err)
	return id
}

func TestAlpineWatermelonScenario(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()))

	assert.Equal(t, uint64(1), mustAppend(t, m, "ALPINE"))
	assert.Equal(t, uint64(2), mustAppend(t, m, "WATERMELON"))
	require.NoError(t, m.Flush(context.Background()))

	assert.Equal(t, []uint64{1}, searchIDs(t, m, "ALPINE"))
	assert.Equal(t, []uint64{2}, searchIDs(t, m, "watermelon"))
	assert.Empty(t, searchIDs(t, m, "MISSING"))
}

func TestSearchWithoutMainIsEmpty(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()))
	mustAppend(t, m, "ALPINE")

	res, err := m.Search("ALPINE")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len(), "buffered documents are not searchable")
	assert.Equal(t, uint64(0), m.Generation())
}

func TestConcurrentAppendIDsAreUnique(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()), WithStartID(100))

	const workers, perWorker = 8, 200
	var (
		mu  sync.Mutex
		all []uint64
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var last uint64
			for i := 0; i < perWorker; i++ {
				id, err := m.Append([]byte(fmt.Sprintf("doc w%d i%d", w, i)))
				if !assert.NoError(t, err) {
					return
				}
				assert.Greater(t, id, last)
				last = id
				mu.Lock()
				all = append(all, id)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, all, workers*perWorker)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, id := range all {
		assert.Equal(t, uint64(101+i), id)
	}
	assert.Equal(t, uint64(100+workers*perWorker), m.LastID())
}

func TestEncodingErrorConsumesNoID(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()))
	assert.Equal(t, uint64(1), mustAppend(t, m, "first"))

	_, err := m.Append([]byte("caf\xc3\xa9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))

	assert.Equal(t, uint64(2), mustAppend(t, m, "second"))
}

func TestBootstrapThenSteadyStateUnion(t *testing.T) {
	flaky := segmenttest.NewFlaky(newBackend(t, t.TempDir()))
	m := openManager(t, flaky)

	mustAppend(t, m, "red fox")
	mustAppend(t, m, "blue fox")
	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, flaky.Merges(), "bootstrap flush adopts the buffer without merging")
	assert.Equal(t, uint64(1), m.Generation())
	assert.Equal(t, []uint64{1, 2}, searchIDs(t, m, "FOX"))

	mustAppend(t, m, "green fox")
	require.NoError(t, m.Flush(context.Background()))
	merges := flaky.Merges()
	require.Len(t, merges, 1)
	assert.Equal(t, "main", merges[0][0])
	assert.Contains(t, merges[0][1], TempPrefix)
	assert.Equal(t, "main", merges[0][2])
	assert.False(t, flaky.Exists(merges[0][1]), "temp segment removed after compaction")

	assert.Equal(t, uint64(2), m.Generation())
	assert.Equal(t, []uint64{1, 2, 3}, searchIDs(t, m, "FOX"))
	assert.Equal(t, []uint64{3}, searchIDs(t, m, "GREEN"))

	st := m.Stats()
	assert.Equal(t, uint64(3), st.Main.Docs)
	assert.Equal(t, 0, st.BufferedDocs)
	assert.Equal(t, 0, st.Pending)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()))
	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, uint64(0), m.Generation())
	assert.False(t, m.NeedsFlush())
}

func TestMergeFailureKeepsMainAndRetries(t *testing.T) {
	flaky := segmenttest.NewFlaky(newBackend(t, t.TempDir()))
	m := openManager(t, flaky)

	mustAppend(t, m, "ALPINE")
	require.NoError(t, m.Flush(context.Background()))

	mustAppend(t, m, "WATERMELON")
	flaky.FailMerges(1)
	err := m.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMergeFailure))
	assert.True(t, errors.Is(err, apperrors.ErrFlushFailure))

	// Old main still answers; the flushed segment waits for a retry.
	assert.Equal(t, []uint64{1}, searchIDs(t, m, "ALPINE"))
	assert.Empty(t, searchIDs(t, m, "WATERMELON"))
	assert.Equal(t, 1, m.Stats().Pending)
	assert.True(t, m.NeedsFlush())
	temp := flaky.Merges()[0][1]
	assert.True(t, flaky.Exists(temp))

	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, []uint64{2}, searchIDs(t, m, "WATERMELON"))
	assert.Equal(t, 0, m.Stats().Pending)
	assert.False(t, flaky.Exists(temp))
}

func TestPersistFailureKeepsBuffer(t *testing.T) {
	flaky := segmenttest.NewFlaky(newBackend(t, t.TempDir()))
	m := openManager(t, flaky)

	mustAppend(t, m, "ALPINE")
	flaky.FailPersists(1)
	err := m.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrFlushFailure))
	assert.Equal(t, 1, m.Stats().BufferedDocs)

	mustAppend(t, m, "ALPINE WATERMELON")
	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, []uint64{1, 2}, searchIDs(t, m, "ALPINE"))
	assert.Equal(t, 0, m.Stats().BufferedDocs)
}

func TestCloseWithFailedMergeKeepsMain(t *testing.T) {
	dir := t.TempDir()
	flaky := segmenttest.NewFlaky(newBackend(t, dir))
	m, err := Open(testConfig(), flaky)
	require.NoError(t, err)

	mustAppend(t, m, "ALPINE")
	require.NoError(t, m.Flush(context.Background()))
	mustAppend(t, m, "WATERMELON")
	flaky.FailMerges(1)
	err = m.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMergeFailure)

	assert.ErrorIs(t, m.Flush(context.Background()), apperrors.ErrIndexClosed)
	require.Len(t, flaky.Merges(), 1, "no merge or rename after close")
	assert.True(t, flaky.Exists(flaky.Merges()[0][1]))

	m2 := openManager(t, newBackend(t, dir))
	assert.Equal(t, []uint64{1}, searchIDs(t, m2, "ALPINE"))
	assert.Equal(t, 1, m2.Stats().Pending)
	require.NoError(t, m2.Flush(context.Background()))
	assert.Equal(t, []uint64{1}, searchIDs(t, m2, "ALPINE"))
	assert.Equal(t, []uint64{2}, searchIDs(t, m2, "WATERMELON"))
}

func TestFlushLoopAfterCloseLeavesDiskAlone(t *testing.T) {
	dir := t.TempDir()
	flaky := segmenttest.NewFlaky(newBackend(t, dir))
	m, err := Open(testConfig(), flaky)
	require.NoError(t, err)
	mustAppend(t, m, "ALPINE")
	require.NoError(t, m.Flush(context.Background()))
	mustAppend(t, m, "WATERMELON")
	flaky.FailMerges(1)
	require.Error(t, m.Close())
	require.True(t, m.NeedsFlush())

	ctx, cancel := context.WithCancel(context.Background())
	done := m.StartFlushLoop(ctx)
	time.Sleep(5 * testConfig().FlushInterval)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush loop did not exit")
	}
	assert.Len(t, flaky.Merges(), 1)
	assert.Equal(t, uint64(1), m.Generation(), "no main adopted after close")

	m2 := openManager(t, newBackend(t, dir))
	assert.Equal(t, []uint64{1}, searchIDs(t, m2, "ALPINE"))
}

func TestAdoptAsMainRefusesToReplaceMain(t *testing.T) {
	backend := newBackend(t, t.TempDir())
	m := openManager(t, backend)

	existing := backend.NewBuffer()
	require.NoError(t, existing.Append([]byte("ALPINE"), 1))
	require.NoError(t, existing.Persist("main"))
	temp := backend.NewBuffer()
	require.NoError(t, temp.Append([]byte("WATERMELON"), 2))
	require.NoError(t, temp.Persist(TempPrefix+"x"))

	_, err := m.adoptAsMain(TempPrefix + "x")
	require.Error(t, err)
	assert.True(t, backend.Exists(TempPrefix+"x"))

	seg, err := segment.Open(backend, "main")
	require.NoError(t, err)
	defer seg.Retire()
	assert.Equal(t, uint64(1), seg.Stats().Docs)
}

func TestRestartReloadsMain(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(testConfig(), newBackend(t, dir))
	require.NoError(t, err)
	mustAppend(t, m, "ALPINE")
	mustAppend(t, m, "WATERMELON")
	require.NoError(t, m.Close())

	_, err = m.Append([]byte("late"))
	assert.ErrorIs(t, err, apperrors.ErrIndexClosed)

	m2 := openManager(t, newBackend(t, dir))
	assert.Equal(t, []uint64{2}, searchIDs(t, m2, "WATERMELON"))
	assert.Equal(t, uint64(3), mustAppend(t, m2, "MEADOW"), "ids continue after the highest persisted id")
}

func TestLeftoverFlushSegmentCompactedAfterRestart(t *testing.T) {
	dir := t.TempDir()
	backend := newBackend(t, dir)
	m, err := Open(testConfig(), backend)
	require.NoError(t, err)
	mustAppend(t, m, "ALPINE")
	require.NoError(t, m.Close())

	// A flush that persisted its segment but crashed before compaction.
	buf := backend.NewBuffer()
	require.NoError(t, buf.Append([]byte("ORPHAN"), 50))
	require.NoError(t, buf.Persist(TempPrefix+"crashed"))

	m2 := openManager(t, newBackend(t, dir))
	assert.Equal(t, uint64(50), m2.LastID())
	assert.Equal(t, 1, m2.Stats().Pending)
	assert.Empty(t, searchIDs(t, m2, "ORPHAN"))

	require.NoError(t, m2.Flush(context.Background()))
	assert.Equal(t, []uint64{50}, searchIDs(t, m2, "ORPHAN"))
	assert.Equal(t, []uint64{1}, searchIDs(t, m2, "ALPINE"))
}

func TestSearchDuringFlushes(t *testing.T) {
	m := openManager(t, newBackend(t, t.TempDir()))
	mustAppend(t, m, "STEADY")
	require.NoError(t, m.Flush(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				res, err := m.Search("STEADY")
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, []uint64{1}, res.IDs())
			}
		}()
	}
	for i := 0; i < 10; i++ {
		mustAppend(t, m, fmt.Sprintf("batch %d", i))
		require.NoError(t, m.Flush(context.Background()))
	}
	cancel()
	wg.Wait()
	assert.Equal(t, uint64(11), m.Generation())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []FlushEvent
}

func (r *recordingNotifier) IndexFlushed(_ context.Context, ev FlushEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFlushLoopFlushesAndNotifies(t *testing.T) {
	n := &recordingNotifier{}
	m := openManager(t, newBackend(t, t.TempDir()), WithFlushNotifier(n))

	ctx, cancel := context.WithCancel(context.Background())
	done := m.StartFlushLoop(ctx)

	mustAppend(t, m, "ALPINE")
	require.Eventually(t, func() bool { return m.Generation() == 1 }, 2*time.Second, 5*time.Millisecond)

	mustAppend(t, m, "WATERMELON")
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush loop did not exit")
	}
	assert.Equal(t, []uint64{2}, searchIDs(t, m, "WATERMELON"), "final flush on shutdown")

	require.Equal(t, 2, n.count())
	assert.Equal(t, uint64(2), n.events[1].Generation)
	assert.Equal(t, uint64(2), n.events[1].MainDocs)
	assert.Equal(t, uint64(2), n.events[1].LastID)
}
