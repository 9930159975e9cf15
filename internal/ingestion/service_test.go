package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	"github.com/econaxis/imgrepo/pkg/config"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

func newService(t *testing.T) (*Service, *indexer.Manager, docstore.Store) {
	t.Helper()
	dir := t.TempDir()
	backend, err := termindex.Open(filepath.Join(dir, "segments"))
	require.NoError(t, err)
	m, err := indexer.Open(config.IndexerConfig{MainName: "main"}, backend)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	store, err := docstore.OpenBolt(filepath.Join(dir, "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(m, store), m, store
}

func upload(filename, description string) UploadRequest {
	return UploadRequest{Filename: filename, Mimetype: "image/png", Description: description, Payload: []byte("png")}
}

func TestPostIndexesAndStores(t *testing.T) {
	svc, m, _ := newService(t)
	ctx := context.Background()

	id, err := svc.Post(ctx, upload("alps.png", "ALPINE MEADOW"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	doc, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alps.png", doc.Filename)
	assert.Equal(t, []byte("png"), doc.Payload)

	res, err := m.Search("ALPINE")
	require.NoError(t, err)
	assert.Empty(t, res.IDs(), "not searchable before flush")

	require.NoError(t, svc.Flush(ctx))
	res, err = m.Search("ALPINE")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.IDs())
	assert.Equal(t, uint64(1), svc.Stats().Main.Docs)
}

func TestPostRejectsNonASCIIWithoutConsumingID(t *testing.T) {
	svc, _, store := newService(t)
	ctx := context.Background()

	_, err := svc.Post(ctx, upload("x.png", "caf\xc3\xa9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEncoding))

	max, err := store.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)

	id, err := svc.Post(ctx, upload("y.png", "PLAIN"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestDeleteIsSoft(t *testing.T) {
	svc, m, _ := newService(t)
	ctx := context.Background()
	id, err := svc.Post(ctx, upload("fruit.png", "WATERMELON"))
	require.NoError(t, err)
	require.NoError(t, svc.Flush(ctx))

	require.NoError(t, svc.Delete(ctx, id))
	_, err = svc.Get(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, id), apperrors.ErrDocumentNotFound)

	res, err := m.Search("WATERMELON")
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, res.IDs(), "the caption stays indexed")
}

func TestByNameAndList(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for _, d := range []string{"ONE", "TWO", "THREE"} {
		_, err := svc.Post(ctx, upload("same.png", d))
		require.NoError(t, err)
	}
	docs, err := svc.ByName(ctx, "same.png")
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	docs, err = svc.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "ONE", docs[0].Description)
}

type backingStore = docstore.Store

type failingStore struct{ backingStore }

func (failingStore) Store(context.Context, docstore.Document) error { return errors.New("disk full") }

func TestPostStoreFailure(t *testing.T) {
	_, m, store := newService(t)
	svc := NewService(m, failingStore{store})
	_, err := svc.Post(context.Background(), upload("a.png", "ALPINE"))
	require.Error(t, err)
	assert.Equal(t, uint64(1), m.LastID(), "the id is consumed by the index")
}
