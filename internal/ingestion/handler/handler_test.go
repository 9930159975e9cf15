package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/internal/analytics"
	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	"github.com/econaxis/imgrepo/internal/ingestion"
	"github.com/econaxis/imgrepo/pkg/config"
)

func newServer(t *testing.T, opts ...Option) (*httptest.Server, *indexer.Manager) {
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

	mux := http.NewServeMux()
	New(ingestion.NewService(m, store), 1<<20, opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, m
}

func multipartUpload(t *testing.T, filename, description string, payload []byte, flush bool) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("description", description))
	if flush {
		require.NoError(t, w.WriteField("flush", "1"))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func post(t *testing.T, srv *httptest.Server, filename, description string, flush bool) *http.Response {
	t.Helper()
	body, ct := multipartUpload(t, filename, description, []byte("\x89PNG\r\n\x1a\n"), flush)
	resp, err := http.Post(srv.URL+"/api/v1/pictures", ct, body)
	require.NoError(t, err)
	return resp
}

func TestUploadGetDelete(t *testing.T) {
	srv, m := newServer(t)

	resp := post(t, srv, "alps.png", "ALPINE MEADOW", true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up ingestion.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
	assert.Equal(t, uint64(1), up.ID)
	assert.True(t, up.Flushed)

	res, err := m.Search("MEADOW")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.IDs())

	get, err := http.Get(fmt.Sprintf("%s/api/v1/pictures/%d", srv.URL, up.ID))
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "image/png", get.Header.Get("Content-Type"))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, fmt.Sprintf("%s/api/v1/pictures/%d", srv.URL, up.ID), nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	gone, err := http.Get(fmt.Sprintf("%s/api/v1/pictures/%d", srv.URL, up.ID))
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestUploadValidation(t *testing.T) {
	srv, _ := newServer(t)

	resp := post(t, srv, "bad.png", "caf\xc3\xa9", false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Fields, "description")

	missing := post(t, srv, "", "ALPINE", false)
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestListByNameAndLimit(t *testing.T) {
	srv, _ := newServer(t)
	for _, d := range []string{"ONE", "TWO", "THREE"} {
		r := post(t, srv, "dup.png", d, false)
		r.Body.Close()
	}
	r := post(t, srv, "other.png", "FOUR", false)
	r.Body.Close()

	var out struct {
		Pictures []docstore.Document `json:"pictures"`
		Count    int                 `json:"count"`
	}
	resp, err := http.Get(srv.URL + "/api/v1/pictures?name=dup.png")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, 3, out.Count)

	resp, err = http.Get(srv.URL + "/api/v1/pictures?limit=2")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, 2, out.Count)

	bad, err := http.Get(srv.URL + "/api/v1/pictures?limit=-1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestFlushAndStats(t *testing.T) {
	srv, _ := newServer(t)
	r := post(t, srv, "a.png", "ALPINE", false)
	r.Body.Close()

	resp, err := http.Post(srv.URL+"/api/v1/index/flush", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st indexer.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, uint64(1), st.Main.Docs)
	assert.Equal(t, 0, st.BufferedDocs)
}

func TestBadID(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/api/v1/pictures/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type trackerFunc func(analytics.Event)

func (f trackerFunc) Track(ev analytics.Event) { f(ev) }

func TestHandlerTracksPictureEvents(t *testing.T) {
	agg := analytics.NewAggregator()
	var (
		mu    sync.Mutex
		types []analytics.EventType
	)
	srv, _ := newServer(t, WithTracker(trackerFunc(func(ev analytics.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		agg.Record(ev)
	})))

	resp := post(t, srv, "alps.png", "ALPINE MEADOW", false)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/pictures/1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/index/flush", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []analytics.EventType{analytics.EventUpload, analytics.EventDelete, analytics.EventFlush}, types)
	st := agg.Stats()
	assert.Equal(t, int64(1), st.TotalUploads)
	assert.Equal(t, int64(8), st.UploadedBytes)
	assert.Equal(t, int64(1), st.TotalDeletes)
}
