package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econaxis/imgrepo/internal/indexer"
	"github.com/econaxis/imgrepo/internal/ingestion"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/kafka"
)

type fakePoster struct {
	posted []ingestion.UploadRequest
	err    error
}

func (f *fakePoster) Post(_ context.Context, req ingestion.UploadRequest) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.posted = append(f.posted, req)
	return uint64(len(f.posted)), nil
}

func encode(t *testing.T, ev ingestion.UploadEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func goodEvent() ingestion.UploadEvent {
	return ingestion.UploadEvent{
		Filename:    "alps.jpg",
		Mimetype:    "image/jpeg",
		Description: "ALPINE MEADOW",
		Payload:     []byte{0xff, 0xd8, 0xff},
		UploadedAt:  time.Now().UTC(),
	}
}

func TestHandleUploadPosts(t *testing.T) {
	p := &fakePoster{}
	h := HandleUpload(p, nil)
	require.NoError(t, h(context.Background(), []byte("k"), encode(t, goodEvent())))
	require.Len(t, p.posted, 1)
	assert.Equal(t, "ALPINE MEADOW", p.posted[0].Description)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, p.posted[0].Payload, "payload survives base64 round trip")
}

func TestHandleUploadSkipsPoisonPills(t *testing.T) {
	p := &fakePoster{}
	h := HandleUpload(p, nil)

	assert.NoError(t, h(context.Background(), nil, []byte("{not json")))

	bad := goodEvent()
	bad.Description = ""
	assert.NoError(t, h(context.Background(), nil, encode(t, bad)))
	assert.Empty(t, p.posted)

	enc := &fakePoster{err: fmt.Errorf("indexing: %w", &apperrors.EncodingError{Offset: 1, Byte: 0xc3})}
	assert.NoError(t, HandleUpload(enc, nil)(context.Background(), nil, encode(t, goodEvent())))
}

func TestHandleUploadRetriesTransientFailures(t *testing.T) {
	p := &fakePoster{err: errors.New("store unavailable")}
	err := HandleUpload(p, nil)(context.Background(), nil, encode(t, goodEvent()))
	assert.Error(t, err)
}

type recordingProducer struct{ events []kafka.Event }

func (r *recordingProducer) Publish(_ context.Context, ev kafka.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestFlushPublisher(t *testing.T) {
	rp := &recordingProducer{}
	p := &FlushPublisher{producer: rp, mainName: "main"}
	ev := indexer.FlushEvent{Generation: 4, LastID: 12, MainDocs: 12}
	require.NoError(t, p.IndexFlushed(context.Background(), ev))

	require.Len(t, rp.events, 1)
	assert.Equal(t, "4", rp.events[0].Key)
	b, err := json.Marshal(rp.events[0].Value)
	require.NoError(t, err)
	assert.JSONEq(t, `{"generation":4,"last_id":12,"main_docs":12,"flushed_at":"0001-01-01T00:00:00Z","main_name":"main"}`, string(b))
}
