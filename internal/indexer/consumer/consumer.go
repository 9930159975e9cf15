// Package consumer feeds pictures from the uploads topic into ingestion and
// announces every new main segment on the index-flushed topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/econaxis/imgrepo/internal/indexer"
	"github.com/econaxis/imgrepo/internal/ingestion"
	"github.com/econaxis/imgrepo/internal/ingestion/validator"
	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/kafka"
	"github.com/econaxis/imgrepo/pkg/metrics"
)

// Poster is the ingestion entry point uploads are handed to.
type Poster interface {
	Post(ctx context.Context, req ingestion.UploadRequest) (uint64, error)
}

// UploadConsumer wraps a Kafka consumer on the uploads topic.
type UploadConsumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func New(kafkaConsumer *kafka.Consumer) *UploadConsumer {
	return &UploadConsumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "upload-consumer"),
	}
}

// Start blocks until ctx is cancelled.
func (uc *UploadConsumer) Start(ctx context.Context) error {
	uc.logger.Info("upload consumer starting")
	return uc.consumer.Start(ctx)
}

// HandleUpload returns a MessageHandler that posts each UploadEvent.
// Events that can never succeed (undecodable, invalid, not ASCII) are
// logged and acknowledged; any other failure is returned so the consumer
// retries it.
func HandleUpload(poster Poster, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "upload-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ingestion.UploadEvent](value)
		if err != nil {
			m.UploadConsumed("invalid")
			logger.Error("failed to decode upload event", "error", err, "key", string(key))
			return nil
		}
		req := event.Request()
		if err := validator.ValidateUpload(&req); err != nil {
			m.UploadConsumed("invalid")
			logger.Warn("dropping invalid upload event",
				"filename", event.Filename,
				"error", err,
			)
			return nil
		}

		id, err := poster.Post(ctx, req)
		if err != nil {
			if errors.Is(err, apperrors.ErrEncoding) || errors.Is(err, apperrors.ErrInvalidInput) {
				m.UploadConsumed("invalid")
				logger.Warn("dropping unindexable upload event", "filename", event.Filename, "error", err)
				return nil
			}
			m.UploadConsumed("error")
			return fmt.Errorf("posting upload %q: %w", event.Filename, err)
		}
		m.UploadConsumed("success")
		logger.Info("upload indexed", "id", id, "filename", event.Filename)
		return nil
	}
}

type publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// IndexFlushedEvent is published once per adopted main segment.
type IndexFlushedEvent struct {
	indexer.FlushEvent
	MainName string `json:"main_name"`
}

// FlushPublisher is an indexer.FlushNotifier that writes to Kafka.
type FlushPublisher struct {
	producer publisher
	mainName string
}

var _ indexer.FlushNotifier = (*FlushPublisher)(nil)

func NewFlushPublisher(producer *kafka.Producer, mainName string) *FlushPublisher {
	return &FlushPublisher{producer: producer, mainName: mainName}
}

func (p *FlushPublisher) IndexFlushed(ctx context.Context, ev indexer.FlushEvent) error {
	return p.producer.Publish(ctx, kafka.Event{
		Key:   strconv.FormatUint(ev.Generation, 10),
		Value: IndexFlushedEvent{FlushEvent: ev, MainName: p.mainName},
	})
}
