package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer"
)

// Index is the part of the index manager ingestion drives.
type Index interface {
	Append(content []byte) (uint64, error)
	Flush(ctx context.Context) error
	Stats() indexer.Stats
}

// Service pairs the caption index with the document store. Ids come from
// the index; the store keeps whatever the index has numbered.
type Service struct {
	index  Index
	store  docstore.Store
	logger *slog.Logger
}

func NewService(index Index, store docstore.Store) *Service {
	return &Service{
		index:  index,
		store:  store,
		logger: slog.Default().With("component", "ingestion"),
	}
}

// Post indexes the description, then stores the picture under the returned
// id. If the store write fails the id stays consumed and the indexed
// caption resolves to NotFound at search time.
func (s *Service) Post(ctx context.Context, req UploadRequest) (uint64, error) {
	id, err := s.index.Append([]byte(req.Description))
	if err != nil {
		return 0, fmt.Errorf("indexing description: %w", err)
	}
	doc := docstore.Document{
		ID:          id,
		Filename:    req.Filename,
		Description: req.Description,
		Mimetype:    req.Mimetype,
		Payload:     req.Payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.Store(ctx, doc); err != nil {
		s.logger.Error("storing picture failed after indexing",
			"id", id,
			"filename", req.Filename,
			"error", err,
		)
		return 0, fmt.Errorf("storing picture %d: %w", id, err)
	}
	s.logger.Debug("picture stored", "id", id, "filename", req.Filename, "bytes", len(req.Payload))
	return id, nil
}

// Delete marks the picture deleted in the store. Its caption stays in the
// index and is skipped at search time.
func (s *Service) Delete(ctx context.Context, id uint64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting picture %d: %w", id, err)
	}
	s.logger.Info("picture deleted", "id", id)
	return nil
}

// Flush makes every posted picture searchable and durable: the index is
// flushed first, then the store.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.index.Flush(ctx); err != nil {
		return err
	}
	if err := s.store.Flush(ctx); err != nil {
		return fmt.Errorf("flushing document store: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id uint64) (docstore.Document, error) {
	return s.store.Get(ctx, id, docstore.FieldAll)
}

func (s *Service) ByName(ctx context.Context, filename string) ([]docstore.Document, error) {
	return s.store.GetByName(ctx, filename)
}

func (s *Service) List(ctx context.Context, limit int) ([]docstore.Document, error) {
	return s.store.ListAll(ctx, limit)
}

func (s *Service) Stats() indexer.Stats {
	return s.index.Stats()
}
