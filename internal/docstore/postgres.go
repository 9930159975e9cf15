package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
	"github.com/econaxis/imgrepo/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS pictures (
    id          BIGINT PRIMARY KEY,
    filename    TEXT NOT NULL,
    description TEXT NOT NULL,
    mimetype    TEXT NOT NULL DEFAULT '',
    payload     BYTEA,
    deleted     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS pictures_filename_idx ON pictures (filename) WHERE NOT deleted;
`

// PostgresStore keeps documents in the pictures table. Every statement
// commits on its own, so Flush and Reload have nothing to do.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgres(ctx context.Context, db *postgres.Client) (*PostgresStore, error) {
	s := &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "docstore", "driver", "postgres"),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.db.Migrate(ctx, "pictures", schema)
}

func (s *PostgresStore) Store(ctx context.Context, doc Document) error {
	if doc.ID == 0 {
		return fmt.Errorf("%w: document id must be positive", apperrors.ErrInvalidInput)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO pictures (id, filename, description, mimetype, payload, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			description = EXCLUDED.description,
			mimetype = EXCLUDED.mimetype,
			payload = EXCLUDED.payload,
			deleted = EXCLUDED.deleted`,
		int64(doc.ID), doc.Filename, doc.Description, doc.Mimetype, doc.Payload, doc.Deleted, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing document %d: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uint64, mask FieldMask) (Document, error) {
	// Unselected columns come back as empty strings or NULL.
	query := `SELECT id, mimetype, created_at,
		CASE WHEN $2 THEN filename ELSE '' END,
		CASE WHEN $3 THEN description ELSE '' END,
		CASE WHEN $4 THEN payload ELSE NULL END
		FROM pictures WHERE id = $1 AND NOT deleted`
	var (
		doc   Document
		rawID int64
	)
	err := s.db.DB.QueryRowContext(ctx, query,
		int64(id), mask.Has(FieldFilename), mask.Has(FieldDescription), mask.Has(FieldPayload),
	).Scan(&rawID, &doc.Mimetype, &doc.CreatedAt, &doc.Filename, &doc.Description, &doc.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: id %d", apperrors.ErrDocumentNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %d: %w", id, err)
	}
	doc.ID = uint64(rawID)
	return doc, nil
}

func (s *PostgresStore) GetByName(ctx context.Context, filename string) ([]Document, error) {
	return s.list(ctx, `SELECT id, filename, description, mimetype, created_at
		FROM pictures WHERE filename = $1 AND NOT deleted ORDER BY id`, filename)
}

func (s *PostgresStore) ListAll(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		return s.list(ctx, `SELECT id, filename, description, mimetype, created_at
			FROM pictures WHERE NOT deleted ORDER BY id`)
	}
	return s.list(ctx, `SELECT id, filename, description, mimetype, created_at
		FROM pictures WHERE NOT deleted ORDER BY id LIMIT $1`, limit)
}

// Each streams rows from one query; nothing is held beyond the current row.
func (s *PostgresStore) Each(ctx context.Context, fn func(Document) error) error {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT id, filename, description, mimetype, created_at
		FROM pictures WHERE NOT deleted ORDER BY id`)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			doc   Document
			rawID int64
		)
		if err := rows.Scan(&rawID, &doc.Filename, &doc.Description, &doc.Mimetype, &doc.CreatedAt); err != nil {
			return fmt.Errorf("scanning document: %w", err)
		}
		doc.ID = uint64(rawID)
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			doc   Document
			rawID int64
		)
		if err := rows.Scan(&rawID, &doc.Filename, &doc.Description, &doc.Mimetype, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		doc.ID = uint64(rawID)
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Delete flags the row and clears its payload.
func (s *PostgresStore) Delete(ctx context.Context, id uint64) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE pictures SET deleted = TRUE, payload = NULL WHERE id = $1 AND NOT deleted`, int64(id))
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", apperrors.ErrDocumentNotFound, id)
	}
	s.logger.Info("document deleted", "id", id)
	return nil
}

func (s *PostgresStore) MaxID(ctx context.Context) (uint64, error) {
	var max int64
	if err := s.db.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM pictures`).Scan(&max); err != nil {
		return 0, fmt.Errorf("querying max id: %w", err)
	}
	return uint64(max), nil
}

func (s *PostgresStore) Flush(context.Context) error  { return nil }
func (s *PostgresStore) Reload(context.Context) error { return nil }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close leaves the shared client open; its owner closes it.
func (s *PostgresStore) Close() error { return nil }
