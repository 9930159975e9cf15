// Package docstore persists picture documents (filename, description,
// payload) keyed by the id the index assigned them. Deletion is a status
// flag: a deleted document stays in the index and is reported as not found
// here.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/econaxis/imgrepo/pkg/config"
	"github.com/econaxis/imgrepo/pkg/postgres"
)

// FieldMask selects which optional fields Get populates.
type FieldMask uint8

const (
	FieldFilename FieldMask = 1 << iota
	FieldDescription
	FieldPayload

	FieldAll = FieldFilename | FieldDescription | FieldPayload
)

func (m FieldMask) Has(f FieldMask) bool {
	return m&f == f
}

type Document struct {
	ID          uint64    `json:"id" msgpack:"id"`
	Filename    string    `json:"filename,omitempty" msgpack:"f"`
	Description string    `json:"description,omitempty" msgpack:"d"`
	Mimetype    string    `json:"mimetype,omitempty" msgpack:"m"`
	Payload     []byte    `json:"-" msgpack:"-"`
	Deleted     bool      `json:"deleted,omitempty" msgpack:"x"`
	CreatedAt   time.Time `json:"created_at" msgpack:"c"`
}

// masked clears the fields mask does not select.
func (d Document) masked(mask FieldMask) Document {
	if !mask.Has(FieldFilename) {
		d.Filename = ""
	}
	if !mask.Has(FieldDescription) {
		d.Description = ""
	}
	if !mask.Has(FieldPayload) {
		d.Payload = nil
	}
	return d
}

// Store is the document store contract. Get of a missing or deleted id
// returns an error matching errors.ErrDocumentNotFound; GetByName and
// ListAll leave deleted documents out.
type Store interface {
	Store(ctx context.Context, doc Document) error
	Get(ctx context.Context, id uint64, mask FieldMask) (Document, error)
	GetByName(ctx context.Context, filename string) ([]Document, error)
	ListAll(ctx context.Context, limit int) ([]Document, error)
	// Each calls fn for every live document in id order, without payloads,
	// and stops at the first error fn returns.
	Each(ctx context.Context, fn func(Document) error) error
	Delete(ctx context.Context, id uint64) error
	MaxID(ctx context.Context) (uint64, error)
	Flush(ctx context.Context) error
	Reload(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store cfg.Driver selects. pg is only used by the
// postgres driver and may be nil otherwise.
func Open(ctx context.Context, cfg config.DocStoreConfig, pg *postgres.Client) (Store, error) {
	switch cfg.Driver {
	case "", "bolt":
		return OpenBolt(cfg.Path)
	case "postgres":
		if pg == nil {
			return nil, fmt.Errorf("postgres docstore requires a postgres client")
		}
		return NewPostgres(ctx, pg)
	default:
		return nil, fmt.Errorf("unknown docstore driver %q", cfg.Driver)
	}
}
