package docstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/econaxis/imgrepo/pkg/errors"
)

var (
	documentsBucket = []byte("documents")
	payloadsBucket  = []byte("payloads")
	byNameBucket    = []byte("by_name")
)

// BoltStore keeps documents in a single bbolt file. Metadata and payloads
// live in separate buckets so masked reads skip the payload pages.
type BoltStore struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create docstore directory: %w", err)
	}
	s := &BoltStore{
		path:   path,
		logger: slog.Default().With("component", "docstore", "driver", "bolt"),
	}
	db, err := openBoltDB(path)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func openBoltDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, payloadsBucket, byNameBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// nameKey orders the name index by filename, then id.
func nameKey(filename string, id uint64) []byte {
	k := make([]byte, 0, len(filename)+9)
	k = append(k, filename...)
	k = append(k, 0)
	return append(k, idKey(id)...)
}

func (s *BoltStore) Store(_ context.Context, doc Document) error {
	if doc.ID == 0 {
		return fmt.Errorf("%w: document id must be positive", apperrors.ErrInvalidInput)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	meta, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %d: %w", doc.ID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		key := idKey(doc.ID)
		docs := tx.Bucket(documentsBucket)
		if prev := docs.Get(key); prev != nil {
			var old Document
			if err := msgpack.Unmarshal(prev, &old); err == nil {
				if err := tx.Bucket(byNameBucket).Delete(nameKey(old.Filename, old.ID)); err != nil {
					return err
				}
			}
		}
		if err := docs.Put(key, meta); err != nil {
			return fmt.Errorf("put document %d: %w", doc.ID, err)
		}
		if err := tx.Bucket(payloadsBucket).Put(key, doc.Payload); err != nil {
			return fmt.Errorf("put payload %d: %w", doc.ID, err)
		}
		if doc.Deleted {
			return nil
		}
		return tx.Bucket(byNameBucket).Put(nameKey(doc.Filename, doc.ID), nil)
	})
}

func (s *BoltStore) Get(_ context.Context, id uint64, mask FieldMask) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = readDoc(tx, id)
		if err != nil {
			return err
		}
		if mask.Has(FieldPayload) {
			if p := tx.Bucket(payloadsBucket).Get(idKey(id)); p != nil {
				doc.Payload = append([]byte(nil), p...)
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return doc.masked(mask), nil
}

func readDoc(tx *bolt.Tx, id uint64) (Document, error) {
	raw := tx.Bucket(documentsBucket).Get(idKey(id))
	if raw == nil {
		return Document{}, fmt.Errorf("%w: id %d", apperrors.ErrDocumentNotFound, id)
	}
	var doc Document
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document %d: %w", id, err)
	}
	if doc.Deleted {
		return Document{}, fmt.Errorf("%w: id %d was deleted", apperrors.ErrDocumentNotFound, id)
	}
	return doc, nil
}

func (s *BoltStore) GetByName(_ context.Context, filename string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	prefix := append([]byte(filename), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(byNameBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			id := binary.BigEndian.Uint64(k[len(prefix):])
			doc, err := readDoc(tx, id)
			if apperrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, doc.masked(FieldFilename|FieldDescription))
		}
		return nil
	})
	return out, err
}

// ListAll returns up to limit live documents in id order, without payloads.
// limit <= 0 means no limit.
func (s *BoltStore) ListAll(_ context.Context, limit int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var doc Document
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode document %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !doc.Deleted {
				out = append(out, doc.masked(FieldFilename|FieldDescription))
			}
			return nil
		})
	})
	return out, err
}

// Each walks the documents bucket inside one read transaction.
func (s *BoltStore) Each(ctx context.Context, fn func(Document) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc Document
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode document %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if doc.Deleted {
				return nil
			}
			return fn(doc.masked(FieldFilename | FieldDescription))
		})
	})
}

// Delete flags the document as deleted and drops its payload.
func (s *BoltStore) Delete(_ context.Context, id uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		doc, err := readDoc(tx, id)
		if err != nil {
			return err
		}
		doc.Deleted = true
		meta, err := msgpack.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document %d: %w", id, err)
		}
		key := idKey(id)
		if err := tx.Bucket(documentsBucket).Put(key, meta); err != nil {
			return err
		}
		if err := tx.Bucket(payloadsBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(byNameBucket).Delete(nameKey(doc.Filename, id))
	})
}

// MaxID returns the highest id ever stored, deleted or not.
func (s *BoltStore) MaxID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(documentsBucket).Cursor().Last()
		if k != nil {
			max = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return max, err
}

// Flush fsyncs the database file.
func (s *BoltStore) Flush(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync docstore: %w", err)
	}
	return nil
}

// Reload closes and reopens the database file.
func (s *BoltStore) Reload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close docstore: %w", err)
	}
	db, err := openBoltDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	s.logger.Info("docstore reloaded", "path", s.path)
	return nil
}

func (s *BoltStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(documentsBucket) == nil {
			return fmt.Errorf("documents bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
