package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"adstudio/server/internal/store"

	"go.etcd.io/bbolt"
)

// record is the value stored under each key.
type record struct {
	Version   int64           `json:"version,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Body      json.RawMessage `json:"body"`
}

// Documents implements store.DocumentStore on a local BoltDB file, one bucket
// per table. It suits single-node deployments.
type Documents struct {
	db *bbolt.DB
}

// Open creates the parent directory if needed and opens the database file.
func Open(path string) (*Documents, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(store.CampaignsTable))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Documents{db: db}, nil
}

func (d *Documents) Close() error {
	return d.db.Close()
}

// Upsert writes docs in one transaction. A write at or below the stored
// version rolls the whole batch back with store.ErrStale.
func (d *Documents) Upsert(_ context.Context, table string, docs []store.Document) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if doc.Key == "" {
				return fmt.Errorf("%w: empty document key", store.ErrBadRequest)
			}
			if cur := b.Get([]byte(doc.Key)); cur != nil && doc.Version > 0 {
				stored, err := decode(doc.Key, cur)
				if err != nil {
					return err
				}
				if store.StaleVersion(stored.Version, doc.Version) {
					return fmt.Errorf("%w: %s at version %d, write is %d", store.ErrStale, doc.Key, stored.Version, doc.Version)
				}
			}
			ts := doc.UpdatedAt
			if ts.IsZero() {
				ts = time.Now()
			}
			data, err := json.Marshal(record{Version: doc.Version, UpdatedAt: ts.UTC(), Body: doc.Body})
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", doc.Key, err)
			}
			if err := b.Put([]byte(doc.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Documents) Get(_ context.Context, table, key string) (store.Document, error) {
	var doc store.Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return store.ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return store.ErrNotFound
		}
		var err error
		doc, err = decode(key, data)
		return err
	})
	return doc, err
}

func (d *Documents) List(_ context.Context, table string) ([]store.Document, error) {
	var out []store.Document
	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			doc, err := decode(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, doc)
			return nil
		})
	})
	return out, err
}

// decode copies out of the bolt page; values are only valid inside the
// transaction.
func decode(key string, data []byte) (store.Document, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return store.Document{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return store.Document{
		Key:       key,
		Body:      append([]byte(nil), r.Body...),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
