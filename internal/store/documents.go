package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const CampaignsTable = "campaigns"

// Document is one keyed JSON record in the durable store. Version orders
// writes to the same key; zero means unversioned.
type Document struct {
	Key       string
	Body      []byte
	UpdatedAt time.Time
	Version   int64
}

// DocumentStore is the durable side of the campaign store. Get returns
// ErrNotFound for a missing key. Upsert replaces whole documents keyed by
// Document.Key; a versioned document is only written over an older version,
// otherwise Upsert returns ErrStale and leaves the stored one in place.
type DocumentStore interface {
	Upsert(ctx context.Context, table string, docs []Document) error
	Get(ctx context.Context, table, key string) (Document, error)
	List(ctx context.Context, table string) ([]Document, error)
}

// MemoryDocuments keeps documents in process memory. It backs tests and the
// "memory" store driver.
type MemoryDocuments struct {
	mu     sync.RWMutex
	tables map[string]map[string]Document
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{tables: map[string]map[string]Document{}}
}

func (m *MemoryDocuments) Upsert(_ context.Context, table string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = map[string]Document{}
		m.tables[table] = t
	}
	for _, d := range docs {
		if d.Key == "" {
			return ErrBadRequest
		}
		if cur, ok := t[d.Key]; ok && StaleVersion(cur.Version, d.Version) {
			return fmt.Errorf("%w: %s at version %d, write is %d", ErrStale, d.Key, cur.Version, d.Version)
		}
	}
	for _, d := range docs {
		d.Body = append([]byte(nil), d.Body...)
		t[d.Key] = d
	}
	return nil
}

func (m *MemoryDocuments) Get(_ context.Context, table, key string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.tables[table][key]
	if !ok {
		return Document{}, ErrNotFound
	}
	d.Body = append([]byte(nil), d.Body...)
	return d, nil
}

func (m *MemoryDocuments) List(_ context.Context, table string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.tables[table]))
	for _, d := range m.tables[table] {
		d.Body = append([]byte(nil), d.Body...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// StaleVersion reports whether a write at version next must not replace a stored
// document at version stored.
func StaleVersion(stored, next int64) bool {
	return next > 0 && stored >= next
}
