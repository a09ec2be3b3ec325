package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"adstudio/server/internal/store"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	body       JSONB       NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, key)
);
ALTER TABLE documents ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (collection, updated_at DESC);
`

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Documents implements store.DocumentStore on a single JSONB table keyed by
// (collection, key).
type Documents struct{ db *sql.DB }

func NewDocuments(db *sql.DB) *Documents { return &Documents{db: db} }

// Migrate creates the documents table when it does not exist.
func (d *Documents) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

// Upsert writes all docs in one statement. A versioned row is only replaced
// by a higher version; rows the condition skips are reported as ErrStale.
func (d *Documents) Upsert(ctx context.Context, table string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	keys := make([]string, len(docs))
	bodies := make([]string, len(docs))
	versions := make([]int64, len(docs))
	stamps := make([]string, len(docs))
	for i, doc := range docs {
		if doc.Key == "" {
			return fmt.Errorf("%w: empty document key", store.ErrBadRequest)
		}
		ts := doc.UpdatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		keys[i] = doc.Key
		bodies[i] = string(doc.Body)
		versions[i] = doc.Version
		stamps[i] = ts.UTC().Format(time.RFC3339Nano)
	}
	rows, err := d.db.QueryContext(ctx, `
		INSERT INTO documents (collection, key, body, version, updated_at)
		SELECT $1, data.key, data.body::jsonb, data.version, data.updated_at
		FROM (
			SELECT UNNEST($2::text[]) AS key,
			       UNNEST($3::text[]) AS body,
			       UNNEST($4::bigint[]) AS version,
			       UNNEST($5::timestamptz[]) AS updated_at
		) AS data
		ON CONFLICT (collection, key) DO UPDATE
		SET body = EXCLUDED.body, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.version = 0 OR documents.version < EXCLUDED.version
		RETURNING key
	`, table, pq.Array(keys), pq.Array(bodies), pq.Array(versions), pq.Array(stamps))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	defer rows.Close()

	written := 0
	for rows.Next() {
		written++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	if written < len(docs) {
		return fmt.Errorf("%w: %s: %d of %d documents held a newer version", store.ErrStale, table, len(docs)-written, len(docs))
	}
	return nil
}

func (d *Documents) Get(ctx context.Context, table, key string) (store.Document, error) {
	doc := store.Document{Key: key}
	err := d.db.QueryRowContext(ctx,
		`SELECT body, version, updated_at FROM documents WHERE collection = $1 AND key = $2`,
		table, key,
	).Scan(&doc.Body, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return doc, nil
}

func (d *Documents) List(ctx context.Context, table string) ([]store.Document, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, body, version, updated_at FROM documents WHERE collection = $1 ORDER BY key`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		var doc store.Document
		if err := rows.Scan(&doc.Key, &doc.Body, &doc.Version, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
