package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"adstudio/server/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*Documents, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDocuments(db), mock
}

func TestMigrate(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, docs.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatchesDocuments(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectQuery("INSERT INTO documents").
		WithArgs(store.CampaignsTable, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("c1").AddRow("c2"))

	err := docs.Upsert(context.Background(), store.CampaignsTable, []store.Document{
		{Key: "c1", Body: []byte(`{"a":1}`), UpdatedAt: time.Now()},
		{Key: "c2", Body: []byte(`{"a":2}`)},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsEmptyKey(t *testing.T) {
	docs, mock := setupTestDB(t)
	err := docs.Upsert(context.Background(), store.CampaignsTable, []store.Document{{Body: []byte(`{}`)}})
	require.ErrorIs(t, err, store.ErrBadRequest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWrapsDriverError(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectQuery("INSERT INTO documents").WillReturnError(errors.New("connection reset"))

	err := docs.Upsert(context.Background(), store.CampaignsTable, []store.Document{{Key: "c1", Body: []byte(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestUpsertSkippedByNewerVersionIsStale(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectQuery(`WHERE EXCLUDED.version = 0 OR documents.version < EXCLUDED.version`).
		WithArgs(store.CampaignsTable, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	err := docs.Upsert(context.Background(), store.CampaignsTable, []store.Document{
		{Key: "c1", Body: []byte(`{"status":"generating"}`), Version: 4},
	})
	require.ErrorIs(t, err, store.ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	docs, mock := setupTestDB(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT body, version, updated_at FROM documents").
		WithArgs(store.CampaignsTable, "c1").
		WillReturnRows(sqlmock.NewRows([]string{"body", "version", "updated_at"}).AddRow([]byte(`{"a":1}`), int64(3), ts))

	doc, err := docs.Get(context.Background(), store.CampaignsTable, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.Key)
	assert.JSONEq(t, `{"a":1}`, string(doc.Body))
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, ts, doc.UpdatedAt)
}

func TestGetMissingIsNotFound(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT body, version, updated_at FROM documents").
		WithArgs(store.CampaignsTable, "nope").
		WillReturnError(sql.ErrNoRows)

	_, err := docs.Get(context.Background(), store.CampaignsTable, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestList(t *testing.T) {
	docs, mock := setupTestDB(t)
	ts := time.Now().UTC()
	mock.ExpectQuery("SELECT key, body, version, updated_at FROM documents").
		WithArgs(store.CampaignsTable).
		WillReturnRows(sqlmock.NewRows([]string{"key", "body", "version", "updated_at"}).
			AddRow("c1", []byte(`{}`), int64(1), ts).
			AddRow("c2", []byte(`{}`), int64(2), ts))

	list, err := docs.List(context.Background(), store.CampaignsTable)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[1].Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignStoreOnPostgres(t *testing.T) {
	docs, mock := setupTestDB(t)
	mock.ExpectQuery("INSERT INTO documents").WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("new"))

	s := store.NewCampaignStore(docs, nil)
	_, err := s.Create(context.Background(), store.CreateCampaignInput{Name: "n", Brief: "b"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
