package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"adstudio/server/internal/model"
	"adstudio/server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDocuments(t *testing.T) *Documents {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "data", "adstudio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestUpsertGetList(t *testing.T) {
	d := openTestDocuments(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, d.Upsert(ctx, store.CampaignsTable, []store.Document{
		{Key: "b", Body: []byte(`{"n":2}`), UpdatedAt: ts},
		{Key: "a", Body: []byte(`{"n":1}`), UpdatedAt: ts},
	}))
	require.NoError(t, d.Upsert(ctx, store.CampaignsTable, []store.Document{
		{Key: "a", Body: []byte(`{"n":3}`), UpdatedAt: ts.Add(time.Second)},
	}))

	doc, err := d.Get(ctx, store.CampaignsTable, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(doc.Body))
	assert.True(t, doc.UpdatedAt.Equal(ts.Add(time.Second)))

	list, err := d.List(ctx, store.CampaignsTable)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)
	assert.Equal(t, "b", list[1].Key)
}

func TestGetMissing(t *testing.T) {
	d := openTestDocuments(t)
	_, err := d.Get(context.Background(), store.CampaignsTable, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = d.Get(context.Background(), "other", "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	list, err := d.List(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCampaignSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adstudio.db")
	d, err := Open(path)
	require.NoError(t, err)

	s := store.NewCampaignStore(d, nil)
	st, err := s.Create(context.Background(), store.CreateCampaignInput{Name: "Spring", Brief: "shoes"})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()

	fresh := store.NewCampaignStore(d, nil)
	got, ok := fresh.GetAsync(context.Background(), st.Campaign.ID)
	require.True(t, ok)
	assert.Equal(t, "Spring", got.Campaign.Name)
}

func TestUpsertRejectsStaleVersion(t *testing.T) {
	d := openTestDocuments(t)
	ctx := context.Background()

	require.NoError(t, d.Upsert(ctx, store.CampaignsTable, []store.Document{{Key: "a", Body: []byte(`{"n":2}`), Version: 2}}))
	err := d.Upsert(ctx, store.CampaignsTable, []store.Document{
		{Key: "b", Body: []byte(`{"n":1}`), Version: 1},
		{Key: "a", Body: []byte(`{"n":"old"}`), Version: 2},
	})
	require.ErrorIs(t, err, store.ErrStale)

	doc, err := d.Get(ctx, store.CampaignsTable, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(doc.Body))
	assert.Equal(t, int64(2), doc.Version)
	_, err = d.Get(ctx, store.CampaignsTable, "b")
	require.ErrorIs(t, err, store.ErrNotFound, "the batch rolls back as a whole")
}

func TestLaggingCacheDoesNotOverwriteNewerCampaign(t *testing.T) {
	d := openTestDocuments(t)
	ctx := context.Background()

	a := store.NewCampaignStore(d, nil)
	st, err := a.Create(ctx, store.CreateCampaignInput{Name: "Spring", Brief: "shoes"})
	require.NoError(t, err)
	id := st.Campaign.ID

	b := store.NewCampaignStore(d, nil)
	_, ok := b.GetAsync(ctx, id)
	require.True(t, ok)
	require.NoError(t, b.Mutate(ctx, id, func(cs *model.CampaignState) error {
		cs.Campaign.Name = "Spring (renamed)"
		return nil
	}))

	require.NoError(t, a.Mutate(ctx, id, func(cs *model.CampaignState) error {
		cs.Campaign.CoreMessage = "Run further"
		return nil
	}))

	fresh := store.NewCampaignStore(d, nil)
	got, ok := fresh.GetAsync(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "Spring (renamed)", got.Campaign.Name)
	assert.Equal(t, "Run further", got.Campaign.CoreMessage)
	assert.Equal(t, st.Version+2, got.Version)
}
