package events

import (
	"testing"

	"adstudio/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequencePerCampaign(t *testing.T) {
	h := NewHub(0)
	a1 := h.Publish(model.CampaignEvent{CampaignID: "a", Type: model.EventCampaignCreated})
	a2 := h.Publish(model.CampaignEvent{CampaignID: "a", Type: model.EventStageCompleted})
	b1 := h.Publish(model.CampaignEvent{CampaignID: "b", Type: model.EventCampaignCreated})

	assert.Equal(t, int64(1), a1.Seq)
	assert.Equal(t, int64(2), a2.Seq)
	assert.Equal(t, int64(1), b1.Seq)
	assert.NotEmpty(t, a1.EventID)
	assert.False(t, a1.TS.IsZero())
}

func TestSubscribeReceivesOnlyOwnCampaign(t *testing.T) {
	h := NewHub(0)
	_, ch, unsubscribe := h.Subscribe("a", 4)
	h.Publish(model.CampaignEvent{CampaignID: "b", Type: model.EventPromptDone})
	h.Publish(model.CampaignEvent{CampaignID: "a", Type: model.EventPromptDone})

	evt := <-ch
	assert.Equal(t, "a", evt.CampaignID)
	assert.Len(t, ch, 0)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(0)
	_, ch, unsubscribe := h.Subscribe("a", 1)
	defer unsubscribe()
	for i := 0; i < 5; i++ {
		h.Publish(model.CampaignEvent{CampaignID: "a"})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, h.Since("a", 1), 4, "missed events remain in the backlog")
}

func TestBacklogIsBounded(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 10; i++ {
		h.Publish(model.CampaignEvent{CampaignID: "a"})
	}
	got := h.Since("a", 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(8), got[0].Seq)
	assert.Equal(t, int64(10), got[2].Seq)

	h.Forget("a")
	assert.Empty(t, h.Since("a", 0))
}
