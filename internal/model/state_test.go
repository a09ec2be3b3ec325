package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to PromptStatus
		ok       bool
	}{
		{PromptDraft, PromptQueued, true},
		{PromptQueued, PromptGenerating, true},
		{PromptQueued, PromptFailed, true},
		{PromptGenerating, PromptDone, true},
		{PromptGenerating, PromptFailed, true},
		{PromptDraft, PromptGenerating, false},
		{PromptDone, PromptGenerating, false},
		{PromptDone, PromptFailed, false},
		{PromptFailed, PromptQueued, false},
		{PromptGenerating, PromptQueued, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, PromptDone.Terminal())
	assert.True(t, PromptFailed.Terminal())
	assert.False(t, PromptGenerating.Terminal())
}

func TestCloneIsDeep(t *testing.T) {
	orig := CampaignState{
		Campaign:   Campaign{ID: "c1", ReferenceImages: []ReferenceImage{{ID: "r1", URL: "http://x/ref.png"}}},
		Research:   json.RawMessage(`{"a":1}`),
		Archetypes: []Archetype{{ID: "a1", Content: json.RawMessage(`{}`)}},
		Prompts:    []ContentPrompt{{ID: "p1", Status: PromptDraft}},
	}
	cp := orig.Clone()
	cp.Prompts[0].Status = PromptQueued
	cp.Archetypes[0].Selected = true
	cp.Campaign.ReferenceImages[0].URL = "changed"
	cp.Research[2] = 'b'

	require.Equal(t, PromptDraft, orig.Prompts[0].Status)
	require.False(t, orig.Archetypes[0].Selected)
	require.Equal(t, "http://x/ref.png", orig.Campaign.ReferenceImages[0].URL)
	require.Equal(t, `{"a":1}`, string(orig.Research))
}

func TestLookups(t *testing.T) {
	st := CampaignState{
		Angles: []Angle{{ID: "g1"}, {ID: "g2", ImagesRequested: 1}},
		Prompts: []ContentPrompt{
			{ID: "p1", Status: PromptGenerating, ExternalJobID: "job-1"},
			{ID: "p2", Status: PromptGenerating},
			{ID: "p3", Status: PromptDone, ExternalJobID: "job-3"},
		},
	}
	require.NotNil(t, st.PromptByJobID("job-1"))
	require.Nil(t, st.PromptByJobID(""))
	require.Len(t, st.GeneratingPrompts(), 1)
	require.Len(t, st.RequestedAngles(), 1)
	assert.Equal(t, PromptCounts{Generating: 2, Done: 1}, st.PromptCounts())
	assert.Equal(t, "", st.DefaultReferenceImage())
}
