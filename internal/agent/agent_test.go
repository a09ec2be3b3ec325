package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
		{"broken first brace", "use {curly} braces, then {\"ok\":true}", `{"ok":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
	_, err := ExtractJSON("no json here")
	require.ErrorIs(t, err, ErrNoJSON)
}

func TestParseStage(t *testing.T) {
	s, ok := ParseStage(" Angles ")
	require.True(t, ok)
	assert.Equal(t, StageAngles, s)
	_, ok = ParseStage("production")
	assert.False(t, ok)
}

type fakeModel struct {
	reply  string
	err    error
	system string
	user   string
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Complete(_ context.Context, system, user string) (string, error) {
	f.system, f.user = system, user
	return f.reply, f.err
}

func TestModelRunner(t *testing.T) {
	m := &fakeModel{reply: "```json\n{\"angles\":[{\"name\":\"n\",\"hook\":\"h\"}]}\n```"}
	r := NewModelRunner(m, zap.NewNop())

	raw, err := r.RunStage(context.Background(), StageAngles, AnglesInput{CampaignName: "Spring", Archetype: ArchetypeDraft{Name: "A"}})
	require.NoError(t, err)
	var out AnglesOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Angles, 1)
	assert.Contains(t, m.system, `"angles"`)
	assert.Contains(t, m.user, `"campaign_name": "Spring"`)

	m.reply = "I cannot help with that."
	_, err = r.RunStage(context.Background(), StageAngles, AnglesInput{})
	require.ErrorIs(t, err, ErrNoJSON)

	m.err = errors.New("throttled")
	_, err = r.RunStage(context.Background(), StageAngles, AnglesInput{})
	require.ErrorContains(t, err, "throttled")

	_, err = r.RunStage(context.Background(), Stage("bogus"), nil)
	require.ErrorIs(t, err, ErrUnknownStage)
}

type fakeInvoker struct {
	req bedrockRequest
	out string
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if err := json.Unmarshal(in.Body, &f.req); err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.out)}, nil
}

func TestBedrockModel(t *testing.T) {
	inv := &fakeInvoker{out: `{"content":[{"type":"text","text":"{\"ok\":"},{"type":"text","text":"true}"}],"stop_reason":"end_turn"}`}
	b := NewBedrockWithClient(inv, "")

	text, err := b.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, text)
	assert.Equal(t, "bedrock-2023-05-31", inv.req.AnthropicVersion)
	assert.Equal(t, "sys", inv.req.System)
	assert.Equal(t, "user", inv.req.Messages[0].Content[0].Text)

	inv.out = `{"content":[],"stop_reason":"max_tokens"}`
	_, err = b.Complete(context.Background(), "sys", "user")
	require.ErrorContains(t, err, "max_tokens")
}

func TestGenAIModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"prompts\":[]}"}]}}]}`))
	}))
	defer srv.Close()

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      "test",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL + "/"},
	})
	require.NoError(t, err)

	text, err := NewGenAIWithClient(client, "").Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompts":[]}`, text)
}

func TestScriptedRunner(t *testing.T) {
	r := NewScriptedRunner()
	ctx := context.Background()

	raw, err := r.RunStage(ctx, StageResearch, ResearchInput{CampaignName: "Spring", Brief: "shoes"})
	require.NoError(t, err)
	var research ResearchOutput
	require.NoError(t, json.Unmarshal(raw, &research))
	assert.NotEmpty(t, research.Archetypes)
	assert.NotEmpty(t, research.Research)

	raw, err = r.RunStage(ctx, StagePrompts, PromptsInput{CampaignName: "Spring", Images: 2, Videos: 1})
	require.NoError(t, err)
	var prompts PromptsOutput
	require.NoError(t, json.Unmarshal(raw, &prompts))
	require.Len(t, prompts.Prompts, 3)
	assert.Equal(t, "video", prompts.Prompts[2].Type)

	boom := errors.New("agent down")
	r.FailStage(StageAngles, boom)
	_, err = r.RunStage(ctx, StageAngles, AnglesInput{})
	require.ErrorIs(t, err, boom)
	r.FailStage(StageAngles, nil)
	_, err = r.RunStage(ctx, StageAngles, AnglesInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Calls(StageAngles))

	_, err = r.RunStage(ctx, StageAngles, "wrong input")
	require.Error(t, err)
}
