package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"adstudio/server/internal/agent"
	"adstudio/server/internal/events"
	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/model"
	"adstudio/server/internal/pipeline"
	"adstudio/server/internal/production"
	"adstudio/server/internal/provider"
	"adstudio/server/internal/store"
	"adstudio/server/internal/telemetry"
	"adstudio/server/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router http.Handler
	store  *store.CampaignStore
	hub    *events.Hub
}

func setupTestRouter(t *testing.T, gen provider.Client, signer *webhook.Signer) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	metrics := telemetry.NewMetrics()
	st := store.NewCampaignStore(nil, logger, store.WithMetrics(metrics))
	hub := events.NewHub(0)
	lc := lifecycle.NewController(st, hub, logger)
	if gen == nil {
		mock := provider.NewMockClient(0, logger)
		t.Cleanup(mock.Close)
		gen = mock
	}
	if signer == nil {
		signer = webhook.NewSigner("http://localhost:8080/api/v1", "", 0)
	}
	s := NewServer(Deps{
		Store:      st,
		Pipeline:   pipeline.NewRunner(st, agent.NewScriptedRunner(), lc, hub, metrics, logger, 2),
		Production: production.NewReconciler(st, gen, nil, signer, hub, metrics, logger, production.Config{}),
		Lifecycle:  lc,
		Hub:        hub,
		Metrics:    metrics,
		Logger:     logger,
	})
	return &testEnv{router: s.Router(), store: st, hub: hub}
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	TraceID string          `json:"trace_id"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body=%s", rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func createCampaign(t *testing.T, e *testEnv) string {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"name":             "Trail runners",
		"brief":            "Lightweight trail shoes for weekend runners",
		"core_message":     "Run further",
		"reference_images": []map[string]any{{"url": "https://cdn.example.com/ref/shoe.png"}},
	})
	require.Equal(t, http.StatusCreated, code, "error=%v", env.Error)
	return decode[model.CampaignState](t, env.Data).Campaign.ID
}

func TestHealthAndTraceHeader(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Trace-Id"))
	assert.Contains(t, rec.Body.String(), `"trace_id":"trace-123"`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adstudio_http_requests_total")
}

func TestCreateCampaignValidation(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	code, env := e.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{"name": "No brief"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_REQUEST", env.Error.Code)

	code, env = e.do(t, http.MethodGet, "/api/v1/campaigns/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestFullPipelineOverHTTP(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	id := createCampaign(t, e)
	base := "/api/v1/campaigns/" + id

	code, env := e.do(t, http.MethodPost, base+"/stages/angles", nil)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PRECONDITION_FAILED", env.Error.Code)

	code, env = e.do(t, http.MethodPost, base+"/stages/research", nil)
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)

	code, env = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	st := decode[model.CampaignState](t, env.Data)
	require.NotEmpty(t, st.Archetypes)
	assert.Equal(t, model.CampaignInProgress, st.Campaign.Status)

	code, _ = e.do(t, http.MethodPut, base+"/archetypes/selection", map[string]any{"archetype_ids": []string{st.Archetypes[0].ID}})
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, http.MethodPost, base+"/stages/angles", nil)
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	st, _ = e.store.Get(id)
	require.NotEmpty(t, st.Angles)
	assert.Equal(t, st.Archetypes[0].ID, st.Angles[0].ArchetypeID)

	code, env = e.do(t, http.MethodPatch, base+"/angles/"+st.Angles[0].ID, map[string]any{"images_requested": 2})
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)

	code, env = e.do(t, http.MethodPost, base+"/stages/prompts", nil)
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	st, _ = e.store.Get(id)
	require.Len(t, st.Prompts, 2)
	for _, p := range st.Prompts {
		assert.Equal(t, model.PromptImage, p.Type)
		assert.Equal(t, model.PromptDraft, p.Status)
	}
	p1 := st.Prompts[0]

	code, env = e.do(t, http.MethodPost, base+"/produce", map[string]any{"prompt_ids": []string{p1.ID}})
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	produced := decode[production.ProduceResult](t, env.Data)
	assert.Equal(t, 1, produced.Submitted)

	st, _ = e.store.Get(id)
	p := st.PromptByID(p1.ID)
	require.Equal(t, model.PromptGenerating, p.Status)
	require.NotEmpty(t, p.ExternalJobID)

	callback := map[string]any{
		"code": 200,
		"msg":  "success",
		"data": map[string]any{"taskId": p.ExternalJobID, "state": "success", "resultUrls": []string{"http://x/img.png"}},
	}
	for i := 0; i < 2; i++ {
		code, env = e.do(t, http.MethodPost, base+"/generate-images/callback", callback)
		require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	}
	out := decode[production.Outcome](t, env.Data)
	assert.False(t, out.Applied)
	assert.Equal(t, store.ReasonAlreadyTerminal, out.Reason)

	st, _ = e.store.Get(id)
	assert.Equal(t, model.PromptDone, st.PromptByID(p1.ID).Status)
	require.Len(t, st.Outputs, 1)
	assert.Equal(t, "http://x/img.png", st.Outputs[0].URL)

	code, env = e.do(t, http.MethodPatch, base+"/outputs/"+st.Outputs[0].ID, map[string]any{
		"client_feedback":     "approved",
		"approved_for_client": true,
	})
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	fb := decode[model.GeneratedContent](t, env.Data)
	assert.Equal(t, model.FeedbackApproved, fb.ClientFeedback)
	assert.True(t, fb.ApprovedForClient)

	code, env = e.do(t, http.MethodPatch, base+"/prompts/"+p1.ID, map[string]any{"text": "too late"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestCheckStatusOverHTTP(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	id := createCampaign(t, e)
	ctx := context.Background()
	require.NoError(t, e.store.SetResearchAndArchetypes(ctx, id, store.ResearchResult{
		Research:   []byte(`{}`),
		Archetypes: []model.Archetype{{ID: "a1", Name: "Beginner"}},
	}))
	require.NoError(t, e.store.AddAngles(ctx, id, []model.Angle{{ID: "g1", ArchetypeID: "a1", Name: "Hook"}}))
	require.NoError(t, e.store.AddPrompts(ctx, id, []model.ContentPrompt{
		{ID: "p1", AngleID: "g1", Type: model.PromptVideo, Text: "runner at dawn"},
		{ID: "p2", AngleID: "g1", Type: model.PromptImage, Text: "simulate_error"},
	}))

	code, env := e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/produce", map[string]any{"prompt_ids": []string{"p1", "p2"}})
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	res := decode[production.ProduceResult](t, env.Data)
	assert.Equal(t, 1, res.Submitted)
	assert.Equal(t, 1, res.Failed)

	code, env = e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/check-status", nil)
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)
	check := decode[production.CheckResult](t, env.Data)
	assert.Equal(t, 1, check.Completed)

	st, _ := e.store.Get(id)
	assert.Equal(t, model.PromptDone, st.PromptByID("p1").Status)
	assert.True(t, strings.HasSuffix(st.PromptByID("p1").ResultURL, ".mp4"))
	assert.Equal(t, model.PromptFailed, st.PromptByID("p2").Status)
	assert.Len(t, st.Outputs, 1)
}

func TestLifecycleOverHTTP(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	id := createCampaign(t, e)
	base := "/api/v1/campaigns/" + id

	code, _ := e.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, code)

	code, env := e.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	assert.Equal(t, "paused", env.Error.Details["current_status"])

	code, env = e.do(t, http.MethodPost, base+"/stages/research", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CAMPAIGN_INACTIVE", env.Error.Code)

	code, _ = e.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[struct {
		Total int `json:"total"`
	}](t, env.Data)
	assert.Zero(t, list.Total, "archived campaigns are hidden by default")

	code, env = e.do(t, http.MethodGet, "/api/v1/campaigns?include_archived=true", nil)
	require.Equal(t, http.StatusOK, code)
	list = decode[struct {
		Total int `json:"total"`
	}](t, env.Data)
	assert.Equal(t, 1, list.Total)

	code, env = e.do(t, http.MethodPost, base+"/recover", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.CampaignInProgress, decode[model.Campaign](t, env.Data).Status)

	code, _ = e.do(t, http.MethodDelete, base+"?permanent=true", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSignedCallbackRejectsMissingToken(t *testing.T) {
	signer := webhook.NewSigner("http://localhost:8080/api/v1", "s3cret", time.Hour)
	e := setupTestRouter(t, nil, signer)
	id := createCampaign(t, e)

	body := map[string]any{"code": 200, "data": map[string]any{"taskId": "job-1", "state": "success", "resultUrls": []string{"http://x/a.png"}}}
	code, env := e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/generate-images/callback", body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_CALLBACK_TOKEN", env.Error.Code)

	token, err := signer.Token(id)
	require.NoError(t, err)
	code, env = e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/generate-images/callback?token="+token, body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.ReasonUnknownJob, decode[production.Outcome](t, env.Data).Reason)

	code, env = e.do(t, http.MethodPost, "/api/v1/campaigns/unknown/generate-images/callback", body)
	assert.Equal(t, http.StatusUnauthorized, code, "token is checked before the campaign lookup")
}

func TestMockCallbackRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	mock := provider.NewMockClient(50*time.Millisecond, logger, provider.WithCallbacks(true))
	defer mock.Close()
	e := setupTestRouter(t, mock, webhook.NewSigner(srv.URL+"/api/v1", "s3cret", time.Hour))
	handler = e.router

	id := createCampaign(t, e)
	ctx := context.Background()
	require.NoError(t, e.store.SetResearchAndArchetypes(ctx, id, store.ResearchResult{
		Research:   []byte(`{}`),
		Archetypes: []model.Archetype{{ID: "a1", Name: "Beginner"}},
	}))
	require.NoError(t, e.store.AddAngles(ctx, id, []model.Angle{{ID: "g1", ArchetypeID: "a1", Name: "Hook"}}))
	require.NoError(t, e.store.AddPrompts(ctx, id, []model.ContentPrompt{{ID: "p1", AngleID: "g1", Type: model.PromptImage, Text: "runner at dawn"}}))

	code, env := e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/produce", map[string]any{"prompt_ids": []string{"p1"}})
	require.Equal(t, http.StatusOK, code, "error=%v", env.Error)

	require.Eventually(t, func() bool {
		st, _ := e.store.Get(id)
		return st.PromptByID("p1").Status == model.PromptDone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventStreamReplaysBacklog(t *testing.T) {
	e := setupTestRouter(t, nil, nil)
	id := createCampaign(t, e)
	code, _ := e.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+id+"/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, body, "event: campaign_created", "events up to Last-Event-ID are skipped")
	assert.Contains(t, body, "id: 2\nevent: campaign_status")
}
