package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adstudio/server/internal/httpretry"
	"adstudio/server/internal/model"

	"go.uber.org/zap"
)

type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	ImageModel  string
	VideoModel  string
	Timeout     time.Duration
	PollRetries int
}

// HTTPClient talks to the generation service's task API. Submissions are
// sent once; status reads go through a retrying client.
type HTTPClient struct {
	cfg    HTTPConfig
	submit httpretry.Doer
	poll   httpretry.Doer
	log    *zap.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	base := &http.Client{Timeout: cfg.Timeout}
	log := logger.Named("generation")
	return &HTTPClient{
		cfg:    cfg,
		submit: base,
		poll:   httpretry.New(base, cfg.PollRetries, httpretry.WithLogger(log)),
		log:    log,
	}
}

type createTaskInput struct {
	Prompt    string   `json:"prompt"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type createTaskRequest struct {
	Model       string          `json:"model"`
	CallBackURL string          `json:"callBackUrl,omitempty"`
	Input       createTaskInput `json:"input"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &Error{Category: "validation", Code: "EMPTY_PROMPT", UserMessage: "Prompt text is empty"}
	}
	modelName := c.cfg.ImageModel
	if req.Type == model.PromptVideo {
		modelName = c.cfg.VideoModel
	}
	body := createTaskRequest{
		Model:       modelName,
		CallBackURL: req.CallbackURL,
		Input:       createTaskInput{Prompt: req.Prompt},
	}
	if req.ReferenceImageURL != "" {
		body.Input.ImageURLs = []string{req.ReferenceImageURL}
	}

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := c.call(ctx, c.submit, http.MethodPost, "/api/v1/jobs/createTask", body, &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", &Error{Category: "upstream", Code: "NO_TASK_ID", UserMessage: "Generation service returned no task id"}
	}
	c.log.Info("generation_submitted",
		zap.String("campaign_id", req.CampaignID),
		zap.String("prompt_id", req.PromptID),
		zap.String("job_id", data.TaskID),
		zap.String("model", modelName),
	)
	return data.TaskID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var data CallbackData
	path := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(jobID)
	if err := c.call(ctx, c.poll, http.MethodGet, path, nil, &data); err != nil {
		return JobStatus{}, err
	}
	if data.TaskID == "" {
		data.TaskID = jobID
	}
	return CallbackPayload{Code: http.StatusOK, Data: data}.Status(), nil
}

func (c *HTTPClient) call(ctx context.Context, doer httpretry.Doer, method, path string, in, out any) error {
	var body io.Reader
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := doer.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Category: "canceled", Code: "CANCELED", UserMessage: "Request canceled", InternalMessage: err.Error()}
		}
		return &Error{Category: "network", Code: "UPSTREAM_UNREACHABLE", Retryable: true, UserMessage: "Generation service unreachable", InternalMessage: err.Error()}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Category: "network", Code: "UPSTREAM_READ", Retryable: true, UserMessage: "Generation service response was cut off", InternalMessage: err.Error()}
	}
	if resp.StatusCode >= 300 {
		return &Error{
			Category:        "upstream",
			Code:            fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Retryable:       httpretry.Retryable(resp.StatusCode),
			UserMessage:     upstreamMessage(payload, resp.Status),
			InternalMessage: truncate(string(payload), 512),
		}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &Error{Category: "upstream", Code: "BAD_RESPONSE", UserMessage: "Generation service returned an unreadable response", InternalMessage: err.Error()}
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return &Error{
			Category:        "upstream",
			Code:            fmt.Sprintf("API_%d", env.Code),
			Retryable:       httpretry.Retryable(env.Code),
			UserMessage:     firstNonEmpty(env.Msg, "Generation service rejected the request"),
			InternalMessage: truncate(string(payload), 512),
		}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Category: "upstream", Code: "BAD_RESPONSE", UserMessage: "Generation service returned an unreadable response", InternalMessage: err.Error()}
		}
	}
	return nil
}

func upstreamMessage(body []byte, status string) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Msg != "" {
		return env.Msg
	}
	return "Generation service error: " + status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
