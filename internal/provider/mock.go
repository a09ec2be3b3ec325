package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"adstudio/server/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockClient stands in for the generation service in development. Jobs
// finish after Delay; with callbacks enabled the result is also posted to
// the job's callback URL. A prompt containing "simulate_error" is rejected
// at submission, and one containing "simulate_fail" fails at completion.
type MockClient struct {
	delay     time.Duration
	callbacks bool
	http      *http.Client
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]mockJob
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type mockJob struct {
	req       SubmitRequest
	createdAt time.Time
}

type MockOption func(*MockClient)

func WithCallbacks(enabled bool) MockOption {
	return func(m *MockClient) { m.callbacks = enabled }
}

func WithMockClock(now func() time.Time) MockOption {
	return func(m *MockClient) { m.now = now }
}

func NewMockClient(delay time.Duration, logger *zap.Logger, opts ...MockOption) *MockClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MockClient{
		delay: delay,
		http:  &http.Client{Timeout: 10 * time.Second},
		log:   logger.Named("mock_generation"),
		now:   time.Now,
		jobs:  map[string]mockJob{},
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Category: "canceled", Code: "CANCELED", UserMessage: "Request canceled", InternalMessage: err.Error()}
	}
	if strings.Contains(req.Prompt, "simulate_error") {
		return "", &Error{
			Category:        "network",
			Code:            "UPSTREAM_5XX",
			Retryable:       true,
			UserMessage:     "Service temporarily unavailable",
			InternalMessage: "mock simulate_error",
		}
	}
	jobID := "mock-" + uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &Error{Category: "network", Code: "CLOSED", UserMessage: "Generation service unavailable"}
	}
	m.jobs[jobID] = mockJob{req: req, createdAt: m.now()}
	if m.callbacks && req.CallbackURL != "" {
		m.wg.Add(1)
		go m.deliver(jobID, req)
	}
	return jobID, nil
}

func (m *MockClient) GetStatus(_ context.Context, jobID string) (JobStatus, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, &Error{Category: "upstream", Code: "NOT_FOUND", UserMessage: "Unknown generation job"}
	}
	if m.now().Sub(job.createdAt) < m.delay {
		return JobStatus{JobID: jobID, State: StateRunning}, nil
	}
	return m.result(jobID, job.req).Status(), nil
}

// Close stops pending callback deliveries and waits for them to return.
func (m *MockClient) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *MockClient) result(jobID string, req SubmitRequest) CallbackPayload {
	if strings.Contains(req.Prompt, "simulate_fail") {
		return CallbackPayload{Code: 501, Msg: "generation failed", Data: CallbackData{
			TaskID: jobID, State: "fail", FailMsg: "mock content policy rejection",
		}}
	}
	ext := "png"
	if req.Type == model.PromptVideo {
		ext = "mp4"
	}
	return CallbackPayload{Code: http.StatusOK, Msg: "success", Data: CallbackData{
		TaskID:     jobID,
		State:      "success",
		ResultURLs: []string{fmt.Sprintf("https://mock.adstudio.local/outputs/%s.%s", jobID, ext)},
		CostTime:   m.delay.Milliseconds(),
	}}
}

func (m *MockClient) deliver(jobID string, req SubmitRequest) {
	defer m.wg.Done()
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-m.stop:
		return
	case <-timer.C:
	}

	body, err := json.Marshal(m.result(jobID, req))
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		m.log.Warn("mock callback build failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := m.http.Do(httpReq)
	if err != nil {
		m.log.Warn("mock callback failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	resp.Body.Close()
	m.log.Debug("mock callback delivered", zap.String("job_id", jobID), zap.Int("status", resp.StatusCode))
}
