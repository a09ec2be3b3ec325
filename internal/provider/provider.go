package provider

import (
	"context"
	"errors"
	"fmt"

	"adstudio/server/internal/model"
)

// Error is a failure reported by, or while talking to, the generation
// service. UserMessage is what gets recorded on the prompt.
type Error struct {
	Category        string
	Code            string
	Retryable       bool
	UserMessage     string
	InternalMessage string
}

func (e *Error) Error() string {
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.InternalMessage)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.UserMessage)
}

// UserMessage returns the message to record for err.
func UserMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.UserMessage != "" {
		return pe.UserMessage
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

type SubmitRequest struct {
	CampaignID        string
	PromptID          string
	Type              model.PromptType
	Prompt            string
	ReferenceImageURL string
	CallbackURL       string
}

type JobState string

const (
	StatePending JobState = "pending"
	StateRunning JobState = "running"
	StateSuccess JobState = "success"
	StateFail    JobState = "fail"
)

func (s JobState) Terminal() bool {
	return s == StateSuccess || s == StateFail
}

type JobStatus struct {
	JobID      string
	State      JobState
	ResultURLs []string
	Error      string
}

// ResultURL is the first result asset, if any.
func (s JobStatus) ResultURL() string {
	if len(s.ResultURLs) == 0 {
		return ""
	}
	return s.ResultURLs[0]
}

// Client is the asynchronous generation service. Submit returns the job id
// the service assigned; completion arrives later by callback or GetStatus.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (JobStatus, error)
}
