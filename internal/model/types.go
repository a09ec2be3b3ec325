package model

import (
	"encoding/json"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignPaused     CampaignStatus = "paused"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignArchived   CampaignStatus = "archived"
)

type ReferenceImage struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Name      string    `json:"name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Campaign struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Brief              string           `json:"brief"`
	CoreMessage        string           `json:"core_message"`
	Status             CampaignStatus   `json:"status"`
	PreviousStatus     CampaignStatus   `json:"previous_status,omitempty"`
	ReferenceImages    []ReferenceImage `json:"reference_images"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
	DeletedPermanently bool             `json:"deleted_permanently,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type Archetype struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Selected    bool            `json:"selected"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Angle struct {
	ID              string          `json:"id"`
	ArchetypeID     string          `json:"archetype_id"`
	Name            string          `json:"name"`
	Hook            string          `json:"hook,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	ImagesRequested int             `json:"images_requested"`
	VideosRequested int             `json:"videos_requested"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Requested reports whether stage 3 should generate prompts for the angle.
func (a Angle) Requested() bool {
	return a.ImagesRequested > 0 || a.VideosRequested > 0
}

type PromptType string

const (
	PromptImage PromptType = "image"
	PromptVideo PromptType = "video"
)

func (t PromptType) Valid() bool {
	return t == PromptImage || t == PromptVideo
}

type PromptStatus string

const (
	PromptDraft      PromptStatus = "draft"
	PromptQueued     PromptStatus = "queued"
	PromptGenerating PromptStatus = "generating"
	PromptDone       PromptStatus = "done"
	PromptFailed     PromptStatus = "failed"
)

var promptTransitions = map[PromptStatus][]PromptStatus{
	PromptDraft:      {PromptQueued},
	PromptQueued:     {PromptGenerating, PromptFailed},
	PromptGenerating: {PromptDone, PromptFailed},
}

// CanTransition reports whether a prompt may move from s to next. Terminal
// statuses have no outgoing edges.
func (s PromptStatus) CanTransition(next PromptStatus) bool {
	for _, allowed := range promptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PromptStatus) Terminal() bool {
	return s == PromptDone || s == PromptFailed
}

type ContentPrompt struct {
	ID                string       `json:"id"`
	AngleID           string       `json:"angle_id"`
	Type              PromptType   `json:"type"`
	Text              string       `json:"text"`
	Status            PromptStatus `json:"status"`
	ExternalJobID     string       `json:"external_job_id,omitempty"`
	ResultURL         string       `json:"result_url,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	ReferenceImageURL string       `json:"reference_image_url,omitempty"`
	Selected          bool         `json:"selected"`
	SubmittedAt       time.Time    `json:"submitted_at,omitempty"`
	CompletedAt       time.Time    `json:"completed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type Feedback string

const (
	FeedbackPending  Feedback = "pending"
	FeedbackApproved Feedback = "approved"
	FeedbackRejected Feedback = "rejected"
)

func (f Feedback) Valid() bool {
	return f == FeedbackPending || f == FeedbackApproved || f == FeedbackRejected
}

type GeneratedContent struct {
	ID                string     `json:"id"`
	PromptID          string     `json:"prompt_id"`
	Type              PromptType `json:"type"`
	URL               string     `json:"url"`
	SourceURL         string     `json:"source_url,omitempty"`
	EditedURL         string     `json:"edited_url,omitempty"`
	ClientFeedback    Feedback   `json:"client_feedback"`
	FeedbackNote      string     `json:"feedback_note,omitempty"`
	ApprovedForClient bool       `json:"approved_for_client"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CampaignState is the aggregate held by the campaign store. Nested entities
// reference each other by id only.
type CampaignState struct {
	Campaign      Campaign           `json:"campaign"`
	Research      json.RawMessage    `json:"research,omitempty"`
	Opportunities json.RawMessage    `json:"opportunities,omitempty"`
	Positioning   json.RawMessage    `json:"positioning,omitempty"`
	Archetypes    []Archetype        `json:"archetypes"`
	Angles        []Angle            `json:"angles"`
	Prompts       []ContentPrompt    `json:"prompts"`
	Outputs       []GeneratedContent `json:"outputs"`
	Version       int64              `json:"version"`
}

type EventType string

const (
	EventCampaignCreated  EventType = "campaign_created"
	EventCampaignStatus   EventType = "campaign_status"
	EventStageCompleted   EventType = "stage_completed"
	EventPromptQueued     EventType = "prompt_queued"
	EventPromptGenerating EventType = "prompt_generating"
	EventPromptDone       EventType = "prompt_done"
	EventPromptFailed     EventType = "prompt_failed"
	EventOutputFeedback   EventType = "output_feedback"
)

type CampaignEvent struct {
	EventID    string         `json:"event_id"`
	Seq        int64          `json:"seq"`
	TraceID    string         `json:"trace_id,omitempty"`
	CampaignID string         `json:"campaign_id"`
	Type       EventType      `json:"type"`
	TS         time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload"`
}
