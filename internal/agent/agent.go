// Package agent runs the opaque AI stage agents that feed the content
// pipeline. A Runner takes a stage input and returns the stage's JSON reply;
// the pipeline decodes it into the typed outputs defined here.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Stage string

const (
	StageResearch Stage = "research"
	StageAngles   Stage = "angles"
	StagePrompts  Stage = "prompts"
)

func ParseStage(s string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageResearch:
		return StageResearch, true
	case StageAngles:
		return StageAngles, true
	case StagePrompts:
		return StagePrompts, true
	}
	return "", false
}

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrNoJSON       = errors.New("agent reply contains no JSON object")
)

type Runner interface {
	RunStage(ctx context.Context, stage Stage, input any) (json.RawMessage, error)
}

type ResearchInput struct {
	CampaignName    string   `json:"campaign_name"`
	Brief           string   `json:"brief"`
	CoreMessage     string   `json:"core_message,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
}

type ArchetypeDraft struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Content     json.RawMessage `json:"content,omitempty"`
}

type ResearchOutput struct {
	Research      json.RawMessage  `json:"research"`
	Opportunities json.RawMessage  `json:"opportunities,omitempty"`
	Positioning   json.RawMessage  `json:"positioning,omitempty"`
	Archetypes    []ArchetypeDraft `json:"archetypes"`
}

type AnglesInput struct {
	CampaignName string          `json:"campaign_name"`
	Brief        string          `json:"brief"`
	CoreMessage  string          `json:"core_message,omitempty"`
	Research     json.RawMessage `json:"research,omitempty"`
	Archetype    ArchetypeDraft  `json:"archetype"`
}

type AngleDraft struct {
	Name    string          `json:"name"`
	Hook    string          `json:"hook"`
	Content json.RawMessage `json:"content,omitempty"`
}

type AnglesOutput struct {
	Angles []AngleDraft `json:"angles"`
}

type PromptsInput struct {
	CampaignName string     `json:"campaign_name"`
	Brief        string     `json:"brief"`
	CoreMessage  string     `json:"core_message,omitempty"`
	Archetype    string     `json:"archetype"`
	Angle        AngleDraft `json:"angle"`
	Images       int        `json:"images"`
	Videos       int        `json:"videos"`
}

type PromptDraft struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type PromptsOutput struct {
	Prompts []PromptDraft `json:"prompts"`
}

var instructions = map[Stage]string{
	StageResearch: `You are a senior performance-marketing strategist for Meta ads.
Research the market for the campaign described in the user message.
Reply with one JSON object and nothing else:
{"research": {...market, audience and competitor notes...},
 "opportunities": {...gaps worth attacking...},
 "positioning": {...recommended positioning...},
 "archetypes": [{"name": "...", "description": "...", "content": {...}}]}
Return between 3 and 6 archetypes.`,
	StageAngles: `You are a creative director writing Meta ad angles.
For the archetype in the user message, propose distinct creative angles.
Reply with one JSON object and nothing else:
{"angles": [{"name": "...", "hook": "...", "content": {...}}]}
Return between 2 and 4 angles.`,
	StagePrompts: `You write prompts for image and video generation models.
For the angle in the user message write exactly "images" image prompts and
exactly "videos" video prompts. Each prompt must stand alone.
Reply with one JSON object and nothing else:
{"prompts": [{"type": "image"|"video", "text": "..."}]}`,
}

// TextModel is a chat model that answers a single system + user turn.
type TextModel interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// ModelRunner turns a TextModel into a stage Runner.
type ModelRunner struct {
	model TextModel
	log   *zap.Logger
}

func NewModelRunner(model TextModel, logger *zap.Logger) *ModelRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelRunner{model: model, log: logger.Named("agent")}
}

func (r *ModelRunner) RunStage(ctx context.Context, stage Stage, input any) (json.RawMessage, error) {
	system, ok := instructions[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	body, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", stage, err)
	}
	start := time.Now()
	text, err := r.model.Complete(ctx, system, string(body))
	if err != nil {
		return nil, fmt.Errorf("%s agent (%s): %w", stage, r.model.Name(), err)
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		r.log.Warn("agent reply unusable",
			zap.String("stage", string(stage)),
			zap.String("model", r.model.Name()),
			zap.Int("reply_bytes", len(text)),
		)
		return nil, fmt.Errorf("%s agent: %w", stage, err)
	}
	r.log.Info("agent_stage_completed",
		zap.String("stage", string(stage)),
		zap.String("model", r.model.Name()),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	return raw, nil
}

// ExtractJSON returns the first JSON object in text, tolerating markdown
// fences and prose around it.
func ExtractJSON(text string) (json.RawMessage, error) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return raw, nil
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, ErrNoJSON
}
