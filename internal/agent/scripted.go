package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ScriptedRunner answers every stage with deterministic content derived from
// the input. It backs local development and tests. Failures can be injected
// per stage with FailStage.
type ScriptedRunner struct {
	mu    sync.Mutex
	fails map[Stage]error
	calls map[Stage]int
}

func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{fails: map[Stage]error{}, calls: map[Stage]int{}}
}

// FailStage makes every later call for stage return err. A nil err clears it.
func (r *ScriptedRunner) FailStage(stage Stage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fails, stage)
		return
	}
	r.fails[stage] = err
}

func (r *ScriptedRunner) Calls(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

func (r *ScriptedRunner) RunStage(ctx context.Context, stage Stage, input any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls[stage]++
	err := r.fails[stage]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out any
	switch stage {
	case StageResearch:
		in, ok := input.(ResearchInput)
		if !ok {
			return nil, fmt.Errorf("scripted research: unexpected input %T", input)
		}
		out = scriptResearch(in)
	case StageAngles:
		in, ok := input.(AnglesInput)
		if !ok {
			return nil, fmt.Errorf("scripted angles: unexpected input %T", input)
		}
		out = scriptAngles(in)
	case StagePrompts:
		in, ok := input.(PromptsInput)
		if !ok {
			return nil, fmt.Errorf("scripted prompts: unexpected input %T", input)
		}
		out = scriptPrompts(in)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return json.Marshal(out)
}

func scriptResearch(in ResearchInput) ResearchOutput {
	obj := func(v map[string]any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	names := []string{"Curious Beginner", "Busy Professional", "Value Seeker"}
	archetypes := make([]ArchetypeDraft, 0, len(names))
	for _, n := range names {
		archetypes = append(archetypes, ArchetypeDraft{
			Name:        n,
			Description: fmt.Sprintf("%s interested in %s", n, in.CampaignName),
			Content:     obj(map[string]any{"pain_points": []string{"time", "price"}, "channel": "instagram"}),
		})
	}
	return ResearchOutput{
		Research:      obj(map[string]any{"summary": "Market notes for " + in.CampaignName, "brief": in.Brief}),
		Opportunities: obj(map[string]any{"gaps": []string{"short-form video", "social proof"}}),
		Positioning:   obj(map[string]any{"statement": firstNonBlank(in.CoreMessage, in.Brief)}),
		Archetypes:    archetypes,
	}
}

func scriptAngles(in AnglesInput) AnglesOutput {
	return AnglesOutput{Angles: []AngleDraft{
		{Name: in.Archetype.Name + ": problem first", Hook: "Still struggling? " + firstNonBlank(in.CoreMessage, in.CampaignName)},
		{Name: in.Archetype.Name + ": social proof", Hook: "Thousands already switched to " + in.CampaignName},
	}}
}

func scriptPrompts(in PromptsInput) PromptsOutput {
	var out PromptsOutput
	for i := 0; i < in.Images; i++ {
		out.Prompts = append(out.Prompts, PromptDraft{
			Type: "image",
			Text: fmt.Sprintf("Photo ad %d for %s, angle %q, hook %q, bright natural light", i+1, in.CampaignName, in.Angle.Name, in.Angle.Hook),
		})
	}
	for i := 0; i < in.Videos; i++ {
		out.Prompts = append(out.Prompts, PromptDraft{
			Type: "video",
			Text: fmt.Sprintf("8 second vertical video ad %d for %s, angle %q", i+1, in.CampaignName, in.Angle.Name),
		})
	}
	return out
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
