// Package pipeline runs the three content stages of a campaign: research,
// angles and prompts. Each stage calls the stage agent, validates its reply
// and writes the result to the campaign store in a single mutation. A failed
// agent call or a malformed reply aborts the stage without writing anything.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"adstudio/server/internal/agent"
	"adstudio/server/internal/events"
	"adstudio/server/internal/lifecycle"
	"adstudio/server/internal/model"
	"adstudio/server/internal/store"
	"adstudio/server/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultParallel = 4

var (
	ErrPrecondition     = errors.New("stage precondition not met")
	ErrCampaignInactive = store.ErrCampaignInactive
	ErrAgentFailed      = errors.New("stage agent failed")
)

type StageResult struct {
	Stage      agent.Stage `json:"stage"`
	CampaignID string      `json:"campaign_id"`
	Created    int         `json:"created"`
	IDs        []string    `json:"ids"`
}

type Runner struct {
	store     *store.CampaignStore
	agent     agent.Runner
	lifecycle *lifecycle.Controller
	hub       *events.Hub
	metrics   *telemetry.Metrics
	log       *zap.Logger
	parallel  int
}

func NewRunner(st *store.CampaignStore, ag agent.Runner, lc *lifecycle.Controller, hub *events.Hub, metrics *telemetry.Metrics, logger *zap.Logger, parallel int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallel <= 0 {
		parallel = defaultParallel
	}
	return &Runner{
		store:     st,
		agent:     ag,
		lifecycle: lc,
		hub:       hub,
		metrics:   metrics,
		log:       logger.Named("pipeline"),
		parallel:  parallel,
	}
}

// Run dispatches to the runner for stage.
func (r *Runner) Run(ctx context.Context, campaignID string, stage agent.Stage) (StageResult, error) {
	switch stage {
	case agent.StageResearch:
		return r.RunResearch(ctx, campaignID)
	case agent.StageAngles:
		return r.RunAngles(ctx, campaignID)
	case agent.StagePrompts:
		return r.RunPrompts(ctx, campaignID)
	}
	return StageResult{}, fmt.Errorf("%w: %s", agent.ErrUnknownStage, stage)
}

// RunResearch generates market research and audience archetypes. A draft
// campaign moves to in_progress once the result is stored.
func (r *Runner) RunResearch(ctx context.Context, campaignID string) (res StageResult, err error) {
	defer r.observe(ctx, agent.StageResearch, campaignID, time.Now(), &res, &err)

	st, err := r.load(ctx, campaignID)
	if err != nil {
		return StageResult{}, err
	}
	in := agent.ResearchInput{
		CampaignName: st.Campaign.Name,
		Brief:        st.Campaign.Brief,
		CoreMessage:  st.Campaign.CoreMessage,
	}
	for _, img := range st.Campaign.ReferenceImages {
		in.ReferenceImages = append(in.ReferenceImages, img.URL)
	}

	var out agent.ResearchOutput
	if err := r.call(ctx, agent.StageResearch, in, &out); err != nil {
		return StageResult{}, err
	}
	if len(out.Research) == 0 || len(out.Archetypes) == 0 {
		return StageResult{}, fmt.Errorf("%w: research reply has no research or archetypes", ErrAgentFailed)
	}

	result := store.ResearchResult{
		Research:      out.Research,
		Opportunities: out.Opportunities,
		Positioning:   out.Positioning,
	}
	ids := make([]string, 0, len(out.Archetypes))
	for i, d := range out.Archetypes {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return StageResult{}, fmt.Errorf("%w: archetype %d has no name", ErrAgentFailed, i)
		}
		a := model.Archetype{ID: uuid.NewString(), Name: name, Description: d.Description, Content: d.Content}
		ids = append(ids, a.ID)
		result.Archetypes = append(result.Archetypes, a)
	}
	if err := r.store.SetResearchAndArchetypes(ctx, campaignID, result); err != nil {
		return StageResult{}, err
	}

	if st.Campaign.Status == model.CampaignDraft && r.lifecycle != nil {
		if _, err := r.lifecycle.Start(ctx, campaignID); err != nil {
			r.log.Warn("campaign_start_failed", zap.String("campaign_id", campaignID), zap.Error(err))
		}
	}
	return StageResult{Stage: agent.StageResearch, CampaignID: campaignID, Created: len(ids), IDs: ids}, nil
}

// RunAngles generates creative angles for every selected archetype.
func (r *Runner) RunAngles(ctx context.Context, campaignID string) (res StageResult, err error) {
	defer r.observe(ctx, agent.StageAngles, campaignID, time.Now(), &res, &err)

	st, err := r.load(ctx, campaignID)
	if err != nil {
		return StageResult{}, err
	}
	selected := st.SelectedArchetypes()
	if len(selected) == 0 {
		return StageResult{}, fmt.Errorf("%w: select at least one archetype", ErrPrecondition)
	}

	perArchetype := make([][]model.Angle, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, a := range selected {
		g.Go(func() error {
			in := agent.AnglesInput{
				CampaignName: st.Campaign.Name,
				Brief:        st.Campaign.Brief,
				CoreMessage:  st.Campaign.CoreMessage,
				Research:     st.Research,
				Archetype:    agent.ArchetypeDraft{Name: a.Name, Description: a.Description, Content: a.Content},
			}
			var out agent.AnglesOutput
			if err := r.call(gctx, agent.StageAngles, in, &out); err != nil {
				return fmt.Errorf("archetype %s: %w", a.Name, err)
			}
			for _, d := range out.Angles {
				name := strings.TrimSpace(d.Name)
				if name == "" {
					return fmt.Errorf("%w: archetype %s: angle without a name", ErrAgentFailed, a.Name)
				}
				perArchetype[i] = append(perArchetype[i], model.Angle{
					ID:          uuid.NewString(),
					ArchetypeID: a.ID,
					Name:        name,
					Hook:        d.Hook,
					Content:     d.Content,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StageResult{}, err
	}

	var angles []model.Angle
	for _, batch := range perArchetype {
		angles = append(angles, batch...)
	}
	if len(angles) == 0 {
		return StageResult{}, fmt.Errorf("%w: no angles returned", ErrAgentFailed)
	}
	if err := r.store.AddAngles(ctx, campaignID, angles); err != nil {
		return StageResult{}, err
	}
	ids := make([]string, len(angles))
	for i, a := range angles {
		ids[i] = a.ID
	}
	return StageResult{Stage: agent.StageAngles, CampaignID: campaignID, Created: len(angles), IDs: ids}, nil
}

// RunPrompts writes draft generation prompts for every angle with a non-zero
// image or video request. Replies are capped to the requested counts.
func (r *Runner) RunPrompts(ctx context.Context, campaignID string) (res StageResult, err error) {
	defer r.observe(ctx, agent.StagePrompts, campaignID, time.Now(), &res, &err)

	st, err := r.load(ctx, campaignID)
	if err != nil {
		return StageResult{}, err
	}
	angles := st.RequestedAngles()
	if len(angles) == 0 {
		return StageResult{}, fmt.Errorf("%w: request images or videos for at least one angle", ErrPrecondition)
	}

	perAngle := make([][]model.ContentPrompt, len(angles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, ang := range angles {
		g.Go(func() error {
			archetype := ""
			if a := st.ArchetypeByID(ang.ArchetypeID); a != nil {
				archetype = a.Name
			}
			in := agent.PromptsInput{
				CampaignName: st.Campaign.Name,
				Brief:        st.Campaign.Brief,
				CoreMessage:  st.Campaign.CoreMessage,
				Archetype:    archetype,
				Angle:        agent.AngleDraft{Name: ang.Name, Hook: ang.Hook, Content: ang.Content},
				Images:       ang.ImagesRequested,
				Videos:       ang.VideosRequested,
			}
			var out agent.PromptsOutput
			if err := r.call(gctx, agent.StagePrompts, in, &out); err != nil {
				return fmt.Errorf("angle %s: %w", ang.Name, err)
			}
			perAngle[i] = capPrompts(ang, out.Prompts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StageResult{}, err
	}

	var prompts []model.ContentPrompt
	for _, batch := range perAngle {
		prompts = append(prompts, batch...)
	}
	if len(prompts) == 0 {
		return StageResult{}, fmt.Errorf("%w: no prompts returned", ErrAgentFailed)
	}
	if err := r.store.AddPrompts(ctx, campaignID, prompts); err != nil {
		return StageResult{}, err
	}
	ids := make([]string, len(prompts))
	for i, p := range prompts {
		ids[i] = p.ID
	}
	return StageResult{Stage: agent.StagePrompts, CampaignID: campaignID, Created: len(prompts), IDs: ids}, nil
}

// capPrompts keeps at most the requested number of prompts per type and
// drops blank or unknown entries.
func capPrompts(ang model.Angle, drafts []agent.PromptDraft) []model.ContentPrompt {
	limit := map[model.PromptType]int{
		model.PromptImage: ang.ImagesRequested,
		model.PromptVideo: ang.VideosRequested,
	}
	var out []model.ContentPrompt
	for _, d := range drafts {
		typ := model.PromptType(strings.ToLower(strings.TrimSpace(d.Type)))
		text := strings.TrimSpace(d.Text)
		if !typ.Valid() || text == "" || limit[typ] == 0 {
			continue
		}
		limit[typ]--
		out = append(out, model.ContentPrompt{
			ID:      uuid.NewString(),
			AngleID: ang.ID,
			Type:    typ,
			Text:    text,
		})
	}
	return out
}

func (r *Runner) load(ctx context.Context, campaignID string) (model.CampaignState, error) {
	st, ok := r.store.GetAsync(ctx, campaignID)
	if !ok {
		return model.CampaignState{}, fmt.Errorf("campaign %s: %w", campaignID, store.ErrNotFound)
	}
	switch st.Campaign.Status {
	case model.CampaignPaused, model.CampaignArchived:
		return model.CampaignState{}, fmt.Errorf("%w: status is %s", ErrCampaignInactive, st.Campaign.Status)
	}
	return st, nil
}

func (r *Runner) call(ctx context.Context, stage agent.Stage, in, out any) error {
	raw, err := r.agent.RunStage(ctx, stage, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAgentFailed, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s reply: %v", ErrAgentFailed, stage, err)
	}
	return nil
}

func (r *Runner) observe(ctx context.Context, stage agent.Stage, campaignID string, start time.Time, res *StageResult, err *error) {
	result := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, ErrPrecondition), errors.Is(*err, ErrCampaignInactive), errors.Is(*err, store.ErrNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	r.metrics.Stage(string(stage), result)

	fields := []zap.Field{
		zap.String("campaign_id", campaignID),
		zap.String("stage", string(stage)),
		zap.String("result", result),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		zap.String("trace_id", telemetry.TraceID(ctx)),
	}
	if *err != nil {
		r.log.Warn("stage_failed", append(fields, zap.Error(*err))...)
		return
	}
	r.log.Info("stage_completed", append(fields, zap.Int("created", res.Created))...)
	if r.hub != nil {
		r.hub.Publish(model.CampaignEvent{
			TraceID:    telemetry.TraceID(ctx),
			CampaignID: campaignID,
			Type:       model.EventStageCompleted,
			Payload:    map[string]any{"stage": stage, "created": res.Created},
		})
	}
}
