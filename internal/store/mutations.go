package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"adstudio/server/internal/model"

	"github.com/google/uuid"
)

// MaxAssetsPerAngle bounds the image and video counts a client may request
// for a single angle.
const MaxAssetsPerAngle = 10

// requireActive rejects new pipeline or production work on a paused or
// archived campaign. It runs inside the mutation so a concurrent pause is
// always observed.
func requireActive(st *model.CampaignState) error {
	switch st.Campaign.Status {
	case model.CampaignPaused, model.CampaignArchived:
		return fmt.Errorf("%w: status is %s", ErrCampaignInactive, st.Campaign.Status)
	}
	return nil
}

type ResearchResult struct {
	Research      json.RawMessage
	Opportunities json.RawMessage
	Positioning   json.RawMessage
	Archetypes    []model.Archetype
}

// SetResearchAndArchetypes stores the stage 1 result in one write. Research
// and the auxiliary documents are written once; archetypes are appended.
func (s *CampaignStore) SetResearchAndArchetypes(ctx context.Context, id string, r ResearchResult) error {
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		if err := requireActive(st); err != nil {
			return err
		}
		if len(st.Research) == 0 {
			st.Research = r.Research
		}
		if len(st.Opportunities) == 0 {
			st.Opportunities = r.Opportunities
		}
		if len(st.Positioning) == 0 {
			st.Positioning = r.Positioning
		}
		now := s.now().UTC()
		for _, a := range r.Archetypes {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.Selected = false
			a.CreatedAt = now
			st.Archetypes = append(st.Archetypes, a)
		}
		return nil
	})
}

// UpdateArchetypeSelection replaces the selected set with exactly ids.
func (s *CampaignStore) UpdateArchetypeSelection(ctx context.Context, id string, ids []string) error {
	if ids == nil {
		return fmt.Errorf("%w: archetype_ids is required", ErrBadRequest)
	}
	want := make(map[string]bool, len(ids))
	for _, aid := range ids {
		want[aid] = true
	}
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		for aid := range want {
			if st.ArchetypeByID(aid) == nil {
				return fmt.Errorf("%w: unknown archetype %s", ErrBadRequest, aid)
			}
		}
		for i := range st.Archetypes {
			st.Archetypes[i].Selected = want[st.Archetypes[i].ID]
		}
		return nil
	})
}

func (s *CampaignStore) AddAngles(ctx context.Context, id string, angles []model.Angle) error {
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		if err := requireActive(st); err != nil {
			return err
		}
		now := s.now().UTC()
		for _, a := range angles {
			if st.ArchetypeByID(a.ArchetypeID) == nil {
				return fmt.Errorf("%w: angle references unknown archetype %s", ErrBadRequest, a.ArchetypeID)
			}
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.ImagesRequested = 0
			a.VideosRequested = 0
			a.CreatedAt = now
			st.Angles = append(st.Angles, a)
		}
		return nil
	})
}

// UpdateAngleCounts sets how many images and videos stage 3 should prompt
// for. Nil counts are left unchanged.
func (s *CampaignStore) UpdateAngleCounts(ctx context.Context, id, angleID string, images, videos *int) error {
	for _, n := range []*int{images, videos} {
		if n != nil && (*n < 0 || *n > MaxAssetsPerAngle) {
			return fmt.Errorf("%w: counts must be between 0 and %d", ErrBadRequest, MaxAssetsPerAngle)
		}
	}
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		a := st.AngleByID(angleID)
		if a == nil {
			return fmt.Errorf("%w: angle %s", ErrNotFound, angleID)
		}
		if images != nil {
			a.ImagesRequested = *images
		}
		if videos != nil {
			a.VideosRequested = *videos
		}
		return nil
	})
}

// AddPrompts appends prompts in draft status.
func (s *CampaignStore) AddPrompts(ctx context.Context, id string, prompts []model.ContentPrompt) error {
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		if err := requireActive(st); err != nil {
			return err
		}
		now := s.now().UTC()
		for _, p := range prompts {
			if st.AngleByID(p.AngleID) == nil {
				return fmt.Errorf("%w: prompt references unknown angle %s", ErrBadRequest, p.AngleID)
			}
			if !p.Type.Valid() {
				return fmt.Errorf("%w: prompt type %q", ErrBadRequest, p.Type)
			}
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			p.Status = model.PromptDraft
			p.Selected = false
			p.ExternalJobID = ""
			p.ResultURL = ""
			p.ErrorMessage = ""
			p.CreatedAt = now
			p.UpdatedAt = now
			st.Prompts = append(st.Prompts, p)
		}
		return nil
	})
}

// UpdatePromptText edits a draft prompt's text or reference image override.
func (s *CampaignStore) UpdatePromptText(ctx context.Context, id, promptID string, text, referenceURL *string) error {
	if text != nil && strings.TrimSpace(*text) == "" {
		return fmt.Errorf("%w: prompt text cannot be empty", ErrBadRequest)
	}
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		p := st.PromptByID(promptID)
		if p == nil {
			return fmt.Errorf("%w: prompt %s", ErrNotFound, promptID)
		}
		if p.Status != model.PromptDraft {
			return fmt.Errorf("%w: prompt %s is %s, only draft prompts can be edited", ErrInvalidState, promptID, p.Status)
		}
		if text != nil {
			p.Text = *text
		}
		if referenceURL != nil {
			p.ReferenceImageURL = strings.TrimSpace(*referenceURL)
		}
		p.UpdatedAt = s.now().UTC()
		return nil
	})
}

type QueuedPrompt struct {
	PromptID          string
	Type              model.PromptType
	Text              string
	ReferenceImageURL string
}

type SkippedPrompt struct {
	PromptID string `json:"prompt_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

// QueuePrompts moves the draft prompts named in promptIDs to queued and marks
// them selected. A paused or archived campaign is rejected with
// ErrCampaignInactive. Selection is by membership in promptIDs only; previously
// stored selection flags are ignored. Prompts in any other status are
// reported as skipped.
func (s *CampaignStore) QueuePrompts(ctx context.Context, id string, promptIDs []string) ([]QueuedPrompt, []SkippedPrompt, error) {
	var queued []QueuedPrompt
	var skipped []SkippedPrompt
	err := s.Mutate(ctx, id, func(st *model.CampaignState) error {
		queued, skipped = nil, nil
		if err := requireActive(st); err != nil {
			return err
		}
		want := make(map[string]bool, len(promptIDs))
		for _, pid := range promptIDs {
			want[pid] = true
		}
		for pid := range want {
			if st.PromptByID(pid) == nil {
				skipped = append(skipped, SkippedPrompt{PromptID: pid, Reason: "not_found"})
			}
		}
		now := s.now().UTC()
		fallback := st.DefaultReferenceImage()
		for i := range st.Prompts {
			p := &st.Prompts[i]
			if !want[p.ID] {
				continue
			}
			if !p.Status.CanTransition(model.PromptQueued) {
				skipped = append(skipped, SkippedPrompt{PromptID: p.ID, Status: string(p.Status), Reason: "not_draft"})
				continue
			}
			p.Selected = true
			p.Status = model.PromptQueued
			p.ErrorMessage = ""
			p.UpdatedAt = now
			ref := p.ReferenceImageURL
			if ref == "" {
				ref = fallback
			}
			queued = append(queued, QueuedPrompt{
				PromptID:          p.ID,
				Type:              p.Type,
				Text:              p.Text,
				ReferenceImageURL: ref,
			})
		}
		if len(queued) == 0 {
			return errSkip
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return queued, skipped, nil
}

// AssignJob records a successful submission: queued -> generating.
func (s *CampaignStore) AssignJob(ctx context.Context, id, promptID, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", ErrBadRequest)
	}
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		p := st.PromptByID(promptID)
		if p == nil {
			return fmt.Errorf("%w: prompt %s", ErrNotFound, promptID)
		}
		if p.Status != model.PromptQueued {
			return fmt.Errorf("%w: prompt %s is %s, expected queued", ErrInvalidState, promptID, p.Status)
		}
		now := s.now().UTC()
		p.Status = model.PromptGenerating
		p.ExternalJobID = jobID
		p.SubmittedAt = now
		p.UpdatedAt = now
		return nil
	})
}

// FailQueued records a failed submission: queued -> failed.
func (s *CampaignStore) FailQueued(ctx context.Context, id, promptID, message string) error {
	return s.UpdatePromptStatus(ctx, id, promptID, model.PromptQueued, model.PromptFailed, message)
}

// UpdatePromptStatus moves a prompt from the expected status to next. It is a
// compare-and-swap: a prompt no longer in from is left untouched and
// ErrInvalidState is returned.
func (s *CampaignStore) UpdatePromptStatus(ctx context.Context, id, promptID string, from, next model.PromptStatus, message string) error {
	if !from.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, next)
	}
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		p := st.PromptByID(promptID)
		if p == nil {
			return fmt.Errorf("%w: prompt %s", ErrNotFound, promptID)
		}
		if p.Status != from {
			return fmt.Errorf("%w: prompt %s is %s, expected %s", ErrInvalidState, promptID, p.Status, from)
		}
		now := s.now().UTC()
		p.Status = next
		p.UpdatedAt = now
		if next == model.PromptFailed {
			p.ErrorMessage = message
			p.CompletedAt = now
		}
		return nil
	})
}

type Completion struct {
	Success   bool
	URL       string
	SourceURL string
	Error     string
}

const (
	ReasonUnknownJob      = "unknown_job"
	ReasonAlreadyTerminal = "already_terminal"
	ReasonNotGenerating   = "not_generating"
)

type CompletionResult struct {
	Applied bool
	Reason  string
	Prompt  model.ContentPrompt
	Output  *model.GeneratedContent
}

// CompleteJob applies a terminal signal for jobID. The transition happens only
// while the owning prompt is generating, so a repeated or racing signal is a
// no-op and at most one output is ever appended per prompt.
func (s *CampaignStore) CompleteJob(ctx context.Context, id, jobID string, c Completion) (CompletionResult, error) {
	var res CompletionResult
	err := s.Mutate(ctx, id, func(st *model.CampaignState) error {
		res = CompletionResult{}
		p := st.PromptByJobID(jobID)
		if p == nil {
			res.Reason = ReasonUnknownJob
			return errSkip
		}
		res.Prompt = *p
		if p.Status.Terminal() {
			res.Reason = ReasonAlreadyTerminal
			return errSkip
		}
		if p.Status != model.PromptGenerating {
			res.Reason = ReasonNotGenerating
			return errSkip
		}

		now := s.now().UTC()
		p.UpdatedAt = now
		p.CompletedAt = now
		if !c.Success {
			p.Status = model.PromptFailed
			p.ErrorMessage = c.Error
			res.Applied = true
			res.Prompt = *p
			return nil
		}
		if st.OutputsForPrompt(p.ID) > 0 {
			return fmt.Errorf("%w: prompt %s already has an output", ErrConflict, p.ID)
		}
		p.Status = model.PromptDone
		p.ResultURL = c.URL
		p.ErrorMessage = ""
		out := model.GeneratedContent{
			ID:             uuid.NewString(),
			PromptID:       p.ID,
			Type:           p.Type,
			URL:            c.URL,
			SourceURL:      c.SourceURL,
			ClientFeedback: model.FeedbackPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		st.Outputs = append(st.Outputs, out)
		res.Applied = true
		res.Prompt = *p
		res.Output = &out
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	return res, nil
}

// AddOutput appends an output for a prompt that has none yet.
func (s *CampaignStore) AddOutput(ctx context.Context, id string, out model.GeneratedContent) error {
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		if st.PromptByID(out.PromptID) == nil {
			return fmt.Errorf("%w: prompt %s", ErrNotFound, out.PromptID)
		}
		if st.OutputsForPrompt(out.PromptID) > 0 {
			return fmt.Errorf("%w: prompt %s already has an output", ErrConflict, out.PromptID)
		}
		now := s.now().UTC()
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.ClientFeedback == "" {
			out.ClientFeedback = model.FeedbackPending
		}
		out.CreatedAt = now
		out.UpdatedAt = now
		st.Outputs = append(st.Outputs, out)
		return nil
	})
}

type FeedbackUpdate struct {
	Feedback          *model.Feedback
	Note              *string
	ApprovedForClient *bool
	EditedURL         *string
}

func (s *CampaignStore) UpdateClientFeedback(ctx context.Context, id, outputID string, u FeedbackUpdate) (model.GeneratedContent, error) {
	if u.Feedback != nil && !u.Feedback.Valid() {
		return model.GeneratedContent{}, fmt.Errorf("%w: feedback %q", ErrBadRequest, *u.Feedback)
	}
	var updated model.GeneratedContent
	err := s.Mutate(ctx, id, func(st *model.CampaignState) error {
		o := st.OutputByID(outputID)
		if o == nil {
			return fmt.Errorf("%w: output %s", ErrNotFound, outputID)
		}
		if u.Feedback != nil {
			o.ClientFeedback = *u.Feedback
		}
		if u.Note != nil {
			o.FeedbackNote = *u.Note
		}
		if u.ApprovedForClient != nil {
			o.ApprovedForClient = *u.ApprovedForClient
		}
		if u.EditedURL != nil {
			o.EditedURL = strings.TrimSpace(*u.EditedURL)
		}
		o.UpdatedAt = s.now().UTC()
		updated = *o
		return nil
	})
	return updated, err
}
