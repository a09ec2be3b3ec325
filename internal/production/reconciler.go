package production

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"adstudio/server/internal/assets"
	"adstudio/server/internal/events"
	"adstudio/server/internal/model"
	"adstudio/server/internal/provider"
	"adstudio/server/internal/store"
	"adstudio/server/internal/telemetry"
	"adstudio/server/internal/webhook"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ChannelSubmit   = "submit"
	ChannelCallback = "callback"
	ChannelPoll     = "poll"

	ReasonNotTerminal = "not_terminal"
	ReasonApplyFailed = "apply_failed"
)

var ErrCampaignInactive = store.ErrCampaignInactive

type Config struct {
	// MaxConcurrentSubmits bounds in-flight submissions across all campaigns.
	MaxConcurrentSubmits int
	// PollParallel bounds status requests within one CheckStatus call.
	PollParallel   int
	SubmitTimeout  time.Duration
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSubmits < 1 {
		c.MaxConcurrentSubmits = 8
	}
	if c.PollParallel < 1 {
		c.PollParallel = 4
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 60 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Minute
	}
	return c
}

// Reconciler submits prompts to the generation service and folds job results
// back into the campaign. Completions from the callback and the poll channel
// both go through store.CompleteJob, so whichever arrives first wins and the
// other is a no-op.
type Reconciler struct {
	store   *store.CampaignStore
	gen     provider.Client
	assets  assets.Persister
	signer  *webhook.Signer
	hub     *events.Hub
	metrics *telemetry.Metrics
	log     *zap.Logger
	cfg     Config

	submitSem chan struct{}
}

func NewReconciler(st *store.CampaignStore, gen provider.Client, persister assets.Persister, signer *webhook.Signer, hub *events.Hub, metrics *telemetry.Metrics, logger *zap.Logger, cfg Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if persister == nil {
		persister = assets.Passthrough{}
	}
	cfg = cfg.withDefaults()
	return &Reconciler{
		store:     st,
		gen:       gen,
		assets:    persister,
		signer:    signer,
		hub:       hub,
		metrics:   metrics,
		log:       logger.Named("production"),
		cfg:       cfg,
		submitSem: make(chan struct{}, cfg.MaxConcurrentSubmits),
	}
}

type SubmitOutcome struct {
	PromptID string             `json:"prompt_id"`
	Status   model.PromptStatus `json:"status"`
	JobID    string             `json:"job_id,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type ProduceResult struct {
	Submitted int                   `json:"submitted"`
	Failed    int                   `json:"failed"`
	Prompts   []SubmitOutcome       `json:"prompts"`
	Skipped   []store.SkippedPrompt `json:"skipped,omitempty"`
}

// Produce queues the draft prompts named in promptIDs and submits each one.
// Submissions are independent: a failure is recorded on its own prompt and
// does not stop the rest of the batch.
func (r *Reconciler) Produce(ctx context.Context, campaignID string, promptIDs []string) (ProduceResult, error) {
	if len(promptIDs) == 0 {
		return ProduceResult{}, fmt.Errorf("%w: prompt_ids is required", store.ErrBadRequest)
	}
	callbackURL := ""
	if r.signer != nil {
		u, err := r.signer.CallbackURL(campaignID)
		if err != nil {
			return ProduceResult{}, fmt.Errorf("build callback url: %w", err)
		}
		callbackURL = u
	}

	// The active check happens inside QueuePrompts, under the campaign lock.
	queued, skipped, err := r.store.QueuePrompts(ctx, campaignID, promptIDs)
	if errors.Is(err, store.ErrNotFound) {
		return ProduceResult{}, fmt.Errorf("campaign %s: %w", campaignID, err)
	}
	if err != nil {
		return ProduceResult{}, err
	}
	for _, q := range queued {
		r.metrics.Transition(string(model.PromptQueued), ChannelSubmit)
		r.publish(ctx, campaignID, model.EventPromptQueued, map[string]any{"prompt_id": q.PromptID})
	}

	// Every queued prompt ends generating or failed, even if the caller is gone.
	subCtx := context.WithoutCancel(ctx)
	outcomes := make([]SubmitOutcome, len(queued))
	var wg sync.WaitGroup
	for i, q := range queued {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.submitSem <- struct{}{}
			defer func() { <-r.submitSem }()
			outcomes[i] = r.submit(subCtx, campaignID, callbackURL, q)
		}()
	}
	wg.Wait()

	res := ProduceResult{Prompts: outcomes, Skipped: skipped}
	for _, o := range outcomes {
		if o.Status == model.PromptGenerating {
			res.Submitted++
		} else {
			res.Failed++
		}
	}
	r.log.Info("produce_finished",
		zap.String("campaign_id", campaignID),
		zap.Int("submitted", res.Submitted),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", len(skipped)),
		zap.String("trace_id", telemetry.TraceID(ctx)),
	)
	return res, nil
}

func (r *Reconciler) submit(ctx context.Context, campaignID, callbackURL string, q store.QueuedPrompt) SubmitOutcome {
	out := SubmitOutcome{PromptID: q.PromptID}
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	jobID, err := r.gen.Submit(reqCtx, provider.SubmitRequest{
		CampaignID:        campaignID,
		PromptID:          q.PromptID,
		Type:              q.Type,
		Prompt:            q.Text,
		ReferenceImageURL: q.ReferenceImageURL,
		CallbackURL:       callbackURL,
	})
	cancel()
	if err == nil {
		err = r.store.AssignJob(ctx, campaignID, q.PromptID, jobID)
		if err == nil {
			r.metrics.Submit("ok")
			r.metrics.Transition(string(model.PromptGenerating), ChannelSubmit)
			r.publish(ctx, campaignID, model.EventPromptGenerating, map[string]any{"prompt_id": q.PromptID, "job_id": jobID})
			out.Status = model.PromptGenerating
			out.JobID = jobID
			return out
		}
		r.log.Error("assign_job_failed",
			zap.String("campaign_id", campaignID),
			zap.String("prompt_id", q.PromptID),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		err = &provider.Error{Category: "internal", Code: "JOB_NOT_RECORDED", UserMessage: "Generation job could not be recorded", InternalMessage: err.Error()}
	}

	msg := provider.UserMessage(err)
	r.metrics.Submit("error")
	r.log.Warn("submit_failed",
		zap.String("campaign_id", campaignID),
		zap.String("prompt_id", q.PromptID),
		zap.String("error_message", msg),
		zap.Error(err),
	)
	if ferr := r.store.FailQueued(ctx, campaignID, q.PromptID, msg); ferr != nil {
		r.log.Error("fail_queued_failed", zap.String("campaign_id", campaignID), zap.String("prompt_id", q.PromptID), zap.Error(ferr))
	} else {
		r.metrics.Transition(string(model.PromptFailed), ChannelSubmit)
		r.publish(ctx, campaignID, model.EventPromptFailed, map[string]any{"prompt_id": q.PromptID, "error": msg})
	}
	out.Status = model.PromptFailed
	out.Error = msg
	return out
}

type Outcome struct {
	JobID    string             `json:"job_id"`
	PromptID string             `json:"prompt_id,omitempty"`
	Applied  bool               `json:"applied"`
	Reason   string             `json:"reason,omitempty"`
	Status   model.PromptStatus `json:"status,omitempty"`
	OutputID string             `json:"output_id,omitempty"`
}

// HandleCallback applies a job result posted by the generation service.
// Results for unknown jobs, or for prompts that already finished, are
// acknowledged without change.
func (r *Reconciler) HandleCallback(ctx context.Context, campaignID, token string, payload provider.CallbackPayload) (Outcome, error) {
	if r.signer != nil && r.signer.Enabled() {
		if err := r.signer.Verify(campaignID, token); err != nil {
			return Outcome{}, err
		}
	}
	status := payload.Status()
	if status.JobID == "" {
		return Outcome{}, fmt.Errorf("%w: callback has no task id", store.ErrBadRequest)
	}
	if !status.State.Terminal() {
		r.metrics.Noop(ChannelCallback, ReasonNotTerminal)
		return Outcome{JobID: status.JobID, Reason: ReasonNotTerminal}, nil
	}
	return r.complete(ctx, campaignID, status, ChannelCallback)
}

type CheckResult struct {
	Checked   int       `json:"checked"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Errors    int       `json:"errors"`
	Jobs      []Outcome `json:"jobs"`
}

// CheckStatus polls the generation service for every generating prompt of
// the campaign and applies the terminal results. A failed status request, or
// a result that could not be applied, is reported on that job only and
// leaves the other outcomes intact.
func (r *Reconciler) CheckStatus(ctx context.Context, campaignID string) (CheckResult, error) {
	st, ok := r.store.GetAsync(ctx, campaignID)
	if !ok {
		return CheckResult{}, fmt.Errorf("campaign %s: %w", campaignID, store.ErrNotFound)
	}
	prompts := st.GeneratingPrompts()
	outcomes := make([]Outcome, len(prompts))
	pollErrs := make([]bool, len(prompts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PollParallel)
	for i, p := range prompts {
		g.Go(func() error {
			outcomes[i] = Outcome{JobID: p.ExternalJobID, PromptID: p.ID}
			status, err := r.gen.GetStatus(gctx, p.ExternalJobID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				pollErrs[i] = true
				outcomes[i].Reason = provider.UserMessage(err)
				r.log.Warn("status_poll_failed",
					zap.String("campaign_id", campaignID),
					zap.String("job_id", p.ExternalJobID),
					zap.Error(err),
				)
				return nil
			}
			if !status.State.Terminal() {
				r.metrics.Noop(ChannelPoll, ReasonNotTerminal)
				outcomes[i].Reason = ReasonNotTerminal
				outcomes[i].Status = model.PromptGenerating
				return nil
			}
			status.JobID = p.ExternalJobID
			o, err := r.complete(gctx, campaignID, status, ChannelPoll)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				pollErrs[i] = true
				outcomes[i].Reason = ReasonApplyFailed
				r.log.Warn("status_apply_failed",
					zap.String("campaign_id", campaignID),
					zap.String("job_id", p.ExternalJobID),
					zap.Error(err),
				)
				return nil
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CheckResult{}, err
	}

	res := CheckResult{Checked: len(prompts), Jobs: outcomes}
	for i, o := range outcomes {
		switch {
		case pollErrs[i]:
			res.Errors++
		case o.Applied && o.Status == model.PromptDone:
			res.Completed++
		case o.Applied && o.Status == model.PromptFailed:
			res.Failed++
		case o.Reason == ReasonNotTerminal:
			res.Pending++
		}
	}
	return res, nil
}

// complete applies a terminal job status. The prompt is looked up first so
// duplicate signals skip asset persistence; the store's compare-and-swap
// settles any remaining race.
func (r *Reconciler) complete(ctx context.Context, campaignID string, status provider.JobStatus, channel string) (Outcome, error) {
	out := Outcome{JobID: status.JobID}
	st, ok := r.store.GetAsync(ctx, campaignID)
	if !ok {
		return out, fmt.Errorf("campaign %s: %w", campaignID, store.ErrNotFound)
	}
	p := st.PromptByJobID(status.JobID)
	switch {
	case p == nil:
		return r.noop(out, channel, store.ReasonUnknownJob), nil
	case p.Status.Terminal():
		out.PromptID, out.Status = p.ID, p.Status
		return r.noop(out, channel, store.ReasonAlreadyTerminal), nil
	case p.Status != model.PromptGenerating:
		out.PromptID, out.Status = p.ID, p.Status
		return r.noop(out, channel, store.ReasonNotGenerating), nil
	}
	out.PromptID = p.ID

	c := store.Completion{Success: status.State == provider.StateSuccess, Error: status.Error}
	if c.Success {
		c.SourceURL = status.ResultURL()
		c.URL = r.persist(ctx, campaignID, p.ID, c.SourceURL)
	}
	res, err := r.store.CompleteJob(ctx, campaignID, status.JobID, c)
	if err != nil {
		return out, err
	}
	if !res.Applied {
		out.Status = res.Prompt.Status
		return r.noop(out, channel, res.Reason), nil
	}

	out.Applied = true
	out.Status = res.Prompt.Status
	r.metrics.Transition(string(out.Status), channel)
	payload := map[string]any{"prompt_id": p.ID, "job_id": status.JobID, "channel": channel}
	evt := model.EventPromptFailed
	if res.Output != nil {
		out.OutputID = res.Output.ID
		payload["output_id"] = res.Output.ID
		payload["url"] = res.Output.URL
		evt = model.EventPromptDone
	} else {
		payload["error"] = res.Prompt.ErrorMessage
	}
	r.publish(ctx, campaignID, evt, payload)
	r.log.Info("job_completed",
		zap.String("campaign_id", campaignID),
		zap.String("prompt_id", p.ID),
		zap.String("job_id", status.JobID),
		zap.String("status", string(out.Status)),
		zap.String("channel", channel),
	)
	return out, nil
}

// persist copies the asset into durable storage. On failure the hosted URL
// is used as is.
func (r *Reconciler) persist(ctx context.Context, campaignID, promptID, sourceURL string) string {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()
	u, err := r.assets.Persist(pctx, campaignID, promptID, sourceURL)
	if err != nil || u == "" {
		r.log.Warn("asset_persist_failed",
			zap.String("campaign_id", campaignID),
			zap.String("prompt_id", promptID),
			zap.String("source_url", sourceURL),
			zap.Error(err),
		)
		return sourceURL
	}
	return u
}

func (r *Reconciler) noop(out Outcome, channel, reason string) Outcome {
	r.metrics.Noop(channel, reason)
	r.log.Debug("completion_ignored",
		zap.String("job_id", out.JobID),
		zap.String("channel", channel),
		zap.String("reason", reason),
	)
	out.Reason = reason
	return out
}

func (r *Reconciler) publish(ctx context.Context, campaignID string, typ model.EventType, payload map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(model.CampaignEvent{
		TraceID:    telemetry.TraceID(ctx),
		CampaignID: campaignID,
		Type:       typ,
		Payload:    payload,
	})
}
