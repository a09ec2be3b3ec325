// Package lifecycle enforces the campaign status machine:
//
//	draft -> in_progress -> {paused, completed}
//	paused -> in_progress
//	any non-archived -> archived
//	archived -> previous status (recover)
//	archived -> permanently deleted
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"adstudio/server/internal/events"
	"adstudio/server/internal/model"
	"adstudio/server/internal/store"
	"adstudio/server/internal/telemetry"

	"go.uber.org/zap"
)

const (
	ActionStart    = "start"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionComplete = "complete"
	ActionArchive  = "archive"
	ActionRecover  = "recover"
	ActionDelete   = "delete"
)

// TransitionError rejects an action that is not valid from the campaign's
// current status. The campaign is left unchanged.
type TransitionError struct {
	Current   model.CampaignStatus
	Requested model.CampaignStatus
	Action    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign: status is %s, requested %s", e.Action, e.Current, e.Requested)
}

type rule struct {
	allowed func(model.CampaignStatus) bool
	target  func(model.Campaign) model.CampaignStatus
}

func from(statuses ...model.CampaignStatus) func(model.CampaignStatus) bool {
	return func(s model.CampaignStatus) bool {
		for _, ok := range statuses {
			if s == ok {
				return true
			}
		}
		return false
	}
}

func to(s model.CampaignStatus) func(model.Campaign) model.CampaignStatus {
	return func(model.Campaign) model.CampaignStatus { return s }
}

var rules = map[string]rule{
	ActionStart:    {from(model.CampaignDraft), to(model.CampaignInProgress)},
	ActionPause:    {from(model.CampaignDraft, model.CampaignInProgress, model.CampaignCompleted), to(model.CampaignPaused)},
	ActionResume:   {from(model.CampaignPaused), to(model.CampaignInProgress)},
	ActionComplete: {from(model.CampaignInProgress), to(model.CampaignCompleted)},
	ActionArchive:  {notArchived, to(model.CampaignArchived)},
	ActionDelete:   {notArchived, to(model.CampaignArchived)},
	ActionRecover:  {from(model.CampaignArchived), recoverTarget},
}

func notArchived(s model.CampaignStatus) bool { return s != model.CampaignArchived }

func recoverTarget(c model.Campaign) model.CampaignStatus {
	if c.PreviousStatus == "" || c.PreviousStatus == model.CampaignArchived {
		return model.CampaignCompleted
	}
	return c.PreviousStatus
}

// Controller applies lifecycle actions through the campaign store. A durable
// write failure does not undo a transition; the cached state stands.
type Controller struct {
	store *store.CampaignStore
	hub   *events.Hub
	log   *zap.Logger
	now   func() time.Time
}

func NewController(st *store.CampaignStore, hub *events.Hub, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: st, hub: hub, log: logger.Named("lifecycle"), now: time.Now}
}

// Start moves a draft campaign to in_progress. A campaign that is already in
// progress is left as is.
func (c *Controller) Start(ctx context.Context, id string) (model.Campaign, error) {
	st, ok := c.store.GetAsync(ctx, id)
	if ok && st.Campaign.Status == model.CampaignInProgress {
		return st.Campaign, nil
	}
	return c.apply(ctx, id, ActionStart)
}

func (c *Controller) Pause(ctx context.Context, id string) (model.Campaign, error) {
	return c.apply(ctx, id, ActionPause)
}

func (c *Controller) Resume(ctx context.Context, id string) (model.Campaign, error) {
	return c.apply(ctx, id, ActionResume)
}

func (c *Controller) Complete(ctx context.Context, id string) (model.Campaign, error) {
	return c.apply(ctx, id, ActionComplete)
}

func (c *Controller) Archive(ctx context.Context, id string) (model.Campaign, error) {
	return c.apply(ctx, id, ActionArchive)
}

func (c *Controller) Recover(ctx context.Context, id string) (model.Campaign, error) {
	return c.apply(ctx, id, ActionRecover)
}

// Delete archives the campaign. A soft delete keeps all data and can be
// recovered; a permanent delete is allowed from any status and removes the
// campaign from the cache, leaving a tombstone in the durable store.
func (c *Controller) Delete(ctx context.Context, id string, permanent bool) error {
	if !permanent {
		_, err := c.apply(ctx, id, ActionDelete)
		return err
	}
	before, _ := c.store.GetAsync(ctx, id)
	if err := c.store.Delete(ctx, id, true); err != nil {
		return err
	}
	c.log.Info("campaign_deleted_permanently",
		zap.String("campaign_id", id),
		zap.String("from", string(before.Campaign.Status)),
	)
	c.publish(ctx, id, before.Campaign.Status, model.CampaignArchived, ActionDelete, map[string]any{"permanent": true})
	if c.hub != nil {
		c.hub.Forget(id)
	}
	return nil
}

func (c *Controller) apply(ctx context.Context, id, action string) (model.Campaign, error) {
	r, ok := rules[action]
	if !ok {
		return model.Campaign{}, fmt.Errorf("unknown lifecycle action %q", action)
	}
	var prev model.CampaignStatus
	var updated model.Campaign
	err := c.store.Mutate(ctx, id, func(st *model.CampaignState) error {
		cur := st.Campaign.Status
		next := r.target(st.Campaign)
		if !r.allowed(cur) {
			return &TransitionError{Current: cur, Requested: next, Action: action}
		}
		prev = cur
		switch action {
		case ActionPause, ActionArchive:
			st.Campaign.PreviousStatus = cur
		case ActionDelete:
			st.Campaign.PreviousStatus = cur
			now := c.now().UTC()
			st.Campaign.DeletedAt = &now
		case ActionRecover:
			st.Campaign.PreviousStatus = ""
			st.Campaign.DeletedAt = nil
		}
		st.Campaign.Status = next
		updated = st.Campaign
		return nil
	})
	if err != nil {
		return model.Campaign{}, err
	}
	c.log.Info("campaign_status_changed",
		zap.String("campaign_id", id),
		zap.String("action", action),
		zap.String("from", string(prev)),
		zap.String("to", string(updated.Status)),
		zap.String("trace_id", telemetry.TraceID(ctx)),
	)
	c.publish(ctx, id, prev, updated.Status, action, nil)
	return updated, nil
}

func (c *Controller) publish(ctx context.Context, id string, prev, next model.CampaignStatus, action string, extra map[string]any) {
	if c.hub == nil {
		return
	}
	payload := map[string]any{"from": prev, "to": next, "action": action}
	for k, v := range extra {
		payload[k] = v
	}
	c.hub.Publish(model.CampaignEvent{
		TraceID:    telemetry.TraceID(ctx),
		CampaignID: id,
		Type:       model.EventCampaignStatus,
		Payload:    payload,
	})
}
