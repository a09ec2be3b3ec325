package events

import (
	"sync"
	"time"

	"adstudio/server/internal/model"

	"github.com/google/uuid"
)

const DefaultBacklog = 256

// Hub fans campaign events out to live subscribers and keeps a bounded
// backlog per campaign so a reconnecting client can resume from a sequence
// number.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[string]chan model.CampaignEvent
	backlog map[string][]model.CampaignEvent
	seq     map[string]int64
	limit   int
	now     func() time.Time
}

func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = DefaultBacklog
	}
	return &Hub{
		subs:    map[string]map[string]chan model.CampaignEvent{},
		backlog: map[string][]model.CampaignEvent{},
		seq:     map[string]int64{},
		limit:   limit,
		now:     time.Now,
	}
}

func (h *Hub) Subscribe(campaignID string, buf int) (string, <-chan model.CampaignEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := h.subs[campaignID]; !ok {
		h.subs[campaignID] = map[string]chan model.CampaignEvent{}
	}
	ch := make(chan model.CampaignEvent, buf)
	h.subs[campaignID][subID] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		campaignSubs, ok := h.subs[campaignID]
		if !ok {
			return
		}
		c, ok := campaignSubs[subID]
		if !ok {
			return
		}
		delete(campaignSubs, subID)
		close(c)
		if len(campaignSubs) == 0 {
			delete(h.subs, campaignID)
		}
	}
	return subID, ch, unsubscribe
}

// Publish stamps evt with an id, the next sequence number for its campaign
// and a timestamp, records it and delivers it. Slow subscribers miss events
// rather than block the publisher; they can catch up with Since.
func (h *Hub) Publish(evt model.CampaignEvent) model.CampaignEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[evt.CampaignID]++
	evt.Seq = h.seq[evt.CampaignID]
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.TS.IsZero() {
		evt.TS = h.now().UTC()
	}
	log := append(h.backlog[evt.CampaignID], evt)
	if len(log) > h.limit {
		log = append([]model.CampaignEvent(nil), log[len(log)-h.limit:]...)
	}
	h.backlog[evt.CampaignID] = log

	for _, ch := range h.subs[evt.CampaignID] {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// Since returns the retained events of campaignID with a sequence number
// greater than after.
func (h *Hub) Since(campaignID string, after int64) []model.CampaignEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []model.CampaignEvent
	for _, evt := range h.backlog[campaignID] {
		if evt.Seq > after {
			out = append(out, evt)
		}
	}
	return out
}

// Forget drops the backlog of a campaign that no longer exists.
func (h *Hub) Forget(campaignID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.backlog, campaignID)
	delete(h.seq, campaignID)
}
