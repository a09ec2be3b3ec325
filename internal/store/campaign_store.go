package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"adstudio/server/internal/model"
	"adstudio/server/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTTL            = time.Hour
	defaultPersistTimeout = 10 * time.Second
	// maxStaleRetries bounds how often one Mutate reloads and re-applies
	// after another process advanced the stored version.
	maxStaleRetries = 3
)

type JobRef struct {
	CampaignID string
	PromptID   string
}

type entry struct {
	// mu serializes mutations of one campaign, durable write included.
	mu         sync.Mutex
	state      model.CampaignState
	lastAccess time.Time
	refs       int
}

// CampaignStore is the single source of truth for campaign aggregates: an
// in-process cache with write-through to a DocumentStore. Callers only ever
// receive copies; all changes go through Mutate. Writes are versioned, so a
// process whose cached copy fell behind another writer reloads and re-applies
// instead of overwriting it.
type CampaignStore struct {
	mu         sync.Mutex
	entries    map[string]*entry
	jobs       map[string]JobRef
	tombstones map[string]struct{}

	docs           DocumentStore
	log            *zap.Logger
	metrics        *telemetry.Metrics
	ttl            time.Duration
	persistTimeout time.Duration
	now            func() time.Time
}

type Option func(*CampaignStore)

func WithTTL(ttl time.Duration) Option {
	return func(s *CampaignStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *CampaignStore) { s.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *CampaignStore) { s.metrics = m }
}

func NewCampaignStore(docs DocumentStore, logger *zap.Logger, opts ...Option) *CampaignStore {
	if docs == nil {
		docs = NewMemoryDocuments()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CampaignStore{
		entries:        map[string]*entry{},
		jobs:           map[string]JobRef{},
		tombstones:     map[string]struct{}{},
		docs:           docs,
		log:            logger.Named("store"),
		ttl:            DefaultTTL,
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateCampaignInput struct {
	Name            string
	Brief           string
	CoreMessage     string
	ReferenceImages []model.ReferenceImage
}

func (s *CampaignStore) Create(ctx context.Context, in CreateCampaignInput) (model.CampaignState, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.CampaignState{}, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	if strings.TrimSpace(in.Brief) == "" {
		return model.CampaignState{}, fmt.Errorf("%w: brief is required", ErrBadRequest)
	}
	now := s.now().UTC()
	refs := make([]model.ReferenceImage, 0, len(in.ReferenceImages))
	for _, img := range in.ReferenceImages {
		if strings.TrimSpace(img.URL) == "" {
			return model.CampaignState{}, fmt.Errorf("%w: reference image url is required", ErrBadRequest)
		}
		if img.ID == "" {
			img.ID = uuid.NewString()
		}
		if img.CreatedAt.IsZero() {
			img.CreatedAt = now
		}
		refs = append(refs, img)
	}
	state := model.CampaignState{
		Campaign: model.Campaign{
			ID:              uuid.NewString(),
			Name:            name,
			Brief:           in.Brief,
			CoreMessage:     in.CoreMessage,
			Status:          model.CampaignDraft,
			ReferenceImages: refs,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		Archetypes: []model.Archetype{},
		Angles:     []model.Angle{},
		Prompts:    []model.ContentPrompt{},
		Outputs:    []model.GeneratedContent{},
		Version:    1,
	}

	s.mu.Lock()
	s.entries[state.Campaign.ID] = &entry{state: state, lastAccess: now}
	s.mu.Unlock()

	_ = s.persist(ctx, state)
	s.log.Info("campaign_created", zap.String("campaign_id", state.Campaign.ID), zap.String("name", name))
	return state.Clone(), nil
}

// Get reads the cache only.
func (s *CampaignStore) Get(id string) (model.CampaignState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(id)
	if e == nil {
		return model.CampaignState{}, false
	}
	return e.state.Clone(), true
}

// GetAsync reads the cache and falls back to the durable store, populating
// the cache on a hit. Durable errors are logged and reported as absent.
func (s *CampaignStore) GetAsync(ctx context.Context, id string) (model.CampaignState, bool) {
	if st, ok := s.Get(id); ok {
		return st, true
	}
	e, err := s.hydrate(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("durable read failed", zap.String("campaign_id", id), zap.Error(err))
		}
		return model.CampaignState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.state.Clone(), true
}

// Mutate applies fn to a working copy of the campaign under the campaign's
// lock. An error from fn discards the copy. On success the version is bumped
// and the new state is written through before it replaces the cached copy.
// If the durable store already holds a newer version, the campaign is
// reloaded and fn runs again on the fresh state. Any other durable failure is
// logged and the cache stays authoritative.
func (s *CampaignStore) Mutate(ctx context.Context, id string, fn func(*model.CampaignState) error) error {
	e, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.release(e)

	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		if e.state.Campaign.DeletedPermanently {
			s.mu.Unlock()
			return ErrNotFound
		}
		work := e.state.Clone()
		base := e.state.Version
		s.mu.Unlock()

		if err := fn(&work); err != nil {
			if errors.Is(err, errSkip) {
				return nil
			}
			return err
		}

		now := s.now().UTC()
		work.Version = base + 1
		work.Campaign.UpdatedAt = now

		s.mu.Lock()
		err := s.checkJobsLocked(id, work)
		s.mu.Unlock()
		if err != nil {
			return err
		}

		if err := s.persist(ctx, work); errors.Is(err, ErrStale) {
			if attempt >= maxStaleRetries {
				return fmt.Errorf("campaign %s: %w: stored version keeps moving", id, ErrConflict)
			}
			if err := s.reload(ctx, id, e); err != nil {
				return err
			}
			continue
		}
		s.commit(id, e, work, now)
		return nil
	}
}

// Delete archives a campaign. A soft delete keeps every collection and is
// reversible; a permanent delete also drops the cache entry and leaves only a
// tombstone in the durable store. The cache entry stays until the tombstone
// is written, and the id is remembered so a concurrent durable read cannot
// bring the campaign back.
func (s *CampaignStore) Delete(ctx context.Context, id string, permanent bool) error {
	return s.Mutate(ctx, id, func(st *model.CampaignState) error {
		now := s.now().UTC()
		if st.Campaign.Status != model.CampaignArchived {
			st.Campaign.PreviousStatus = st.Campaign.Status
		}
		st.Campaign.Status = model.CampaignArchived
		st.Campaign.DeletedAt = &now
		st.Campaign.DeletedPermanently = permanent
		return nil
	})
}

func (s *CampaignStore) commit(id string, e *entry, st model.CampaignState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindexLocked(e.state)
	e.state = st
	e.lastAccess = now
	if st.Campaign.DeletedPermanently {
		s.forgetLocked(id, e)
		return
	}
	s.indexLocked(st)
}

// forgetLocked drops a permanently deleted campaign from the cache and
// records its tombstone.
func (s *CampaignStore) forgetLocked(id string, e *entry) {
	s.tombstones[id] = struct{}{}
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
}

// reload replaces a pinned entry's state with the stored document after a
// stale write. The caller holds e.mu.
func (s *CampaignStore) reload(ctx context.Context, id string, e *entry) error {
	doc, err := s.docs.Get(ctx, CampaignsTable, id)
	if err != nil {
		return fmt.Errorf("reload campaign %s: %w", id, err)
	}
	var st model.CampaignState
	if err := json.Unmarshal(doc.Body, &st); err != nil {
		return fmt.Errorf("decode campaign %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindexLocked(e.state)
	e.state = st
	e.lastAccess = s.now()
	if st.Campaign.DeletedPermanently {
		s.forgetLocked(id, e)
		return ErrNotFound
	}
	s.indexLocked(st)
	s.log.Info("campaign reloaded after concurrent write", zap.String("campaign_id", id), zap.Int64("version", st.Version))
	return nil
}

// JobOwner resolves an external job id to the prompt holding it, among
// cached campaigns.
func (s *CampaignStore) JobOwner(jobID string) (JobRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.jobs[jobID]
	return ref, ok
}

// EvictExpired drops every idle entry older than the TTL and returns how
// many were removed.
func (s *CampaignStore) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if s.expiredLocked(e) {
			s.evictLocked(id, e)
			n++
		}
	}
	return n
}

type ListFilter struct {
	Status          model.CampaignStatus
	IncludeArchived bool
}

type CampaignSummary struct {
	Campaign   model.Campaign     `json:"campaign"`
	Archetypes int                `json:"archetypes"`
	Angles     int                `json:"angles"`
	Prompts    model.PromptCounts `json:"prompts"`
	Outputs    int                `json:"outputs"`
}

func summarize(st model.CampaignState) CampaignSummary {
	return CampaignSummary{
		Campaign:   st.Campaign,
		Archetypes: len(st.Archetypes),
		Angles:     len(st.Angles),
		Prompts:    st.PromptCounts(),
		Outputs:    len(st.Outputs),
	}
}

// List merges durable documents with cached state, the cache winning.
func (s *CampaignStore) List(ctx context.Context, f ListFilter) ([]CampaignSummary, error) {
	states, err := s.allStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CampaignSummary, 0, len(states))
	for _, st := range states {
		c := st.Campaign
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Status == "" && !f.IncludeArchived && c.Status == model.CampaignArchived {
			continue
		}
		out = append(out, summarize(st))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Campaign.CreatedAt.After(out[j].Campaign.CreatedAt)
	})
	return out, nil
}

// PendingJobCampaigns lists campaigns that still have prompts waiting on the
// generation service. With durable set, stored campaigns are scanned too.
func (s *CampaignStore) PendingJobCampaigns(ctx context.Context, durable bool) ([]string, error) {
	var states []model.CampaignState
	if durable {
		var err error
		states, err = s.allStates(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		s.mu.Lock()
		for _, e := range s.entries {
			if !s.expiredLocked(e) {
				states = append(states, e.state)
			}
		}
		s.mu.Unlock()
	}
	var ids []string
	for i := range states {
		if len(states[i].GeneratingPrompts()) > 0 {
			ids = append(ids, states[i].Campaign.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *CampaignStore) allStates(ctx context.Context) ([]model.CampaignState, error) {
	docs, err := s.docs.List(ctx, CampaignsTable)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	byID := map[string]model.CampaignState{}
	for _, d := range docs {
		var st model.CampaignState
		if err := json.Unmarshal(d.Body, &st); err != nil {
			s.log.Warn("skip undecodable campaign document", zap.String("key", d.Key), zap.Error(err))
			continue
		}
		byID[st.Campaign.ID] = st
	}
	s.mu.Lock()
	for id, e := range s.entries {
		byID[id] = e.state.Clone()
	}
	s.mu.Unlock()

	out := make([]model.CampaignState, 0, len(byID))
	for _, st := range byID {
		if st.Campaign.DeletedPermanently {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// acquire returns a pinned entry, hydrating it from the durable store when
// the cache has no live copy. Pinned entries are never evicted.
func (s *CampaignStore) acquire(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	if e := s.lookupLocked(id); e != nil {
		e.refs++
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	if _, err := s.hydrate(ctx, id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.refs++
	return e, nil
}

func (s *CampaignStore) release(e *entry) {
	s.mu.Lock()
	e.refs--
	s.mu.Unlock()
}

func (s *CampaignStore) hydrate(ctx context.Context, id string) (*entry, error) {
	s.mu.Lock()
	_, gone := s.tombstones[id]
	s.mu.Unlock()
	if gone {
		return nil, ErrNotFound
	}
	doc, err := s.docs.Get(ctx, CampaignsTable, id)
	if err != nil {
		return nil, err
	}
	var st model.CampaignState
	if err := json.Unmarshal(doc.Body, &st); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	if st.Campaign.DeletedPermanently {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.tombstones[id]; gone {
		return nil, ErrNotFound
	}
	if e := s.lookupLocked(id); e != nil {
		return e, nil
	}
	e := &entry{state: st, lastAccess: s.now()}
	s.entries[id] = e
	s.indexLocked(st)
	s.log.Debug("campaign hydrated", zap.String("campaign_id", id), zap.Int64("version", st.Version))
	return e, nil
}

// lookupLocked returns the live entry for id, evicting it first when it has
// been idle past the TTL.
func (s *CampaignStore) lookupLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if s.expiredLocked(e) {
		s.evictLocked(id, e)
		return nil
	}
	e.lastAccess = s.now()
	return e
}

func (s *CampaignStore) expiredLocked(e *entry) bool {
	return e.refs == 0 && s.now().Sub(e.lastAccess) > s.ttl
}

func (s *CampaignStore) evictLocked(id string, e *entry) {
	delete(s.entries, id)
	s.unindexLocked(e.state)
	s.metrics.Evicted()
	s.log.Debug("campaign evicted", zap.String("campaign_id", id))
}

func (s *CampaignStore) checkJobsLocked(campaignID string, st model.CampaignState) error {
	seen := map[string]string{}
	for _, p := range st.Prompts {
		if p.ExternalJobID == "" {
			continue
		}
		if other, dup := seen[p.ExternalJobID]; dup {
			return fmt.Errorf("%w: job %s assigned to prompts %s and %s", ErrConflict, p.ExternalJobID, other, p.ID)
		}
		seen[p.ExternalJobID] = p.ID
		if ref, ok := s.jobs[p.ExternalJobID]; ok && (ref.CampaignID != campaignID || ref.PromptID != p.ID) {
			return fmt.Errorf("%w: job %s already owned by campaign %s", ErrConflict, p.ExternalJobID, ref.CampaignID)
		}
	}
	return nil
}

func (s *CampaignStore) indexLocked(st model.CampaignState) {
	for _, p := range st.Prompts {
		if p.ExternalJobID != "" {
			s.jobs[p.ExternalJobID] = JobRef{CampaignID: st.Campaign.ID, PromptID: p.ID}
		}
	}
}

func (s *CampaignStore) unindexLocked(st model.CampaignState) {
	for _, p := range st.Prompts {
		if ref, ok := s.jobs[p.ExternalJobID]; ok && ref.CampaignID == st.Campaign.ID {
			delete(s.jobs, p.ExternalJobID)
		}
	}
}

func (s *CampaignStore) persist(ctx context.Context, st model.CampaignState) error {
	body, err := json.Marshal(st)
	if err != nil {
		s.log.Error("encode campaign failed", zap.String("campaign_id", st.Campaign.ID), zap.Error(err))
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	err = s.docs.Upsert(ctx, CampaignsTable, []Document{{
		Key:       st.Campaign.ID,
		Body:      body,
		UpdatedAt: st.Campaign.UpdatedAt,
		Version:   st.Version,
	}})
	switch {
	case err == nil:
	case errors.Is(err, ErrStale):
		s.log.Info("durable copy is newer; reloading",
			zap.String("campaign_id", st.Campaign.ID),
			zap.Int64("version", st.Version),
		)
	default:
		s.metrics.PersistFailed()
		s.log.Warn("durable write failed; cache remains authoritative",
			zap.String("campaign_id", st.Campaign.ID),
			zap.Int64("version", st.Version),
			zap.Error(err),
		)
	}
	return err
}
