package store

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state")
	// ErrCampaignInactive rejects new work on a paused or archived campaign.
	ErrCampaignInactive = errors.New("campaign is paused or archived")
	// ErrStale is returned by DocumentStore.Upsert when the stored document
	// is already at or past the version being written.
	ErrStale = errors.New("stale document version")
)

// errSkip lets a mutation decide it has nothing to change. Mutate treats it
// as success without bumping the version or writing through.
var errSkip = errors.New("skip")
