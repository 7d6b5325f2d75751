// Package store persists the item bank, ability estimates, test sessions and
// the response log. PostgresStore is the production backend; MemoryStore
// implements the same contract for tests and database-less local runs.
package store

import (
	"context"
	"time"

	"icfesprep/internal/models"
)

// Store is the read side plus a transaction entry point for the
// coordinator's atomic writes
type Store interface {
	GetItem(ctx context.Context, id int) (*models.Item, error)
	ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error)
	// ListSubjectItems returns the items of one subject with the given
	// calibration flag, excluding excludeIDs, ordered by id
	ListSubjectItems(ctx context.Context, subject models.SubjectArea, calibrated bool, excludeIDs []int) ([]*models.Item, error)
	// UpsertItem inserts items with a zero id and updates the rest; exposure
	// counts are never overwritten
	UpsertItem(ctx context.Context, item *models.Item) (*models.Item, error)

	GetAbility(ctx context.Context, userID string, subject models.SubjectArea) (*models.AbilityEstimate, error)
	ListAbilities(ctx context.Context, userID string) ([]*models.AbilityEstimate, error)

	GetSession(ctx context.Context, id string) (*models.TestSession, error)
	ListStaleSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.TestSession, error)
	ListResponseEvents(ctx context.Context, sessionID string) ([]*models.ResponseEvent, error)

	IncrementExposure(ctx context.Context, itemID int) error
	ExposureCounts(ctx context.Context, itemIDs []int) (map[int]int, error)

	Stats(ctx context.Context) (*Stats, error)

	// WithTx runs fn in one transaction; fn's error rolls everything back
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx holds the writes that must land together. Lock order is session
// first, then ability.
type Tx interface {
	// EnsureAbility creates the estimate with the given prior if absent and
	// returns it locked for update
	EnsureAbility(ctx context.Context, userID string, subject models.SubjectArea, theta, standardError float64) (*models.AbilityEstimate, error)
	SaveAbility(ctx context.Context, ability *models.AbilityEstimate) error

	CreateSession(ctx context.Context, session *models.TestSession) error
	// LockSession reads the session and holds it until the transaction ends
	LockSession(ctx context.Context, id string) (*models.TestSession, error)
	SaveSession(ctx context.Context, session *models.TestSession) error

	// InsertResponseEvent appends to the response log; a second event for the
	// same (session, item) fails with ErrDuplicateSubmission
	InsertResponseEvent(ctx context.Context, event *models.ResponseEvent) error
}

// Stats summarises table sizes for the admin CLI
type Stats struct {
	Items            int            `json:"items"`
	CalibratedItems  int            `json:"calibrated_items"`
	Abilities        int            `json:"abilities"`
	SessionsByStatus map[string]int `json:"sessions_by_status"`
	ResponseEvents   int            `json:"response_events"`
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func toInts(ids []int64) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
