package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"icfesprep/internal/models"
	contextutils "icfesprep/internal/utils"
)

type abilityKey struct {
	userID  string
	subject models.SubjectArea
}

type eventKey struct {
	sessionID string
	itemID    int
}

// MemoryStore keeps everything in process memory. Transactions are
// serialized by txMu and staged until commit, so a failing fn leaves no trace.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	nextItemID int
	nextEvent  int64
	items      map[int]*models.Item
	abilities  map[abilityKey]*models.AbilityEstimate
	sessions   map[string]*models.TestSession
	events     []*models.ResponseEvent
	eventIndex map[eventKey]struct{}
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextItemID: 1,
		nextEvent:  1,
		items:      make(map[int]*models.Item),
		abilities:  make(map[abilityKey]*models.AbilityEstimate),
		sessions:   make(map[string]*models.TestSession),
		eventIndex: make(map[eventKey]struct{}),
		now:        time.Now,
	}
}

func copyItem(item *models.Item) *models.Item {
	c := *item
	c.Options = slices.Clone(item.Options)
	return &c
}

func copyAbility(a *models.AbilityEstimate) *models.AbilityEstimate {
	c := *a
	return &c
}

func (s *MemoryStore) GetItem(ctx context.Context, id int) (*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", id)
	}
	return copyItem(item), nil
}

func (s *MemoryStore) sortedItems(match func(*models.Item) bool) []*models.Item {
	var out []*models.Item
	for _, item := range s.items {
		if match(item) {
			out = append(out, copyItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.sortedItems(func(item *models.Item) bool {
		if filter.SubjectArea != "" && item.SubjectArea != filter.SubjectArea {
			return false
		}
		return filter.Calibrated == nil || item.IsCalibrated == *filter.Calibrated
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSubjectItems(ctx context.Context, subject models.SubjectArea, calibrated bool, excludeIDs []int) ([]*models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedItems(func(item *models.Item) bool {
		return item.SubjectArea == subject &&
			item.IsCalibrated == calibrated &&
			!slices.Contains(excludeIDs, item.ID)
	}), nil
}

func (s *MemoryStore) UpsertItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := copyItem(item)
	if stored.ID == 0 {
		stored.ID = s.nextItemID
		stored.ExposureCount = 0
		stored.CreatedAt = now
	} else {
		existing, ok := s.items[stored.ID]
		if !ok {
			return nil, contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", stored.ID)
		}
		stored.ExposureCount = existing.ExposureCount
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.ID >= s.nextItemID {
		s.nextItemID = stored.ID + 1
	}
	stored.UpdatedAt = now
	s.items[stored.ID] = stored
	return copyItem(stored), nil
}

func (s *MemoryStore) GetAbility(ctx context.Context, userID string, subject models.SubjectArea) (*models.AbilityEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.abilities[abilityKey{userID, subject}]
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "no ability estimate for %s/%s", userID, subject)
	}
	return copyAbility(a), nil
}

func (s *MemoryStore) ListAbilities(ctx context.Context, userID string) ([]*models.AbilityEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AbilityEstimate
	for key, a := range s.abilities {
		if key.userID == userID {
			out = append(out, copyAbility(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectArea < out[j].SubjectArea })
	return out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.TestSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrSessionNotFound, "session %s not found", id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.TestSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TestSession
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusActive && sess.UpdatedAt.Before(updatedBefore) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListResponseEvents(ctx context.Context, sessionID string) ([]*models.ResponseEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ResponseEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementExposure(ctx context.Context, itemID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", itemID)
	}
	item.ExposureCount++
	return nil
}

func (s *MemoryStore) ExposureCounts(ctx context.Context, itemIDs []int) (map[int]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]int, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.items[id]; ok {
			out[id] = item.ExposureCount
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		Items:            len(s.items),
		Abilities:        len(s.abilities),
		SessionsByStatus: map[string]int{},
		ResponseEvents:   len(s.events),
	}
	for _, item := range s.items {
		if item.IsCalibrated {
			stats.CalibratedItems++
		}
	}
	for _, sess := range s.sessions {
		stats.SessionsByStatus[string(sess.Status)]++
	}
	return stats, nil
}

// WithTx serializes fn against every other transaction and publishes its
// staged writes only when fn returns nil
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrTimeout, "transaction not started: %v", err)
	}

	tx := &memTx{
		store:     s,
		abilities: make(map[abilityKey]*models.AbilityEstimate),
		sessions:  make(map[string]*models.TestSession),
		eventKeys: make(map[eventKey]struct{}),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, a := range tx.abilities {
		s.abilities[key] = a
	}
	for id, sess := range tx.sessions {
		s.sessions[id] = sess
	}
	for _, ev := range tx.events {
		ev.ID = s.nextEvent
		s.nextEvent++
		s.events = append(s.events, ev)
		s.eventIndex[eventKey{ev.SessionID, ev.ItemID}] = struct{}{}
	}
	return nil
}

// memTx stages writes on top of the committed state
type memTx struct {
	store     *MemoryStore
	abilities map[abilityKey]*models.AbilityEstimate
	sessions  map[string]*models.TestSession
	events    []*models.ResponseEvent
	eventKeys map[eventKey]struct{}
}

func (t *memTx) EnsureAbility(ctx context.Context, userID string, subject models.SubjectArea, theta, standardError float64) (*models.AbilityEstimate, error) {
	key := abilityKey{userID, subject}
	if a, ok := t.abilities[key]; ok {
		return copyAbility(a), nil
	}

	t.store.mu.RLock()
	committed, ok := t.store.abilities[key]
	t.store.mu.RUnlock()
	if ok {
		return copyAbility(committed), nil
	}

	now := t.store.now()
	a := &models.AbilityEstimate{
		UserID:        userID,
		SubjectArea:   subject,
		Theta:         theta,
		StandardError: standardError,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.abilities[key] = a
	return copyAbility(a), nil
}

func (t *memTx) SaveAbility(ctx context.Context, a *models.AbilityEstimate) error {
	key := abilityKey{a.UserID, a.SubjectArea}
	if _, staged := t.abilities[key]; !staged {
		t.store.mu.RLock()
		_, ok := t.store.abilities[key]
		t.store.mu.RUnlock()
		if !ok {
			return contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "no ability estimate for %s/%s", a.UserID, a.SubjectArea)
		}
	}
	t.abilities[key] = copyAbility(a)
	return nil
}

func (t *memTx) CreateSession(ctx context.Context, sess *models.TestSession) error {
	t.store.mu.RLock()
	_, exists := t.store.sessions[sess.ID]
	t.store.mu.RUnlock()
	if _, staged := t.sessions[sess.ID]; exists || staged {
		return contextutils.WrapErrorf(contextutils.ErrRecordExists, "session %s already exists", sess.ID)
	}
	t.sessions[sess.ID] = sess.Clone()
	return nil
}

func (t *memTx) LockSession(ctx context.Context, id string) (*models.TestSession, error) {
	if sess, ok := t.sessions[id]; ok {
		return sess.Clone(), nil
	}
	return t.store.GetSession(ctx, id)
}

func (t *memTx) SaveSession(ctx context.Context, sess *models.TestSession) error {
	if _, staged := t.sessions[sess.ID]; !staged {
		t.store.mu.RLock()
		_, ok := t.store.sessions[sess.ID]
		t.store.mu.RUnlock()
		if !ok {
			return contextutils.WrapErrorf(contextutils.ErrSessionNotFound, "session %s not found", sess.ID)
		}
	}
	t.sessions[sess.ID] = sess.Clone()
	return nil
}

func (t *memTx) InsertResponseEvent(ctx context.Context, ev *models.ResponseEvent) error {
	key := eventKey{ev.SessionID, ev.ItemID}

	t.store.mu.RLock()
	_, committed := t.store.eventIndex[key]
	t.store.mu.RUnlock()
	if _, staged := t.eventKeys[key]; committed || staged {
		return contextutils.WrapErrorf(contextutils.ErrDuplicateSubmission, "item %d already answered in session %s", ev.ItemID, ev.SessionID)
	}

	c := *ev
	t.events = append(t.events, &c)
	t.eventKeys[key] = struct{}{}
	return nil
}
