package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/exposure"
	"icfesprep/internal/irt"
	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// confidenceZ is the two-sided 95% normal quantile
const confidenceZ = 1.96

// AdaptiveSessionServiceInterface defines the adaptive test session lifecycle
type AdaptiveSessionServiceInterface interface {
	StartSession(ctx context.Context, userID string, subject models.SubjectArea) (*StartSessionResult, error)
	SubmitAnswer(ctx context.Context, sessionID string, itemID int, selectedAnswer string) (*SubmitAnswerResult, error)
	AbandonSession(ctx context.Context, sessionID string) (*models.TestSession, error)
	GetSession(ctx context.Context, sessionID string) (*models.TestSession, error)
	GetSessionResponses(ctx context.Context, sessionID string) ([]*models.ResponseEvent, error)
	GetAbility(ctx context.Context, userID string, subject models.SubjectArea) (*models.AbilityEstimate, error)
	GetAbilityReport(ctx context.Context, userID string, subject models.SubjectArea) (*AbilityReport, error)
	GetAbilityProfile(ctx context.Context, userID string) ([]*AbilityReport, error)
	AbandonStaleSessions(ctx context.Context, inactiveSince time.Time, limit int) (int, error)
}

// StartSessionResult is the new session plus the first item to show
type StartSessionResult struct {
	Session   *models.TestSession `json:"session"`
	FirstItem *models.ServedItem  `json:"first_item"`
}

// SubmitAnswerResult reports the scoring outcome and what comes next
type SubmitAnswerResult struct {
	IsCorrect         bool                     `json:"is_correct"`
	NextItem          *models.ServedItem       `json:"next_item"`
	SessionStatus     models.SessionStatus     `json:"session_status"`
	TerminationReason models.TerminationReason `json:"termination_reason,omitempty"`
	Theta             float64                  `json:"theta"`
	StandardError     float64                  `json:"standard_error"`
	ResponseCount     int                      `json:"response_count"`
}

// AbilityReport is an ability estimate with its percentile and 95% interval
type AbilityReport struct {
	*models.AbilityEstimate
	Percentile         float64    `json:"percentile"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	// PercentileInterval is ConfidenceInterval mapped onto the percentile scale
	PercentileInterval [2]float64 `json:"percentile_interval_95"`
}

// AdaptiveSessionService coordinates sessions: it selects items, scores
// answers, updates ability and applies the termination rules. Writes for one
// answer land in a single store transaction; calls for the same
// (user, subject) are serialized in process.
type AdaptiveSessionService struct {
	store     store.Store
	itemBank  ItemBankServiceInterface
	exposure  exposure.Tracker
	estimator *irt.Estimator
	selector  *irt.Selector
	settings  irt.Settings
	cfg       config.AdaptiveConfig
	metrics   *observability.CATMetrics
	logger    *observability.Logger
	locks     *keyedMutex
	now       func() time.Time
}

// NewAdaptiveSessionService creates a new AdaptiveSessionService instance
func NewAdaptiveSessionService(
	st store.Store,
	itemBank ItemBankServiceInterface,
	tracker exposure.Tracker,
	cfg config.AdaptiveConfig,
	metrics *observability.CATMetrics,
	logger *observability.Logger,
) *AdaptiveSessionService {
	if st == nil {
		panic("NewAdaptiveSessionService: store is nil")
	}
	if logger == nil {
		panic("NewAdaptiveSessionService: logger is nil")
	}
	if itemBank == nil {
		itemBank = NewItemBankService(st, logger)
	}
	if tracker == nil {
		tracker = exposure.NewDatabaseTracker(st)
	}
	settings := irt.SettingsFromConfig(cfg)
	return &AdaptiveSessionService{
		store:     st,
		itemBank:  itemBank,
		exposure:  tracker,
		estimator: irt.NewEstimator(settings),
		selector:  irt.NewSelector(settings),
		settings:  settings,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

func lockKey(userID string, subject models.SubjectArea) string {
	return userID + "|" + string(subject)
}

func parseSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrSessionNotFound, "session %q not found", id)
	}
	return nil
}

// StartSession opens an active session and serves the most informative item
// for the student's current ability. An empty bank yields a session that is
// already completed with no_eligible_items.
func (s *AdaptiveSessionService) StartSession(ctx context.Context, userID string, subject models.SubjectArea) (result *StartSessionResult, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "start_session",
		observability.AttributeUserID(userID),
		observability.AttributeSubject(string(subject)),
	)
	defer observability.FinishSpan(span, &err)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, contextutils.WrapError(contextutils.ErrMissingRequired, "user_id is required")
	}
	if !subject.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", subject)
	}

	unlock := s.locks.Lock(lockKey(userID, subject))
	defer unlock()

	var (
		session *models.TestSession
		first   *models.Item
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ability, err := tx.EnsureAbility(ctx, userID, subject, s.settings.PriorTheta, s.settings.PriorSE)
		if err != nil {
			return err
		}

		first, err = s.selectNext(ctx, subject, ability.Theta, nil)
		if err != nil {
			return err
		}

		now := s.now()
		session = &models.TestSession{
			ID:                  uuid.NewString(),
			UserID:              userID,
			SubjectArea:         subject,
			Status:              models.SessionStatusActive,
			AdministeredItemIDs: []int{},
			MaxQuestions:        s.cfg.MaxQuestions,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if first != nil {
			id := first.ID
			session.PendingItemID = &id
		} else {
			session.Finish(models.SessionStatusCompleted, models.TerminationNoEligibleItem, now)
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(observability.AttributeSessionID(session.ID))
	s.metrics.SessionStarted(ctx, string(subject))
	if first != nil {
		s.recordExposure(ctx, first.ID)
	} else {
		s.metrics.SessionFinished(ctx, string(subject), string(session.Status), string(session.TerminationReason))
	}

	s.logger.Info(ctx, "Adaptive session started", map[string]interface{}{
		"session_id":   session.ID,
		"user_id":      userID,
		"subject_area": string(subject),
		"status":       string(session.Status),
	})

	return &StartSessionResult{Session: session, FirstItem: first.Served()}, nil
}

// SubmitAnswer scores the answer to the pending item, updates the ability
// estimate, appends the response log and either serves the next item or ends
// the session.
func (s *AdaptiveSessionService) SubmitAnswer(ctx context.Context, sessionID string, itemID int, selectedAnswer string) (result *SubmitAnswerResult, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "submit_answer",
		observability.AttributeSessionID(sessionID),
		observability.AttributeItemID(itemID),
	)
	defer observability.FinishSpan(span, &err)

	if err := parseSessionID(sessionID); err != nil {
		return nil, err
	}

	// the unlocked read only finds the lock key; state is re-read under lock
	peek, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(lockKey(peek.UserID, peek.SubjectArea))
	defer unlock()

	var (
		session *models.TestSession
		ability *models.AbilityEstimate
		next    *models.Item
		correct bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err = tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := checkSubmittable(session, itemID); err != nil {
			return err
		}

		item, err := s.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		correct = scoreAnswer(item.CorrectOption, selectedAnswer)

		ability, err = tx.EnsureAbility(ctx, session.UserID, session.SubjectArea, s.settings.PriorTheta, s.settings.PriorSE)
		if err != nil {
			return err
		}
		before := ability.Theta

		if item.IsCalibrated {
			est, err := s.estimator.Update(irt.Estimate{Theta: ability.Theta, SE: ability.StandardError}, itemParams(item), correct)
			if err != nil {
				return contextutils.WrapErrorf(err, "item %d", item.ID)
			}
			ability.Theta = est.Theta
			ability.StandardError = est.SE
			ability.ResponseCount++
		}

		now := s.now()
		ability.UpdatedAt = now

		event := &models.ResponseEvent{
			SessionID:          session.ID,
			UserID:             session.UserID,
			SubjectArea:        session.SubjectArea,
			ItemID:             item.ID,
			SelectedAnswer:     selectedAnswer,
			IsCorrect:          correct,
			ThetaBefore:        before,
			ThetaAfter:         ability.Theta,
			StandardErrorAfter: ability.StandardError,
			CreatedAt:          now,
		}
		if err := tx.InsertResponseEvent(ctx, event); err != nil {
			return err
		}

		session.AdministeredItemIDs = append(session.AdministeredItemIDs, item.ID)
		session.PendingItemID = nil
		session.UpdatedAt = now

		if reason, done := s.terminationReason(session, ability); done {
			session.Finish(models.SessionStatusCompleted, reason, now)
		} else {
			next, err = s.selectNext(ctx, session.SubjectArea, ability.Theta, session.AdministeredItemIDs)
			if err != nil {
				return err
			}
			if next == nil {
				session.Finish(models.SessionStatusCompleted, models.TerminationNoEligibleItem, now)
			} else {
				id := next.ID
				session.PendingItemID = &id
			}
		}

		if err := tx.SaveAbility(ctx, ability); err != nil {
			return err
		}
		return tx.SaveSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("answer.correct", correct),
		observability.AttributeTheta(ability.Theta),
		observability.AttributeStandardError(ability.StandardError),
		attribute.String("session.status", string(session.Status)),
	)

	subject := string(session.SubjectArea)
	s.metrics.AnswerSubmitted(ctx, subject, correct, ability.StandardError)
	if next != nil {
		s.recordExposure(ctx, next.ID)
	}
	if session.Status.IsTerminal() {
		s.metrics.SessionFinished(ctx, subject, string(session.Status), string(session.TerminationReason))
		s.logger.Info(ctx, "Adaptive session completed", map[string]interface{}{
			"session_id":     session.ID,
			"reason":         string(session.TerminationReason),
			"theta":          ability.Theta,
			"standard_error": ability.StandardError,
			"responses":      session.ResponseCount(),
		})
	}

	return &SubmitAnswerResult{
		IsCorrect:         correct,
		NextItem:          next.Served(),
		SessionStatus:     session.Status,
		TerminationReason: session.TerminationReason,
		Theta:             ability.Theta,
		StandardError:     ability.StandardError,
		ResponseCount:     session.ResponseCount(),
	}, nil
}

// checkSubmittable reports a repeated answer as a duplicate even after the
// session has ended
func checkSubmittable(session *models.TestSession, itemID int) error {
	switch {
	case session.HasAdministered(itemID):
		return contextutils.WrapErrorf(contextutils.ErrDuplicateSubmission, "item %d already answered in session %s", itemID, session.ID)
	case session.Status != models.SessionStatusActive:
		return contextutils.WrapErrorf(contextutils.ErrSessionNotActive, "session %s is %s", session.ID, session.Status)
	case session.PendingItemID == nil || *session.PendingItemID != itemID:
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "item %d is not the item being served in session %s", itemID, session.ID)
	}
	return nil
}

// scoreAnswer compares trimmed answers without regard to case
func scoreAnswer(key, selected string) bool {
	return strings.EqualFold(strings.TrimSpace(key), strings.TrimSpace(selected))
}

func (s *AdaptiveSessionService) terminationReason(session *models.TestSession, ability *models.AbilityEstimate) (models.TerminationReason, bool) {
	maxQuestions := session.MaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = s.cfg.MaxQuestions
	}
	n := session.ResponseCount()
	switch {
	case n >= maxQuestions:
		return models.TerminationMaxQuestions, true
	case n >= s.cfg.MinQuestions && ability.StandardError < s.cfg.StandardErrorThreshold:
		return models.TerminationPrecision, true
	}
	return "", false
}

// selectNext picks the maximum-information calibrated item at theta, falling
// back to the lowest-id uncalibrated item when configured. nil means nothing is left.
func (s *AdaptiveSessionService) selectNext(ctx context.Context, subject models.SubjectArea, theta float64, exclude []int) (*models.Item, error) {
	items, err := s.itemBank.GetEligibleItems(ctx, subject, exclude)
	if errors.Is(err, contextutils.ErrNoEligibleItems) {
		if !s.cfg.FallbackToUncalibrated {
			return nil, nil
		}
		fallback, err := s.itemBank.GetFallbackItems(ctx, subject, exclude)
		if errors.Is(err, contextutils.ErrNoEligibleItems) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return fallback[0], nil
	}
	if err != nil {
		return nil, err
	}

	ids := make([]int, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	counts, err := s.exposure.Counts(ctx, ids)
	if err != nil {
		s.logger.Warn(ctx, "Exposure counts unavailable, using stored counts", map[string]interface{}{
			"error": err.Error(),
		})
		counts = nil
	}

	byID := make(map[int]*models.Item, len(items))
	candidates := make([]irt.Candidate, len(items))
	for i, item := range items {
		byID[item.ID] = item
		exposureCount := item.ExposureCount
		if counts != nil {
			exposureCount = counts[item.ID]
		}
		candidates[i] = irt.Candidate{ID: item.ID, Params: itemParams(item), Exposure: exposureCount}
	}

	chosen, err := s.selector.SelectNext(theta, candidates)
	if err != nil || chosen == nil {
		return nil, err
	}
	return byID[chosen.ID], nil
}

func (s *AdaptiveSessionService) recordExposure(ctx context.Context, itemID int) {
	if err := s.exposure.Record(ctx, itemID); err != nil {
		s.logger.Warn(ctx, "Failed to record item exposure", map[string]interface{}{
			"item_id": itemID,
			"error":   err.Error(),
		})
	}
}

// AbandonSession moves an active session to abandoned. Terminal sessions are
// returned unchanged.
func (s *AdaptiveSessionService) AbandonSession(ctx context.Context, sessionID string) (result *models.TestSession, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "abandon_session", observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	if err := parseSessionID(sessionID); err != nil {
		return nil, err
	}
	peek, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if peek.Status.IsTerminal() {
		return peek, nil
	}

	unlock := s.locks.Lock(lockKey(peek.UserID, peek.SubjectArea))
	defer unlock()

	changed, session, err := s.finishIfActive(ctx, sessionID, models.TerminationUserAbandoned, time.Time{})
	if err != nil {
		return nil, err
	}
	if changed {
		s.metrics.SessionFinished(ctx, string(session.SubjectArea), string(session.Status), string(session.TerminationReason))
		s.logger.Info(ctx, "Adaptive session abandoned", map[string]interface{}{
			"session_id": session.ID,
			"responses":  session.ResponseCount(),
		})
	}
	return session, nil
}

// finishIfActive abandons the session inside a transaction. A non-zero
// staleBefore also requires the session to be untouched since then.
func (s *AdaptiveSessionService) finishIfActive(ctx context.Context, sessionID string, reason models.TerminationReason, staleBefore time.Time) (bool, *models.TestSession, error) {
	var (
		session *models.TestSession
		changed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		session, err = tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return nil
		}
		if !staleBefore.IsZero() && !session.UpdatedAt.Before(staleBefore) {
			return nil
		}
		session.Finish(models.SessionStatusAbandoned, reason, s.now())
		changed = true
		return tx.SaveSession(ctx, session)
	})
	return changed, session, err
}

// GetSession returns the session in any state
func (s *AdaptiveSessionService) GetSession(ctx context.Context, sessionID string) (result *models.TestSession, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "get_session", observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	if err := parseSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// GetSessionResponses returns the response log of a session
func (s *AdaptiveSessionService) GetSessionResponses(ctx context.Context, sessionID string) (result []*models.ResponseEvent, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "get_session_responses", observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListResponseEvents(ctx, sessionID)
}

// GetAbility returns the stored estimate, or the prior when the student has none
func (s *AdaptiveSessionService) GetAbility(ctx context.Context, userID string, subject models.SubjectArea) (result *models.AbilityEstimate, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "get_ability",
		observability.AttributeUserID(userID),
		observability.AttributeSubject(string(subject)),
	)
	defer observability.FinishSpan(span, &err)

	if strings.TrimSpace(userID) == "" {
		return nil, contextutils.WrapError(contextutils.ErrMissingRequired, "user_id is required")
	}
	if !subject.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", subject)
	}

	result, err = s.store.GetAbility(ctx, userID, subject)
	if errors.Is(err, contextutils.ErrRecordNotFound) {
		return s.priorAbility(userID, subject), nil
	}
	return result, err
}

func (s *AdaptiveSessionService) priorAbility(userID string, subject models.SubjectArea) *models.AbilityEstimate {
	return &models.AbilityEstimate{
		UserID:        userID,
		SubjectArea:   subject,
		Theta:         s.settings.PriorTheta,
		StandardError: s.settings.PriorSE,
	}
}

func (s *AdaptiveSessionService) report(a *models.AbilityEstimate) *AbilityReport {
	lo, hi := irt.ConfidenceInterval(irt.Estimate{Theta: a.Theta, SE: a.StandardError}, confidenceZ, s.settings.ThetaMin, s.settings.ThetaMax)
	return &AbilityReport{
		AbilityEstimate:    a,
		Percentile:         irt.ThetaToPercentile(a.Theta),
		ConfidenceInterval: [2]float64{lo, hi},
		PercentileInterval: [2]float64{irt.ThetaToPercentile(lo), irt.ThetaToPercentile(hi)},
	}
}

// GetAbilityReport returns the estimate with percentile and confidence interval
func (s *AdaptiveSessionService) GetAbilityReport(ctx context.Context, userID string, subject models.SubjectArea) (*AbilityReport, error) {
	a, err := s.GetAbility(ctx, userID, subject)
	if err != nil {
		return nil, err
	}
	return s.report(a), nil
}

// GetAbilityProfile reports every subject, using the prior where the student has no estimate yet
func (s *AdaptiveSessionService) GetAbilityProfile(ctx context.Context, userID string) (result []*AbilityReport, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "get_ability_profile", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	if strings.TrimSpace(userID) == "" {
		return nil, contextutils.WrapError(contextutils.ErrMissingRequired, "user_id is required")
	}

	stored, err := s.store.ListAbilities(ctx, userID)
	if err != nil {
		return nil, err
	}
	bySubject := make(map[models.SubjectArea]*models.AbilityEstimate, len(stored))
	for _, a := range stored {
		bySubject[a.SubjectArea] = a
	}

	for _, subject := range models.SubjectAreas() {
		a, ok := bySubject[subject]
		if !ok {
			a = s.priorAbility(userID, subject)
		}
		result = append(result, s.report(a))
	}
	return result, nil
}

// AbandonStaleSessions abandons up to limit active sessions not updated since
// inactiveSince and returns how many it closed
func (s *AdaptiveSessionService) AbandonStaleSessions(ctx context.Context, inactiveSince time.Time, limit int) (count int, err error) {
	ctx, span := observability.TraceSessionFunction(ctx, "abandon_stale_sessions", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	if limit <= 0 {
		limit = config.DefaultReaperBatchSize
	}
	stale, err := s.store.ListStaleSessions(ctx, inactiveSince, limit)
	if err != nil {
		return 0, err
	}

	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return count, contextutils.WrapErrorf(contextutils.ErrTimeout, "reaping interrupted: %v", err)
		}

		unlock := s.locks.Lock(lockKey(candidate.UserID, candidate.SubjectArea))
		changed, session, err := s.finishIfActive(ctx, candidate.ID, models.TerminationInactivity, inactiveSince)
		unlock()
		if err != nil {
			s.logger.Error(ctx, "Failed to abandon stale session", err, map[string]interface{}{"session_id": candidate.ID})
			continue
		}
		if changed {
			count++
			s.metrics.SessionFinished(ctx, string(session.SubjectArea), string(session.Status), string(session.TerminationReason))
		}
	}

	span.SetAttributes(attribute.Int("sessions.abandoned", count))
	s.metrics.SessionsReaped(ctx, count)
	return count, nil
}
