package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})
}

type bankParams struct {
	a, b, c    float64
	calibrated bool
}

func seedBank(t *testing.T, st *store.MemoryStore, subject models.SubjectArea, params ...bankParams) []*models.Item {
	t.Helper()
	var out []*models.Item
	for _, p := range params {
		item, err := st.UpsertItem(context.Background(), &models.Item{
			SubjectArea:     subject,
			Stem:            "pregunta",
			Options:         []string{"uno", "dos", "tres", "cuatro"},
			CorrectOption:   "B",
			DiscriminationA: p.a,
			DifficultyB:     p.b,
			GuessingC:       p.c,
			IsCalibrated:    p.calibrated,
		})
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func newTestSessionService(t *testing.T, mutate func(*config.AdaptiveConfig)) (*AdaptiveSessionService, *store.MemoryStore) {
	t.Helper()
	cfg := config.DefaultAdaptiveConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	st := store.NewMemoryStore()
	logger := testLogger()
	svc := NewAdaptiveSessionService(st, NewItemBankService(st, logger), nil, cfg, observability.NewCATMetrics(), logger)
	return svc, st
}

func spread(n int) []bankParams {
	params := make([]bankParams, n)
	for i := range params {
		params[i] = bankParams{a: 1, b: -2 + 4*float64(i)/float64(n), calibrated: true}
	}
	return params
}

func TestStartSession_ServesMostInformativeItem(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	items := seedBank(t, st, models.SubjectMatematicas,
		bankParams{a: 1, b: -2, calibrated: true},
		bankParams{a: 1, b: 0, calibrated: true},
		bankParams{a: 1, b: 2, calibrated: true},
	)

	res, err := svc.StartSession(context.Background(), "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	require.NotNil(t, res.FirstItem)
	assert.Equal(t, items[1].ID, res.FirstItem.ID)
	assert.Equal(t, models.SessionStatusActive, res.Session.Status)
	require.NotNil(t, res.Session.PendingItemID)
	assert.Equal(t, items[1].ID, *res.Session.PendingItemID)
	assert.Equal(t, 20, res.Session.MaxQuestions)

	_, err = uuid.Parse(res.Session.ID)
	assert.NoError(t, err)

	// the ability row is created with the prior
	a, err := st.GetAbility(context.Background(), "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Theta)
	assert.Equal(t, 1.0, a.StandardError)
	assert.Equal(t, 0, a.ResponseCount)

	// serving counts as an exposure
	counts, err := st.ExposureCounts(context.Background(), []int{items[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[items[1].ID])
}

func TestStartSession_EmptyBankCompletesImmediately(t *testing.T) {
	svc, _ := newTestSessionService(t, nil)

	res, err := svc.StartSession(context.Background(), "student-1", models.SubjectIngles)
	require.NoError(t, err)
	assert.Nil(t, res.FirstItem)
	assert.Equal(t, models.SessionStatusCompleted, res.Session.Status)
	assert.Equal(t, models.TerminationNoEligibleItem, res.Session.TerminationReason)
	assert.Nil(t, res.Session.PendingItemID)
	assert.NotNil(t, res.Session.CompletedAt)
}

func TestStartSession_InvalidInput(t *testing.T) {
	svc, _ := newTestSessionService(t, nil)

	_, err := svc.StartSession(context.Background(), "  ", models.SubjectIngles)
	assert.True(t, errors.Is(err, contextutils.ErrMissingRequired))

	_, err = svc.StartSession(context.Background(), "student-1", "fisica")
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))
}

func TestSubmitAnswer_IncorrectAnswerLowersAbility(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, bankParams{a: 1.2, b: 0, c: 0.2, calibrated: true}, bankParams{a: 1, b: -1, calibrated: true})
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	require.Equal(t, 1, start.FirstItem.ID)

	res, err := svc.SubmitAnswer(ctx, start.Session.ID, 1, "C")
	require.NoError(t, err)
	assert.False(t, res.IsCorrect)
	assert.InDelta(t, -0.466, res.Theta, 0.01)
	assert.InDelta(t, 0.885, res.StandardError, 0.01)
	assert.Equal(t, 1, res.ResponseCount)
	assert.Equal(t, models.SessionStatusActive, res.SessionStatus)
	require.NotNil(t, res.NextItem)
	assert.Equal(t, 2, res.NextItem.ID)

	a, err := st.GetAbility(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, res.Theta, a.Theta)
	assert.Equal(t, 1, a.ResponseCount)

	events, err := svc.GetSessionResponses(ctx, start.Session.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0.0, events[0].ThetaBefore)
	assert.Equal(t, res.Theta, events[0].ThetaAfter)
	assert.Equal(t, "C", events[0].SelectedAnswer)
	assert.False(t, events[0].IsCorrect)
}

func TestSubmitAnswer_ScoringIgnoresCaseAndSpace(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectLecturaCritica, spread(3)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectLecturaCritica)
	require.NoError(t, err)

	res, err := svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "  b ")
	require.NoError(t, err)
	assert.True(t, res.IsCorrect)
	assert.Greater(t, res.Theta, 0.0)
}

func TestSubmitAnswer_Rejections(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(5)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	first := start.FirstItem.ID

	t.Run("not the served item", func(t *testing.T) {
		other := first%5 + 1
		_, err := svc.SubmitAnswer(ctx, start.Session.ID, other, "B")
		assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))
	})

	res, err := svc.SubmitAnswer(ctx, start.Session.ID, first, "B")
	require.NoError(t, err)

	t.Run("duplicate", func(t *testing.T) {
		_, err := svc.SubmitAnswer(ctx, start.Session.ID, first, "B")
		assert.True(t, errors.Is(err, contextutils.ErrDuplicateSubmission))

		// the rejected submission changed nothing
		a, err := st.GetAbility(ctx, "student-1", models.SubjectMatematicas)
		require.NoError(t, err)
		assert.Equal(t, res.Theta, a.Theta)
		assert.Equal(t, 1, a.ResponseCount)
	})

	t.Run("malformed session id", func(t *testing.T) {
		_, err := svc.SubmitAnswer(ctx, "not-a-uuid", first, "B")
		assert.True(t, errors.Is(err, contextutils.ErrSessionNotFound))
	})

	t.Run("unknown session id", func(t *testing.T) {
		_, err := svc.SubmitAnswer(ctx, uuid.NewString(), first, "B")
		assert.True(t, errors.Is(err, contextutils.ErrSessionNotFound))
	})
}

func TestSubmitAnswer_StopsAtMaxQuestions(t *testing.T) {
	svc, st := newTestSessionService(t, func(cfg *config.AdaptiveConfig) {
		cfg.MaxQuestions = 3
		cfg.StandardErrorThreshold = 0
	})
	seedBank(t, st, models.SubjectCienciasSociales, spread(10)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectCienciasSociales)
	require.NoError(t, err)

	itemID := start.FirstItem.ID
	var res *SubmitAnswerResult
	for i := 0; i < 3; i++ {
		res, err = svc.SubmitAnswer(ctx, start.Session.ID, itemID, "B")
		require.NoError(t, err)
		if i < 2 {
			require.NotNil(t, res.NextItem)
			itemID = res.NextItem.ID
		}
	}

	assert.Equal(t, models.SessionStatusCompleted, res.SessionStatus)
	assert.Equal(t, models.TerminationMaxQuestions, res.TerminationReason)
	assert.Nil(t, res.NextItem)
	assert.Equal(t, 3, res.ResponseCount)

	sess, err := svc.GetSession(ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Len(t, sess.AdministeredItemIDs, 3)

	// the answer that completed the session is still reported as a duplicate
	_, err = svc.SubmitAnswer(ctx, start.Session.ID, itemID, "B")
	assert.True(t, errors.Is(err, contextutils.ErrDuplicateSubmission))

	unanswered := 0
	for id := 1; unanswered == 0; id++ {
		if !sess.HasAdministered(id) {
			unanswered = id
		}
	}
	_, err = svc.SubmitAnswer(ctx, start.Session.ID, unanswered, "B")
	assert.True(t, errors.Is(err, contextutils.ErrSessionNotActive))

	sess, err = svc.GetSession(ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Len(t, sess.AdministeredItemIDs, 3)
	assert.Nil(t, sess.PendingItemID)
	assert.NotNil(t, sess.CompletedAt)
}

func TestSubmitAnswer_StopsOncePrecise(t *testing.T) {
	svc, st := newTestSessionService(t, func(cfg *config.AdaptiveConfig) {
		cfg.MinQuestions = 2
		cfg.StandardErrorThreshold = 0.95
	})
	seedBank(t, st, models.SubjectMatematicas, spread(10)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)

	// se drops below the threshold after one answer, but the minimum is two
	res, err := svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "B")
	require.NoError(t, err)
	require.Less(t, res.StandardError, 0.95)
	assert.Equal(t, models.SessionStatusActive, res.SessionStatus)

	res, err = svc.SubmitAnswer(ctx, start.Session.ID, res.NextItem.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, res.SessionStatus)
	assert.Equal(t, models.TerminationPrecision, res.TerminationReason)
}

func TestSubmitAnswer_PoolExhaustion(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectIngles, spread(2)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectIngles)
	require.NoError(t, err)

	res, err := svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, res.NextItem)

	res, err = svc.SubmitAnswer(ctx, start.Session.ID, res.NextItem.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, res.SessionStatus)
	assert.Equal(t, models.TerminationNoEligibleItem, res.TerminationReason)
}

func TestSubmitAnswer_FallbackItemsLeaveAbilityUnchanged(t *testing.T) {
	svc, st := newTestSessionService(t, func(cfg *config.AdaptiveConfig) {
		cfg.FallbackToUncalibrated = true
	})
	items := seedBank(t, st, models.SubjectCienciasNaturales,
		bankParams{a: 1, b: 0, calibrated: false},
		bankParams{a: 1, b: 1, calibrated: false},
	)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectCienciasNaturales)
	require.NoError(t, err)
	require.NotNil(t, start.FirstItem)
	assert.Equal(t, items[0].ID, start.FirstItem.ID)

	res, err := svc.SubmitAnswer(ctx, start.Session.ID, items[0].ID, "B")
	require.NoError(t, err)
	assert.True(t, res.IsCorrect)
	assert.Equal(t, 0.0, res.Theta)
	assert.Equal(t, 1.0, res.StandardError)
	assert.Equal(t, 1, res.ResponseCount)
	require.NotNil(t, res.NextItem)
	assert.Equal(t, items[1].ID, res.NextItem.ID)

	events, err := svc.GetSessionResponses(ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSelectNext_PrefersLessExposedOnTie(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	items := seedBank(t, st, models.SubjectMatematicas,
		bankParams{a: 1, b: 0, calibrated: true},
		bankParams{a: 1, b: 0, calibrated: true},
	)
	ctx := context.Background()
	require.NoError(t, st.IncrementExposure(ctx, items[0].ID))

	res, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, items[1].ID, res.FirstItem.ID)

	// now both have one exposure; the lower id wins
	res, err = svc.StartSession(ctx, "student-2", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, res.FirstItem.ID)
}

func TestAbilityCarriesAcrossSessions(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(6)...)
	ctx := context.Background()

	first, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	res, err := svc.SubmitAnswer(ctx, first.Session.ID, first.FirstItem.ID, "B")
	require.NoError(t, err)
	_, err = svc.AbandonSession(ctx, first.Session.ID)
	require.NoError(t, err)

	second, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	a, err := svc.GetAbility(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, res.Theta, a.Theta)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
}

func TestAbandonSession_Idempotent(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectIngles, spread(3)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectIngles)
	require.NoError(t, err)

	sess, err := svc.AbandonSession(ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, sess.Status)
	assert.Equal(t, models.TerminationUserAbandoned, sess.TerminationReason)
	assert.Nil(t, sess.PendingItemID)

	again, err := svc.AbandonSession(ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, again.Status)
	assert.Equal(t, sess.CompletedAt, again.CompletedAt)

	_, err = svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "B")
	assert.True(t, errors.Is(err, contextutils.ErrSessionNotActive))

	_, err = svc.AbandonSession(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, contextutils.ErrSessionNotFound))
}

func TestSubmitAnswer_ConcurrentDuplicatesAcceptOnce(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(5)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)

	const workers = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		ok         int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "B")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, contextutils.ErrDuplicateSubmission):
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, duplicates)

	a, err := st.GetAbility(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ResponseCount)
	assert.Equal(t, 0, svc.locks.size())
}

func TestSubmitAnswer_DifferentStudentsInParallel(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(5)...)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			start, err := svc.StartSession(ctx, user, models.SubjectMatematicas)
			if err != nil {
				errs <- err
				return
			}
			if _, err := svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "B"); err != nil {
				errs <- err
			}
		}(uuid.NewString())
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Abilities)
	assert.Equal(t, 8, stats.ResponseEvents)
}

func TestGetAbility_PriorWhenMissing(t *testing.T) {
	svc, _ := newTestSessionService(t, nil)

	a, err := svc.GetAbility(context.Background(), "nobody", models.SubjectIngles)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Theta)
	assert.Equal(t, 1.0, a.StandardError)
	assert.Equal(t, 0, a.ResponseCount)

	_, err = svc.GetAbility(context.Background(), "nobody", "quimica")
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))
}

func TestGetAbilityProfile(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(3)...)
	ctx := context.Background()

	start, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)
	_, err = svc.SubmitAnswer(ctx, start.Session.ID, start.FirstItem.ID, "B")
	require.NoError(t, err)

	profile, err := svc.GetAbilityProfile(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, profile, len(models.SubjectAreas()))

	for _, r := range profile {
		if r.SubjectArea == models.SubjectMatematicas {
			assert.Greater(t, r.Percentile, 50.0)
			assert.Equal(t, 1, r.ResponseCount)
			continue
		}
		assert.InDelta(t, 50.0, r.Percentile, 1e-9)
		assert.InDelta(t, -1.96, r.ConfidenceInterval[0], 1e-9)
		assert.InDelta(t, 1.96, r.ConfidenceInterval[1], 1e-9)
		assert.InDelta(t, 2.5, r.PercentileInterval[0], 0.01)
		assert.InDelta(t, 97.5, r.PercentileInterval[1], 0.01)
	}

	report, err := svc.GetAbilityReport(ctx, "student-1", models.SubjectIngles)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, report.Percentile, 1e-9)
}

func TestAbandonStaleSessions(t *testing.T) {
	svc, st := newTestSessionService(t, nil)
	seedBank(t, st, models.SubjectMatematicas, spread(3)...)
	seedBank(t, st, models.SubjectIngles, spread(3)...)
	ctx := context.Background()

	old := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return old }
	stale, err := svc.StartSession(ctx, "student-1", models.SubjectMatematicas)
	require.NoError(t, err)

	svc.now = func() time.Time { return old.Add(time.Hour) }
	fresh, err := svc.StartSession(ctx, "student-2", models.SubjectIngles)
	require.NoError(t, err)

	n, err := svc.AbandonStaleSessions(ctx, old.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, err := svc.GetSession(ctx, stale.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, sess.Status)
	assert.Equal(t, models.TerminationInactivity, sess.TerminationReason)

	sess, err = svc.GetSession(ctx, fresh.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, sess.Status)

	n, err = svc.AbandonStaleSessions(ctx, old.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
