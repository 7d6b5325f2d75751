package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"icfesprep/internal/models"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestItemBank(t *testing.T) (*ItemBankService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewItemBankService(st, testLogger()), st
}

func validItem(subject models.SubjectArea) *models.Item {
	return &models.Item{
		SubjectArea:     subject,
		Stem:            "¿Cuál es la capital de Colombia?",
		Options:         []string{"Bogotá", "Lima"},
		CorrectOption:   "A",
		DiscriminationA: 1,
		DifficultyB:     0,
		GuessingC:       0.25,
		IsCalibrated:    true,
	}
}

func TestItemBankService_GetEligibleItems(t *testing.T) {
	svc, st := newTestItemBank(t)
	ctx := context.Background()
	seedBank(t, st, models.SubjectMatematicas,
		bankParams{a: 1, b: 0, calibrated: true},
		bankParams{a: 1, b: 1, calibrated: true},
		bankParams{a: 1, b: 2, calibrated: false},
	)

	items, err := svc.GetEligibleItems(ctx, models.SubjectMatematicas, []int{1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].ID)

	_, err = svc.GetEligibleItems(ctx, models.SubjectMatematicas, []int{1, 2})
	assert.True(t, errors.Is(err, contextutils.ErrNoEligibleItems))

	_, err = svc.GetEligibleItems(ctx, models.SubjectIngles, nil)
	assert.True(t, errors.Is(err, contextutils.ErrNoEligibleItems))

	_, err = svc.GetEligibleItems(ctx, "arte", nil)
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))

	fallback, err := svc.GetFallbackItems(ctx, models.SubjectMatematicas, nil)
	require.NoError(t, err)
	require.Len(t, fallback, 1)
	assert.Equal(t, 3, fallback[0].ID)
}

func TestItemBankService_GetItem(t *testing.T) {
	svc, st := newTestItemBank(t)
	seedBank(t, st, models.SubjectIngles, bankParams{a: 1, calibrated: true})

	item, err := svc.GetItem(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubjectIngles, item.SubjectArea)

	_, err = svc.GetItem(context.Background(), 2)
	assert.True(t, errors.Is(err, contextutils.ErrItemNotFound))
}

func TestItemBankService_UpsertValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.Item)
		wantErr *contextutils.AppError
	}{
		{"zero discrimination", func(i *models.Item) { i.DiscriminationA = 0 }, contextutils.ErrInvalidItemParameters},
		{"guessing of one", func(i *models.Item) { i.GuessingC = 1 }, contextutils.ErrInvalidItemParameters},
		{"NaN difficulty", func(i *models.Item) { i.DifficultyB = math.NaN() }, contextutils.ErrInvalidItemParameters},
		{"unknown subject", func(i *models.Item) { i.SubjectArea = "arte" }, contextutils.ErrInvalidInput},
		{"single option", func(i *models.Item) { i.Options = []string{"x"} }, contextutils.ErrMissingRequired},
		{"negative id", func(i *models.Item) { i.ID = -3 }, contextutils.ErrInvalidInput},
	}

	svc, _ := newTestItemBank(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := validItem(models.SubjectCienciasSociales)
			tt.mutate(item)
			_, err := svc.UpsertItem(context.Background(), item)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestItemBankService_Recalibration(t *testing.T) {
	svc, st := newTestItemBank(t)
	ctx := context.Background()

	uncalibrated := validItem(models.SubjectLecturaCritica)
	uncalibrated.IsCalibrated = false
	created, err := svc.UpsertItem(ctx, uncalibrated)
	require.NoError(t, err)
	require.NoError(t, st.IncrementExposure(ctx, created.ID))

	_, err = svc.GetEligibleItems(ctx, models.SubjectLecturaCritica, nil)
	assert.True(t, errors.Is(err, contextutils.ErrNoEligibleItems))

	recal := *created
	recal.DiscriminationA = 1.7
	recal.DifficultyB = 0.8
	recal.IsCalibrated = true
	updated, err := svc.UpsertItem(ctx, &recal)
	require.NoError(t, err)
	assert.Equal(t, 1.7, updated.DiscriminationA)
	assert.Equal(t, 1, updated.ExposureCount)

	items, err := svc.GetEligibleItems(ctx, models.SubjectLecturaCritica, nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestItemBankService_ImportItems(t *testing.T) {
	svc, _ := newTestItemBank(t)
	ctx := context.Background()

	first := validItem(models.SubjectMatematicas)
	res, err := svc.ImportItems(ctx, []*models.Item{first, validItem(models.SubjectMatematicas)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	update := validItem(models.SubjectMatematicas)
	update.ID = 1
	bad := validItem(models.SubjectMatematicas)
	bad.GuessingC = -0.1
	res, err = svc.ImportItems(ctx, []*models.Item{update, bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contextutils.ErrInvalidItemParameters))
	assert.Equal(t, 1, res.Updated)
}

func TestItemBankService_ListItems(t *testing.T) {
	svc, st := newTestItemBank(t)
	seedBank(t, st, models.SubjectMatematicas, spread(4)...)
	seedBank(t, st, models.SubjectIngles, spread(2)...)

	items, err := svc.ListItems(context.Background(), models.ItemFilter{SubjectArea: models.SubjectIngles})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = svc.ListItems(context.Background(), models.ItemFilter{Limit: -1})
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))
}

func TestItemBankService_BankInformation(t *testing.T) {
	svc, st := newTestItemBank(t)
	seedBank(t, st, models.SubjectMatematicas,
		bankParams{a: 1, b: 0, calibrated: true},
		bankParams{a: 1, b: 0, calibrated: true},
		bankParams{a: 1, b: 0, calibrated: false},
	)

	info, err := svc.BankInformation(context.Background(), models.SubjectMatematicas, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Items)
	// two items at P=0.5 carry 0.25 each
	assert.InDelta(t, 0.5, info.Information, 1e-12)
	require.NotNil(t, info.StandardErrorOfMeasurement)
	assert.InDelta(t, math.Sqrt(2), *info.StandardErrorOfMeasurement, 1e-12)

	empty, err := svc.BankInformation(context.Background(), models.SubjectIngles, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.Items)
	assert.Nil(t, empty.StandardErrorOfMeasurement)

	_, err = svc.BankInformation(context.Background(), models.SubjectIngles, math.Inf(1))
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))
}
