package services

import (
	"context"
	"math"

	"icfesprep/internal/irt"
	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// ItemBankServiceInterface defines read and maintenance operations on the item bank
type ItemBankServiceInterface interface {
	GetEligibleItems(ctx context.Context, subject models.SubjectArea, excludeIDs []int) ([]*models.Item, error)
	GetFallbackItems(ctx context.Context, subject models.SubjectArea, excludeIDs []int) ([]*models.Item, error)
	GetItem(ctx context.Context, id int) (*models.Item, error)
	ListItems(ctx context.Context, filter models.ItemFilter) ([]*models.Item, error)
	UpsertItem(ctx context.Context, item *models.Item) (*models.Item, error)
	ImportItems(ctx context.Context, items []*models.Item) (*ImportResult, error)
	BankInformation(ctx context.Context, subject models.SubjectArea, theta float64) (*BankInformation, error)
}

// ImportResult summarises a bulk upsert
type ImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// BankInformation is the test information of a subject's calibrated bank at one ability level
type BankInformation struct {
	SubjectArea                models.SubjectArea `json:"subject_area"`
	Theta                      float64            `json:"theta"`
	Items                      int                `json:"items"`
	Information                float64            `json:"information"`
	StandardErrorOfMeasurement *float64           `json:"standard_error_of_measurement"`
}

// ItemBankService serves items to the session coordinator and the admin surfaces
type ItemBankService struct {
	store  store.Store
	logger *observability.Logger
}

// NewItemBankService creates a new ItemBankService instance
func NewItemBankService(st store.Store, logger *observability.Logger) *ItemBankService {
	if st == nil {
		panic("NewItemBankService: store is nil")
	}
	if logger == nil {
		panic("NewItemBankService: logger is nil")
	}
	return &ItemBankService{store: st, logger: logger}
}

// GetEligibleItems returns the calibrated items of subject that are not in excludeIDs
func (s *ItemBankService) GetEligibleItems(ctx context.Context, subject models.SubjectArea, excludeIDs []int) (result []*models.Item, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "get_eligible_items",
		observability.AttributeSubject(string(subject)),
		attribute.Int("exclude.count", len(excludeIDs)),
	)
	defer observability.FinishSpan(span, &err)

	if !subject.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", subject)
	}

	result, err = s.store.ListSubjectItems(ctx, subject, true, excludeIDs)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, contextutils.WrapErrorf(contextutils.ErrNoEligibleItems, "no calibrated items left for %s", subject)
	}
	span.SetAttributes(attribute.Int("items.count", len(result)))
	return result, nil
}

// GetFallbackItems returns uncalibrated items in id order for the non-adaptive path
func (s *ItemBankService) GetFallbackItems(ctx context.Context, subject models.SubjectArea, excludeIDs []int) (result []*models.Item, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "get_fallback_items", observability.AttributeSubject(string(subject)))
	defer observability.FinishSpan(span, &err)

	result, err = s.store.ListSubjectItems(ctx, subject, false, excludeIDs)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, contextutils.WrapErrorf(contextutils.ErrNoEligibleItems, "no uncalibrated items left for %s", subject)
	}
	return result, nil
}

// GetItem returns one item by id
func (s *ItemBankService) GetItem(ctx context.Context, id int) (result *models.Item, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "get_item", observability.AttributeItemID(id))
	defer observability.FinishSpan(span, &err)

	return s.store.GetItem(ctx, id)
}

// ListItems returns items for the admin listing
func (s *ItemBankService) ListItems(ctx context.Context, filter models.ItemFilter) (result []*models.Item, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "list_items",
		observability.AttributeSubject(string(filter.SubjectArea)),
		observability.AttributeLimit(filter.Limit),
	)
	defer observability.FinishSpan(span, &err)

	if filter.SubjectArea != "" && !filter.SubjectArea.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", filter.SubjectArea)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "limit and offset must not be negative")
	}
	return s.store.ListItems(ctx, filter)
}

// UpsertItem validates and stores an item. Re-calibration is an upsert that
// changes a, b, c and is_calibrated on an existing id.
func (s *ItemBankService) UpsertItem(ctx context.Context, item *models.Item) (result *models.Item, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "upsert_item", observability.AttributeItemID(item.ID))
	defer observability.FinishSpan(span, &err)

	if err := validateItem(item); err != nil {
		return nil, err
	}

	result, err = s.store.UpsertItem(ctx, item)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Item stored", map[string]interface{}{
		"item_id":       result.ID,
		"subject_area":  string(result.SubjectArea),
		"is_calibrated": result.IsCalibrated,
	})
	return result, nil
}

// ImportItems upserts a batch; it stops at the first failure
func (s *ItemBankService) ImportItems(ctx context.Context, items []*models.Item) (result *ImportResult, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "import_items", attribute.Int("items.count", len(items)))
	defer observability.FinishSpan(span, &err)

	result = &ImportResult{}
	for i, item := range items {
		isNew := item.ID == 0
		if _, err := s.UpsertItem(ctx, item); err != nil {
			return result, contextutils.WrapErrorf(err, "item %d of %d", i+1, len(items))
		}
		if isNew {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	return result, nil
}

// BankInformation sums item information over the calibrated bank of subject at theta
func (s *ItemBankService) BankInformation(ctx context.Context, subject models.SubjectArea, theta float64) (result *BankInformation, err error) {
	ctx, span := observability.TraceItemBankFunction(ctx, "bank_information",
		observability.AttributeSubject(string(subject)),
		observability.AttributeTheta(theta),
	)
	defer observability.FinishSpan(span, &err)

	if !subject.IsValid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", subject)
	}
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "theta must be finite")
	}

	items, err := s.store.ListSubjectItems(ctx, subject, true, nil)
	if err != nil {
		return nil, err
	}

	params := make([]irt.ItemParams, len(items))
	for i, item := range items {
		params[i] = itemParams(item)
	}

	info := irt.TestInformation(theta, params...)
	result = &BankInformation{
		SubjectArea: subject,
		Theta:       theta,
		Items:       len(items),
		Information: info,
	}
	if sem := irt.StandardErrorOfMeasurement(info); !math.IsInf(sem, 1) {
		result.StandardErrorOfMeasurement = &sem
	}
	return result, nil
}

func itemParams(item *models.Item) irt.ItemParams {
	return irt.ItemParams{A: item.DiscriminationA, B: item.DifficultyB, C: item.GuessingC}
}

func validateItem(item *models.Item) error {
	if item == nil {
		return contextutils.WrapError(contextutils.ErrMissingRequired, "item is required")
	}
	if item.ID < 0 {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid item id %d", item.ID)
	}
	if !item.SubjectArea.IsValid() {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", item.SubjectArea)
	}
	if item.Stem == "" || item.CorrectOption == "" || len(item.Options) < 2 {
		return contextutils.WrapError(contextutils.ErrMissingRequired, "stem, correct_option and at least two options are required")
	}
	if err := itemParams(item).Validate(); err != nil {
		return contextutils.WrapErrorf(err, "item %d", item.ID)
	}
	return nil
}
