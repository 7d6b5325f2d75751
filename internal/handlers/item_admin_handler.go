package handlers

import (
	"net/http"
	"strconv"

	"icfesprep/internal/irt"
	"icfesprep/internal/itembank"
	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultItemPageSize = 50
	maxItemPageSize     = 500
	// maxItemImportBytes caps PUT /v1/admin/items bodies
	maxItemImportBytes = 8 << 20
)

// ItemAdminHandler serves item bank maintenance for content editors
type ItemAdminHandler struct {
	itemBankService services.ItemBankServiceInterface
	loader          *itembank.Loader
	logger          *observability.Logger
}

// NewItemAdminHandler creates a new ItemAdminHandler instance
func NewItemAdminHandler(itemBankService services.ItemBankServiceInterface, loader *itembank.Loader, logger *observability.Logger) *ItemAdminHandler {
	return &ItemAdminHandler{
		itemBankService: itemBankService,
		loader:          loader,
		logger:          logger,
	}
}

// ListItems handles GET /v1/admin/items
func (h *ItemAdminHandler) ListItems(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "list_items")
	defer observability.FinishSpan(span, nil)

	page := ParsePagination(c, defaultItemPageSize, maxItemPageSize)
	filters := ParseFilters(c, "subject_area", "calibrated")

	filter := models.ItemFilter{
		SubjectArea: models.SubjectArea(filters["subject_area"]),
		Limit:       page.PageSize,
		Offset:      page.Offset(),
	}
	if raw, ok := filters["calibrated"]; ok {
		calibrated, err := strconv.ParseBool(raw)
		if err != nil {
			HandleValidationError(c, "calibrated", raw, "must be true or false")
			return
		}
		filter.Calibrated = &calibrated
	}

	items, err := h.itemBankService.ListItems(ctx, filter)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if items == nil {
		items = []*models.Item{}
	}
	span.SetAttributes(attribute.Int("items.count", len(items)))

	WritePaginated(c, "items", items, len(items), page, nil)
}

// UpsertItems handles PUT /v1/admin/items. The body is an item file in
// YAML or JSON; records with an id update that item, the rest are inserted.
func (h *ItemAdminHandler) UpsertItems(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "upsert_items")
	defer observability.FinishSpan(span, nil)

	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxItemImportBytes)
	items, err := h.loader.Load(body)
	if err != nil {
		h.logger.Warn(ctx, "Rejected item file", map[string]interface{}{
			"error": err.Error(),
		})
		HandleAppError(c, err)
		return
	}

	res, err := h.itemBankService.ImportItems(ctx, items)
	if err != nil {
		fields := map[string]interface{}{}
		if res != nil {
			fields["inserted"] = res.Inserted
			fields["updated"] = res.Updated
		}
		h.logger.Error(ctx, "Item import stopped", err, fields)
		HandleAppError(c, err)
		return
	}

	h.logger.Info(ctx, "Imported items", map[string]interface{}{
		"inserted": res.Inserted,
		"updated":  res.Updated,
	})
	c.JSON(http.StatusOK, res)
}

// GetBankInformation handles GET /v1/admin/items/information?subject_area=&theta=
// The ability level may be given as percentile= instead of theta=.
func (h *ItemAdminHandler) GetBankInformation(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_bank_information")
	defer observability.FinishSpan(span, nil)

	subject := models.SubjectArea(c.Query("subject_area"))
	rawTheta, rawPercentile := c.Query("theta"), c.Query("percentile")
	if rawTheta != "" && rawPercentile != "" {
		HandleValidationError(c, "percentile", rawPercentile, "theta and percentile are mutually exclusive")
		return
	}

	theta := 0.0
	switch {
	case rawTheta != "":
		parsed, err := strconv.ParseFloat(rawTheta, 64)
		if err != nil {
			HandleValidationError(c, "theta", rawTheta, "must be a number")
			return
		}
		theta = parsed
	case rawPercentile != "":
		parsed, err := strconv.ParseFloat(rawPercentile, 64)
		if err != nil || parsed < 0 || parsed > 100 {
			HandleValidationError(c, "percentile", rawPercentile, "must be a number between 0 and 100")
			return
		}
		theta = irt.PercentileToTheta(parsed)
	}

	info, err := h.itemBankService.BankInformation(ctx, subject, theta)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
