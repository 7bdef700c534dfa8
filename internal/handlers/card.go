package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
	"github.com/knowdeck/knowdeck-backend/internal/requestdata"
	"github.com/knowdeck/knowdeck-backend/internal/services"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type CardHandler struct {
	log                 *logger.Logger
	cardService         services.CardService
	ingestionService    services.IngestionService
	regenerationService services.RegenerationService
}

func NewCardHandler(log *logger.Logger, cardService services.CardService, ingestionService services.IngestionService, regenerationService services.RegenerationService) *CardHandler {
	return &CardHandler{
		log:                 log.With("handler", "CardHandler"),
		cardService:         cardService,
		ingestionService:    ingestionService,
		regenerationService: regenerationService,
	}
}

func ownerFrom(c *gin.Context) (uuid.UUID, bool) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return uuid.Nil, false
	}
	return rd.UserID, true
}

func parseCardFilter(c *gin.Context) repos.CardFilter {
	filter := repos.CardFilter{
		Type:           c.Query("type"),
		Category:       c.Query("category"),
		Search:         c.Query("search"),
		Source:         c.Query("source"),
		SourceFileType: c.Query("sourceFileType"),
	}
	if t, ok := parseDate(c.Query("dateFrom")); ok {
		filter.DateFrom = &t
	}
	if t, ok := parseDate(c.Query("dateTo")); ok {
		filter.DateTo = &t
	}
	return filter
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func parseListOptions(c *gin.Context) repos.CardListOptions {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return repos.CardListOptions{
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
		Limit:     limit,
		Skip:      (page - 1) * limit,
	}
}

// GET /api/cards
func (h *CardHandler) ListCards(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	cards, pagination, err := h.cardService.ListCards(c.Request.Context(), ownerID, parseCardFilter(c), parseListOptions(c))
	if err != nil {
		h.log.Error("ListCards failed", "error", err, "owner_id", ownerID)
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"cards": cards, "pagination": pagination})
}

// GET /api/cards/count
func (h *CardHandler) CountCards(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	count, err := h.cardService.CountCards(c.Request.Context(), ownerID, parseCardFilter(c))
	if err != nil {
		h.log.Error("CountCards failed", "error", err, "owner_id", ownerID)
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"count": count})
}

// GET /api/cards/:id — id or public cardId; public cards readable by anyone.
func (h *CardHandler) GetCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	card, err := h.cardService.GetCard(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, card)
}

// POST /api/cards — manual creation, bypasses dedup.
func (h *CardHandler) CreateCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	var input services.CreateCardInput
	if err := c.ShouldBindJSON(&input); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	card, err := h.cardService.CreateCard(c.Request.Context(), ownerID, input)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondCreated(c, card)
}

// PUT /api/cards/:id — partial update.
func (h *CardHandler) UpdateCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	var patch services.UpdateCardPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	card, err := h.cardService.UpdateCard(c.Request.Context(), ownerID, c.Param("id"), patch)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, card)
}

// DELETE /api/cards/:id
func (h *CardHandler) DeleteCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	if err := h.cardService.DeleteCard(c.Request.Context(), ownerID, c.Param("id")); err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}

// PATCH /api/cards/:id/review
func (h *CardHandler) ReviewCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	card, err := h.cardService.ReviewCard(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, card)
}

// PATCH /api/cards/:id/rate
func (h *CardHandler) RateCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	var body struct {
		Rating int `json:"rating"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	card, err := h.cardService.RateCard(c.Request.Context(), ownerID, c.Param("id"), body.Rating)
	if err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, card)
}

// POST /api/cards/:id/regenerate
func (h *CardHandler) RegenerateCard(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	var req services.RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	result, err := h.regenerationService.Regenerate(c.Request.Context(), ownerID, c.Param("id"), req)
	if err != nil {
		h.log.Error("RegenerateCard failed", "error", err, "owner_id", ownerID, "id", c.Param("id"))
		RespondAPIError(c, err)
		return
	}
	if result.Comparison {
		RespondOK(c, gin.H{
			"comparison": true,
			"ruleBased":  result.RuleBased,
			"ai":         result.AI,
			"aiError":    result.AIError,
		})
		return
	}
	RespondOK(c, result.Card)
}

// DELETE /api/cards/:id/regenerate — discard a pending comparison.
func (h *CardHandler) CancelRegeneration(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	if err := h.regenerationService.Cancel(c.Request.Context(), ownerID, c.Param("id")); err != nil {
		RespondAPIError(c, err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}

// POST /api/cards/ingest — entry point for the upload pipeline. Accepts one
// processed item or a batch under "items".
func (h *CardHandler) IngestCards(c *gin.Context) {
	ownerID, ok := ownerFrom(c)
	if !ok {
		return
	}
	var req struct {
		Items []types.ProcessedItem `json:"items"`
		types.ProcessedItem
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	items := req.Items
	if len(items) == 0 {
		items = []types.ProcessedItem{req.ProcessedItem}
	}
	results, err := h.ingestionService.IngestProcessedItems(c.Request.Context(), ownerID, items)
	if err != nil {
		h.log.Error("IngestCards failed", "error", err, "owner_id", ownerID)
		RespondAPIError(c, err)
		return
	}
	if len(results) == 1 && len(req.Items) == 0 {
		RespondOK(c, results[0])
		return
	}
	RespondOK(c, gin.H{"results": results})
}
