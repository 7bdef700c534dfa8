package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/knowdeck/knowdeck-backend/internal/apierr"
	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

type CreateCardInput struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Type     types.CardType `json:"type"`
	Category string         `json:"category"`
	Tags     []string       `json:"tags"`
	Source   string         `json:"source"`
	IsPublic bool           `json:"isPublic"`
}

type UpdateCardPatch struct {
	Title    *string         `json:"title"`
	Content  *string         `json:"content"`
	Type     *types.CardType `json:"type"`
	Category *string         `json:"category"`
	Tags     *[]string       `json:"tags"`
	Source   *string         `json:"source"`
	IsPublic *bool           `json:"isPublic"`
}

type Pagination struct {
	Current    int   `json:"current"`
	Total      int   `json:"total"`
	TotalCount int64 `json:"totalCount"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

type CardService interface {
	GetCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error)
	ListCards(ctx context.Context, ownerID uuid.UUID, filter repos.CardFilter, opts repos.CardListOptions) ([]*types.Card, *Pagination, error)
	CountCards(ctx context.Context, ownerID uuid.UUID, filter repos.CardFilter) (int64, error)
	CreateCard(ctx context.Context, ownerID uuid.UUID, input CreateCardInput) (*types.Card, error)
	UpdateCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string, patch UpdateCardPatch) (*types.Card, error)
	DeleteCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) error
	ReviewCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error)
	RateCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string, rating int) (*types.Card, error)
}

type cardService struct {
	db        *gorm.DB
	log       *logger.Logger
	cardRepo  repos.CardRepo
	allocator PublicIDAllocator
}

func NewCardService(db *gorm.DB, baseLog *logger.Logger, cardRepo repos.CardRepo, allocator PublicIDAllocator) CardService {
	serviceLog := baseLog.With("service", "CardService")
	return &cardService{
		db:        db,
		log:       serviceLog,
		cardRepo:  cardRepo,
		allocator: allocator,
	}
}

// isPublicIDShape reports whether the identifier looks like a shareable
// card id rather than a storage uuid.
func isPublicIDShape(s string) bool {
	if len(s) != types.PublicIDLength {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// resolveReadable finds a card by internal id or public cardId. Public-id
// reads are allowed for non-owners when the card is public; internal-id
// reads are always owner-scoped. Inaccessible cards surface as not found.
func (s *cardService) resolveReadable(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error) {
	if isPublicIDShape(idOrCardID) {
		card, err := s.cardRepo.GetByCardID(ctx, nil, idOrCardID)
		if err != nil {
			return nil, fmt.Errorf("get card by public id: %w", err)
		}
		if card == nil || (card.OwnerID != ownerID && !card.IsPublic) {
			return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
		}
		return card, nil
	}
	id, err := uuid.Parse(idOrCardID)
	if err != nil {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	card, err := s.cardRepo.GetByID(ctx, nil, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get card by id: %w", err)
	}
	if card == nil {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return card, nil
}

// resolveOwned is resolveReadable without the public-read allowance;
// mutations always require ownership.
func (s *cardService) resolveOwned(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error) {
	card, err := s.resolveReadable(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != ownerID {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return card, nil
}

func (s *cardService) GetCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error) {
	return s.resolveReadable(ctx, ownerID, idOrCardID)
}

func (s *cardService) ListCards(ctx context.Context, ownerID uuid.UUID, filter repos.CardFilter, opts repos.CardListOptions) ([]*types.Card, *Pagination, error) {
	if ownerID == uuid.Nil {
		return nil, nil, apierr.Validation("missing_owner", errors.New("owner id is required"))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	opts.Limit = limit

	cards, err := s.cardRepo.ListByOwner(ctx, nil, ownerID, filter, opts)
	if err != nil {
		s.log.Error("ListCards failed", "error", err, "owner_id", ownerID)
		return nil, nil, fmt.Errorf("list cards: %w", err)
	}
	totalCount, err := s.cardRepo.CountByOwner(ctx, nil, ownerID, filter)
	if err != nil {
		s.log.Error("ListCards count failed", "error", err, "owner_id", ownerID)
		return nil, nil, fmt.Errorf("count cards: %w", err)
	}

	current := opts.Skip/limit + 1
	totalPages := int((totalCount + int64(limit) - 1) / int64(limit))
	pagination := &Pagination{
		Current:    current,
		Total:      totalPages,
		TotalCount: totalCount,
		HasNext:    current < totalPages,
		HasPrev:    current > 1,
	}
	return cards, pagination, nil
}

func (s *cardService) CountCards(ctx context.Context, ownerID uuid.UUID, filter repos.CardFilter) (int64, error) {
	if ownerID == uuid.Nil {
		return 0, apierr.Validation("missing_owner", errors.New("owner id is required"))
	}
	count, err := s.cardRepo.CountByOwner(ctx, nil, ownerID, filter)
	if err != nil {
		return 0, fmt.Errorf("count cards: %w", err)
	}
	return count, nil
}

// CreateCard is the manual creation path. It bypasses the duplicate lookup
// (the user asked for this exact card), but the storage constraint still
// backstops: colliding content surfaces as a conflict instead of a merge.
func (s *cardService) CreateCard(ctx context.Context, ownerID uuid.UUID, input CreateCardInput) (*types.Card, error) {
	if ownerID == uuid.Nil {
		return nil, apierr.Validation("missing_owner", errors.New("owner id is required"))
	}
	if input.Title == "" || input.Content == "" || input.Category == "" {
		return nil, apierr.Validation("missing_fields", errors.New("title, content and category are required"))
	}
	cardType := input.Type
	if cardType == "" {
		cardType = types.CardTypeConcept
	}
	if !cardType.Valid() {
		return nil, apierr.Validation("invalid_type", fmt.Errorf("unknown card type %q", cardType))
	}

	for attempt := 0; attempt < 3; attempt++ {
		publicID, err := s.allocator.Allocate(ctx)
		if err != nil {
			return nil, fmt.Errorf("allocate public id: %w", err)
		}
		now := time.Now()
		card := &types.Card{
			ID:          uuid.New(),
			CardID:      publicID,
			OwnerID:     ownerID,
			Title:       input.Title,
			Content:     input.Content,
			Type:        cardType,
			Category:    input.Category,
			Tags:        datatypes.NewJSONSlice(append([]string{}, input.Tags...)),
			Source:      input.Source,
			IsPublic:    input.IsPublic,
			ContentHash: Fingerprint(input.Title, input.Content),
			GeneratedBy: types.GeneratedByRuleBased,
			Attachments: datatypes.NewJSONSlice([]types.Attachment{}),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.cardRepo.Create(ctx, nil, card)
		if err == nil {
			s.log.Info("Card created", "card_id", card.CardID, "owner_id", ownerID)
			return card, nil
		}
		if errors.Is(err, repos.ErrDuplicatePublicID) {
			s.log.Warn("Public id collided at insert, reallocating", "card_id", publicID)
			continue
		}
		if errors.Is(err, repos.ErrDuplicateContentHash) {
			return nil, apierr.Conflict("duplicate_card", errors.New("a card with the same content already exists"))
		}
		return nil, fmt.Errorf("create card: %w", err)
	}
	return nil, fmt.Errorf("create card: public id collisions exhausted retries")
}

func (s *cardService) UpdateCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string, patch UpdateCardPatch) (*types.Card, error) {
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	title := card.Title
	content := card.Content
	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, apierr.Validation("missing_fields", errors.New("title cannot be empty"))
		}
		title = *patch.Title
		fields["title"] = title
	}
	if patch.Content != nil {
		if *patch.Content == "" {
			return nil, apierr.Validation("missing_fields", errors.New("content cannot be empty"))
		}
		content = *patch.Content
		fields["content"] = content
	}
	if patch.Type != nil {
		if !patch.Type.Valid() {
			return nil, apierr.Validation("invalid_type", fmt.Errorf("unknown card type %q", *patch.Type))
		}
		fields["type"] = *patch.Type
	}
	if patch.Category != nil {
		fields["category"] = *patch.Category
	}
	if patch.Tags != nil {
		fields["tags"] = datatypes.NewJSONSlice(append([]string{}, (*patch.Tags)...))
	}
	if patch.Source != nil {
		fields["source"] = *patch.Source
	}
	if patch.IsPublic != nil {
		fields["is_public"] = *patch.IsPublic
	}
	// Manual edits keep dedup consistent going forward: the hash follows the
	// text, even though existing cards are not re-deduplicated retroactively.
	if patch.Title != nil || patch.Content != nil {
		fields["content_hash"] = Fingerprint(title, content)
	}
	if len(fields) == 0 {
		return card, nil
	}

	rows, err := s.cardRepo.UpdateFields(ctx, nil, card.ID, ownerID, fields)
	if err != nil {
		if errors.Is(err, repos.ErrDuplicateContentHash) {
			return nil, apierr.Conflict("duplicate_card", errors.New("another card with the same content already exists"))
		}
		s.log.Error("UpdateCard failed", "error", err, "card_id", card.CardID)
		return nil, fmt.Errorf("update card: %w", err)
	}
	if rows == 0 {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return s.cardRepo.GetByID(ctx, nil, card.ID, ownerID)
}

// DeleteCard removes the card outright. Collections referencing the card
// call this to cascade removal.
func (s *cardService) DeleteCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) error {
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return err
	}
	rows, err := s.cardRepo.Delete(ctx, nil, card.ID, ownerID)
	if err != nil {
		s.log.Error("DeleteCard failed", "error", err, "card_id", card.CardID)
		return fmt.Errorf("delete card: %w", err)
	}
	if rows == 0 {
		return apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	s.log.Info("Card deleted", "card_id", card.CardID, "owner_id", ownerID)
	return nil
}

func (s *cardService) ReviewCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error) {
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}
	rows, err := s.cardRepo.IncrementReview(ctx, nil, card.ID, ownerID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("review card: %w", err)
	}
	if rows == 0 {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return s.cardRepo.GetByID(ctx, nil, card.ID, ownerID)
}

func (s *cardService) RateCard(ctx context.Context, ownerID uuid.UUID, idOrCardID string, rating int) (*types.Card, error) {
	if rating < 1 || rating > 5 {
		return nil, apierr.Validation("invalid_rating", fmt.Errorf("rating must be between 1 and 5, got %d", rating))
	}
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}
	rows, err := s.cardRepo.UpdateFields(ctx, nil, card.ID, ownerID, map[string]any{"metadata_rating": rating})
	if err != nil {
		return nil, fmt.Errorf("rate card: %w", err)
	}
	if rows == 0 {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return s.cardRepo.GetByID(ctx, nil, card.ID, ownerID)
}
