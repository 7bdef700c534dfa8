package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/knowdeck/knowdeck-backend/internal/apierr"
	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

const (
	SelectedVersionRuleBased = "ruleBased"
	SelectedVersionAI        = "ai"

	defaultComparisonTimeout = 60 * time.Second
	defaultAttemptTTL        = 10 * time.Minute
)

type RegenerateRequest struct {
	UseAI           bool            `json:"useAI"`
	ComparisonMode  bool            `json:"comparisonMode"`
	SelectedVersion string          `json:"selectedVersion"`
	ComparisonData  *ComparisonData `json:"comparisonData"`
}

type ComparisonData struct {
	RuleBased *GeneratedCard `json:"ruleBased"`
	AI        *GeneratedCard `json:"ai"`
}

type RegenerateResult struct {
	Card       *types.Card    `json:"card,omitempty"`
	Comparison bool           `json:"comparison"`
	RuleBased  *GeneratedCard `json:"ruleBased,omitempty"`
	AI         *GeneratedCard `json:"ai,omitempty"`
	AIError    string         `json:"aiError,omitempty"`
}

// RegenerationService orchestrates regenerate-from-snippet. Direct modes
// (rule-based or AI only) apply immediately; comparison mode runs both
// strategies, hands the results to the caller, and applies the chosen one
// later. One attempt per card at a time.
type RegenerationService interface {
	Regenerate(ctx context.Context, ownerID uuid.UUID, idOrCardID string, req RegenerateRequest) (*RegenerateResult, error)
	Cancel(ctx context.Context, ownerID uuid.UUID, idOrCardID string) error
}

// comparisonAttempt is the ephemeral server-side state between a comparison
// returning and the user applying or cancelling. baseUpdatedAt pins the card
// version the comparison was computed against.
type comparisonAttempt struct {
	ruleBased     *GeneratedCard
	ai            *GeneratedCard
	aiError       string
	baseUpdatedAt time.Time
	readyAt       time.Time
}

type regenerationService struct {
	db          *gorm.DB
	log         *logger.Logger
	cardRepo    repos.CardRepo
	cardService CardService
	ruleGen     RuleBasedGenerator
	aiGen       AIGenerator
	aiConfig    AIConfigService
	guard       RegenerationGuard

	comparisonTimeout time.Duration
	attemptTTL        time.Duration

	mu       sync.Mutex
	attempts map[uuid.UUID]*comparisonAttempt
}

func NewRegenerationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	cardRepo repos.CardRepo,
	cardService CardService,
	ruleGen RuleBasedGenerator,
	aiGen AIGenerator,
	aiConfig AIConfigService,
	guard RegenerationGuard,
	comparisonTimeout time.Duration,
) RegenerationService {
	if comparisonTimeout <= 0 {
		comparisonTimeout = defaultComparisonTimeout
	}
	serviceLog := baseLog.With("service", "RegenerationService")
	return &regenerationService{
		db:                db,
		log:               serviceLog,
		cardRepo:          cardRepo,
		cardService:       cardService,
		ruleGen:           ruleGen,
		aiGen:             aiGen,
		aiConfig:          aiConfig,
		guard:             guard,
		comparisonTimeout: comparisonTimeout,
		attemptTTL:        defaultAttemptTTL,
		attempts:          make(map[uuid.UUID]*comparisonAttempt),
	}
}

func (s *regenerationService) Regenerate(ctx context.Context, ownerID uuid.UUID, idOrCardID string, req RegenerateRequest) (*RegenerateResult, error) {
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}

	if req.SelectedVersion != "" {
		return s.applySelection(ctx, card, req)
	}

	snippet := ""
	if card.Provenance != nil {
		snippet = card.Provenance.Snippet
	}
	if snippet == "" {
		return nil, apierr.Precondition("missing_snippet", errors.New("card has no stored snippet to regenerate from"))
	}
	input := GenerateInput{Snippet: snippet, Type: card.Type, Category: card.Category}

	if req.ComparisonMode {
		return s.runComparison(ctx, card, input)
	}
	if req.UseAI {
		return s.directRegenerate(ctx, card, input, s.aiGen, types.GeneratedByAI)
	}
	return s.directRegenerate(ctx, card, input, s.ruleGen, types.GeneratedByRuleBased)
}

// Regeneration is owner-only even for public cards.
func (s *regenerationService) resolveOwned(ctx context.Context, ownerID uuid.UUID, idOrCardID string) (*types.Card, error) {
	card, err := s.cardService.GetCard(ctx, ownerID, idOrCardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != ownerID {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", idOrCardID))
	}
	return card, nil
}

// cardGenerator is the shared shape of both strategies.
type cardGenerator interface {
	Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error)
}

func (s *regenerationService) directRegenerate(ctx context.Context, card *types.Card, input GenerateInput, gen cardGenerator, generatedBy string) (*RegenerateResult, error) {
	if generatedBy == types.GeneratedByAI {
		if avail := s.aiConfig.Availability(ctx); !avail.Available {
			return nil, apierr.Precondition("ai_unavailable", errors.New(avail.Reason))
		}
	}

	acquired, err := s.guard.TryAcquire(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire regeneration guard: %w", err)
	}
	if !acquired {
		return nil, apierr.Conflict("regeneration_in_flight", errors.New("a regeneration for this card is already in progress"))
	}
	defer s.guard.Release(ctx, card.ID)

	gctx, cancel := context.WithTimeout(ctx, s.comparisonTimeout)
	defer cancel()

	result, err := gen.Generate(gctx, input)
	if err != nil {
		if gctx.Err() != nil {
			return nil, apierr.Timeout("regeneration_timeout", fmt.Errorf("generation did not complete within %s", s.comparisonTimeout))
		}
		return nil, apierr.Upstream("generation_failed", err)
	}

	updated, err := s.applyGenerated(ctx, card, result, generatedBy, card.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.log.Info("Card regenerated", "card_id", card.CardID, "generated_by", generatedBy)
	return &RegenerateResult{Card: updated}, nil
}

type sideResult struct {
	card *GeneratedCard
	err  error
}

func (s *regenerationService) runComparison(ctx context.Context, card *types.Card, input GenerateInput) (*RegenerateResult, error) {
	if avail := s.aiConfig.Availability(ctx); !avail.Available {
		return nil, apierr.Precondition("ai_unavailable", errors.New(avail.Reason))
	}

	acquired, err := s.guard.TryAcquire(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire regeneration guard: %w", err)
	}
	if !acquired {
		return nil, apierr.Conflict("regeneration_in_flight", errors.New("a regeneration for this card is already in progress"))
	}

	gctx, cancel := context.WithTimeout(ctx, s.comparisonTimeout)
	defer cancel()

	// Buffered so a late backend response after abandonment has somewhere to
	// go and is simply dropped, never applied.
	ruleCh := make(chan sideResult, 1)
	aiCh := make(chan sideResult, 1)
	go func() {
		out, genErr := s.ruleGen.Generate(gctx, input)
		ruleCh <- sideResult{card: out, err: genErr}
	}()
	go func() {
		out, genErr := s.aiGen.Generate(gctx, input)
		aiCh <- sideResult{card: out, err: genErr}
	}()

	var rule, ai sideResult
	ruleDone, aiDone := false, false
	for !ruleDone || !aiDone {
		select {
		case r := <-ruleCh:
			rule, ruleDone = r, true
		case r := <-aiCh:
			ai, aiDone = r, true
		case <-gctx.Done():
			s.guard.Release(ctx, card.ID)
			s.log.Warn("Comparison abandoned", "card_id", card.CardID, "error", gctx.Err())
			return nil, apierr.Timeout("comparison_timeout", fmt.Errorf("comparison did not complete within %s", s.comparisonTimeout))
		}
	}

	// Both sides answered. The AI side may legitimately fail — that is still
	// a valid comparison with one selectable option. A rule-based failure is
	// a total failure: there is no ready state without it.
	if rule.err != nil {
		s.guard.Release(ctx, card.ID)
		return nil, apierr.Upstream("generation_failed", rule.err)
	}

	attempt := &comparisonAttempt{
		ruleBased:     rule.card,
		ai:            ai.card,
		baseUpdatedAt: card.UpdatedAt,
		readyAt:       time.Now(),
	}
	if ai.err != nil {
		attempt.ai = nil
		attempt.aiError = ai.err.Error()
	}
	s.mu.Lock()
	s.attempts[card.ID] = attempt
	s.mu.Unlock()

	s.log.Info("Comparison ready", "card_id", card.CardID, "ai_failed", attempt.aiError != "")
	return &RegenerateResult{
		Comparison: true,
		RuleBased:  attempt.ruleBased,
		AI:         attempt.ai,
		AIError:    attempt.aiError,
	}, nil
}

// takeAttempt removes and returns the ready attempt for a card, discarding
// it if the TTL elapsed.
func (s *regenerationService) takeAttempt(cardID uuid.UUID) *comparisonAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[cardID]
	if !ok {
		return nil
	}
	delete(s.attempts, cardID)
	if time.Since(attempt.readyAt) > s.attemptTTL {
		return nil
	}
	return attempt
}

// peekAttempt returns the ready attempt without consuming it. An expired
// attempt is discarded on sight.
func (s *regenerationService) peekAttempt(cardID uuid.UUID) *comparisonAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[cardID]
	if !ok {
		return nil
	}
	if time.Since(attempt.readyAt) > s.attemptTTL {
		delete(s.attempts, cardID)
		return nil
	}
	return attempt
}

func (s *regenerationService) dropAttempt(cardID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, cardID)
}

func (s *regenerationService) applySelection(ctx context.Context, card *types.Card, req RegenerateRequest) (*RegenerateResult, error) {
	if req.SelectedVersion != SelectedVersionRuleBased && req.SelectedVersion != SelectedVersionAI {
		return nil, apierr.Validation("invalid_selection", fmt.Errorf("unknown selectedVersion %q", req.SelectedVersion))
	}

	// Peek only: a rejected selection must leave the comparison state (and
	// its guard) intact so the surviving side stays applicable.
	attempt := s.peekAttempt(card.ID)

	var ruleBased, ai *GeneratedCard
	aiError := ""
	useCAS := false
	baseUpdatedAt := card.UpdatedAt
	switch {
	case attempt != nil:
		ruleBased, ai, aiError = attempt.ruleBased, attempt.ai, attempt.aiError
		useCAS = true
		baseUpdatedAt = attempt.baseUpdatedAt
	case req.ComparisonData != nil:
		// Server-side attempt is gone (restart, other process); trust the
		// comparison payload the client held on to.
		ruleBased, ai = req.ComparisonData.RuleBased, req.ComparisonData.AI
	default:
		return nil, apierr.Precondition("no_comparison", errors.New("no comparison in progress and no comparison data supplied"))
	}

	var chosen *GeneratedCard
	generatedBy := types.GeneratedByRuleBased
	if req.SelectedVersion == SelectedVersionAI {
		if ai == nil {
			reason := "no AI result available to apply"
			if aiError != "" {
				reason = "AI generation failed: " + aiError
			}
			return nil, apierr.Precondition("ai_result_unavailable", errors.New(reason))
		}
		chosen = ai
		generatedBy = types.GeneratedByAI
	} else {
		if ruleBased == nil {
			return nil, apierr.Precondition("result_unavailable", errors.New("no rule-based result available to apply"))
		}
		chosen = ruleBased
	}

	// Selection validated; from here the attempt is spent whether or not the
	// write wins, since its base version can never become current again.
	if attempt != nil {
		s.dropAttempt(card.ID)
		defer s.guard.Release(ctx, card.ID)
	}

	if !useCAS {
		updated, err := s.applyGenerated(ctx, card, chosen, generatedBy, time.Time{})
		if err != nil {
			return nil, err
		}
		return &RegenerateResult{Card: updated}, nil
	}
	updated, err := s.applyGenerated(ctx, card, chosen, generatedBy, baseUpdatedAt)
	if err != nil {
		return nil, err
	}
	s.log.Info("Comparison applied", "card_id", card.CardID, "selected", req.SelectedVersion)
	return &RegenerateResult{Card: updated}, nil
}

// applyGenerated writes the chosen variant in one update. A non-zero
// baseUpdatedAt turns the write into a compare-and-swap so a user edit that
// landed mid-comparison wins over the stale regeneration.
func (s *regenerationService) applyGenerated(ctx context.Context, card *types.Card, chosen *GeneratedCard, generatedBy string, baseUpdatedAt time.Time) (*types.Card, error) {
	title := card.Title
	if chosen.Title != "" {
		title = chosen.Title
	}
	content := card.Content
	if chosen.Content != "" {
		content = chosen.Content
	}
	fields := map[string]any{
		"title":        title,
		"content":      content,
		"content_hash": Fingerprint(title, content),
		"generated_by": generatedBy,
	}
	if chosen.Type.Valid() {
		fields["type"] = chosen.Type
	}
	if chosen.Category != "" {
		fields["category"] = chosen.Category
	}
	if chosen.Tags != nil {
		fields["tags"] = datatypes.NewJSONSlice(append([]string{}, chosen.Tags...))
	}

	if baseUpdatedAt.IsZero() {
		rows, err := s.cardRepo.UpdateFields(ctx, nil, card.ID, card.OwnerID, fields)
		if err != nil {
			return nil, s.translateApplyErr(err)
		}
		if rows == 0 {
			return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", card.CardID))
		}
	} else {
		won, err := s.cardRepo.UpdateFieldsIfUnmodified(ctx, nil, card.ID, card.OwnerID, baseUpdatedAt, fields)
		if err != nil {
			return nil, s.translateApplyErr(err)
		}
		if !won {
			return nil, apierr.Conflict("card_modified", errors.New("card was modified while the regeneration was pending"))
		}
	}

	updated, err := s.cardRepo.GetByID(ctx, nil, card.ID, card.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("reload regenerated card: %w", err)
	}
	if updated == nil {
		return nil, apierr.NotFound("card_not_found", fmt.Errorf("card %q not found", card.CardID))
	}
	return updated, nil
}

func (s *regenerationService) translateApplyErr(err error) error {
	if errors.Is(err, repos.ErrDuplicateContentHash) {
		return apierr.Conflict("duplicate_card", errors.New("regenerated content collides with another card"))
	}
	return fmt.Errorf("apply regenerated content: %w", err)
}

// Cancel discards a pending comparison without touching the card. Cancelling
// when nothing is pending is a no-op.
func (s *regenerationService) Cancel(ctx context.Context, ownerID uuid.UUID, idOrCardID string) error {
	card, err := s.resolveOwned(ctx, ownerID, idOrCardID)
	if err != nil {
		return err
	}
	if attempt := s.takeAttempt(card.ID); attempt != nil {
		s.guard.Release(ctx, card.ID)
		s.log.Info("Comparison cancelled", "card_id", card.CardID)
	}
	return nil
}
