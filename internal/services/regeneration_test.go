package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/knowdeck/knowdeck-backend/internal/types"
)

type fakeGenerator struct {
	result *GeneratedCard
	err    error
	delay  time.Duration
	// ignoreCtx simulates a backend that keeps working past cancellation and
	// answers late.
	ignoreCtx bool
}

func (g *fakeGenerator) Generate(ctx context.Context, input GenerateInput) (*GeneratedCard, error) {
	if g.delay > 0 {
		if g.ignoreCtx {
			time.Sleep(g.delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.delay):
			}
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	out := *g.result
	return &out, nil
}

type fakeAIConfig struct {
	avail AIAvailability
}

func (f *fakeAIConfig) Availability(ctx context.Context) AIAvailability { return f.avail }

type regenFixture struct {
	repo    *fakeCardRepo
	ruleGen *fakeGenerator
	aiGen   *fakeGenerator
	guard   RegenerationGuard
	svc     RegenerationService
	owner   uuid.UUID
	card    *types.Card
}

func newRegenFixture(t *testing.T, snippet string, timeout time.Duration) *regenFixture {
	t.Helper()
	log := testLogger(t)
	repo := newFakeCardRepo()
	allocator := NewPublicIDAllocator(log, repo)
	cardService := NewCardService(nil, log, repo, allocator)

	ruleGen := &fakeGenerator{result: &GeneratedCard{Title: "Rule Title", Content: "Rule content"}}
	aiGen := &fakeGenerator{result: &GeneratedCard{Title: "AI Title", Content: "AI content", Tags: []string{"ai"}}}
	aiConfig := &fakeAIConfig{avail: AIAvailability{Available: true, Provider: "testprov", Model: "m1"}}
	guard := NewLocalRegenerationGuard(time.Minute)

	svc := NewRegenerationService(nil, log, repo, cardService, ruleGen, aiGen, aiConfig, guard, timeout)

	owner := uuid.New()
	now := time.Now()
	card := &types.Card{
		ID:          uuid.New(),
		CardID:      "REGEN1",
		OwnerID:     owner,
		Title:       "Original",
		Content:     "Original content",
		Type:        types.CardTypeConcept,
		Category:    "notes",
		ContentHash: Fingerprint("Original", "Original content"),
		GeneratedBy: types.GeneratedByRuleBased,
		Attachments: datatypes.NewJSONSlice([]types.Attachment{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if snippet != "" {
		card.Provenance = &types.Provenance{Snippet: snippet}
	}
	if err := repo.Create(context.Background(), nil, card); err != nil {
		t.Fatalf("seed card: %v", err)
	}

	return &regenFixture{
		repo:    repo,
		ruleGen: ruleGen,
		aiGen:   aiGen,
		guard:   guard,
		svc:     svc,
		owner:   owner,
		card:    card,
	}
}

func (f *regenFixture) aiConfigOf(t *testing.T, avail AIAvailability) {
	t.Helper()
	svc, ok := f.svc.(*regenerationService)
	if !ok {
		t.Fatalf("unexpected service implementation")
	}
	svc.aiConfig = &fakeAIConfig{avail: avail}
}

func TestRegenerateMissingSnippet(t *testing.T) {
	f := newRegenFixture(t, "", time.Second)
	_, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "missing_snippet")
}

func TestRegenerateDirectRuleBased(t *testing.T) {
	f := newRegenFixture(t, "the stored snippet", time.Second)
	result, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if result.Comparison {
		t.Fatalf("direct mode must not report a comparison")
	}
	if result.Card.Title != "Rule Title" || result.Card.Content != "Rule content" {
		t.Fatalf("card not updated: %+v", result.Card)
	}
	if result.Card.GeneratedBy != types.GeneratedByRuleBased {
		t.Fatalf("generated by: want=%s got=%s", types.GeneratedByRuleBased, result.Card.GeneratedBy)
	}
	if result.Card.ContentHash != Fingerprint("Rule Title", "Rule content") {
		t.Fatalf("content hash must follow the regenerated text")
	}

	// Guard must be free again.
	acquired, err := f.guard.TryAcquire(context.Background(), f.card.ID)
	if err != nil || !acquired {
		t.Fatalf("guard still held after direct regeneration: %v %v", acquired, err)
	}
}

func TestRegenerateDirectAIUnavailable(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	f.aiConfigOf(t, AIAvailability{Available: false, Reason: "no AI provider configured"})

	_, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{UseAI: true})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "ai_unavailable")

	_, err = f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "ai_unavailable")

	// Rule-based regeneration is unaffected.
	if _, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{}); err != nil {
		t.Fatalf("rule-based regenerate with AI unconfigured: %v", err)
	}
}

func TestRegenerateInFlightConflict(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	if ok, _ := f.guard.TryAcquire(context.Background(), f.card.ID); !ok {
		t.Fatalf("pre-acquire failed")
	}
	_, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{})
	wantAPIErr(t, err, http.StatusConflict, "regeneration_in_flight")
}

func TestComparisonThenApplySelection(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	ctx := context.Background()

	result, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true})
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if !result.Comparison || result.RuleBased == nil || result.AI == nil || result.AIError != "" {
		t.Fatalf("comparison result unexpected: %+v", result)
	}
	if result.Card != nil {
		t.Fatalf("comparison must not touch the card")
	}

	applied, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionAI})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Card.Title != "AI Title" || applied.Card.GeneratedBy != types.GeneratedByAI {
		t.Fatalf("applied card unexpected: title=%q generatedBy=%q", applied.Card.Title, applied.Card.GeneratedBy)
	}

	// The attempt is consumed; a second apply has nothing to work from.
	_, err = f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionAI})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "no_comparison")
}

func TestComparisonAIFailureIsOneSided(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	f.aiGen.err = errors.New("ai backend exploded")
	ctx := context.Background()

	result, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true})
	if err != nil {
		t.Fatalf("comparison with failing AI: %v", err)
	}
	if !result.Comparison || result.RuleBased == nil {
		t.Fatalf("rule-based side must survive: %+v", result)
	}
	if result.AI != nil || result.AIError == "" {
		t.Fatalf("AI failure must surface as aiError: %+v", result)
	}

	// Selecting the failed side is rejected without discarding the
	// comparison: the surviving side stays applicable from the same state.
	_, err = f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionAI})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "ai_result_unavailable")

	applied, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionRuleBased})
	if err != nil {
		t.Fatalf("apply rule-based after rejected apply-ai: %v", err)
	}
	if applied.Card.Title != "Rule Title" || applied.Card.GeneratedBy != types.GeneratedByRuleBased {
		t.Fatalf("applied card unexpected: %+v", applied.Card)
	}

	// The successful apply is what consumes the attempt.
	_, err = f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionRuleBased})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "no_comparison")
}

func TestComparisonRuleBasedFailureFails(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	f.ruleGen.err = errors.New("rule backend down")

	_, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true})
	wantAPIErr(t, err, http.StatusBadGateway, "generation_failed")

	// Failure must not leak the guard.
	acquired, _ := f.guard.TryAcquire(context.Background(), f.card.ID)
	if !acquired {
		t.Fatalf("guard still held after failed comparison")
	}
}

func TestComparisonTimeoutDiscards(t *testing.T) {
	f := newRegenFixture(t, "snippet", 50*time.Millisecond)
	f.aiGen.delay = 500 * time.Millisecond
	f.aiGen.ignoreCtx = true

	start := time.Now()
	_, err := f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true})
	wantAPIErr(t, err, http.StatusGatewayTimeout, "comparison_timeout")
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("timeout must not wait for the slow side")
	}

	// Nothing selectable remains after abandonment, even once the slow side
	// would have answered.
	time.Sleep(600 * time.Millisecond)
	_, err = f.svc.Regenerate(context.Background(), f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionAI})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "no_comparison")

	acquired, _ := f.guard.TryAcquire(context.Background(), f.card.ID)
	if !acquired {
		t.Fatalf("guard still held after abandoned comparison")
	}
}

func TestApplySelectionLosesToConcurrentEdit(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	ctx := context.Background()

	if _, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true}); err != nil {
		t.Fatalf("comparison: %v", err)
	}

	// A manual edit lands while the user is still choosing.
	if _, err := f.repo.UpdateFields(ctx, nil, f.card.ID, f.owner, map[string]any{"title": "edited meanwhile"}); err != nil {
		t.Fatalf("concurrent edit: %v", err)
	}

	_, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionRuleBased})
	wantAPIErr(t, err, http.StatusConflict, "card_modified")

	// The edit survives.
	current, _ := f.repo.GetByID(ctx, nil, f.card.ID, f.owner)
	if current.Title != "edited meanwhile" {
		t.Fatalf("user edit lost: %q", current.Title)
	}
}

func TestApplySelectionFromClientComparisonData(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	ctx := context.Background()

	// No server-side attempt exists (restart, other process). The payload the
	// client kept is trusted for a plain, non-CAS apply.
	result, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{
		SelectedVersion: SelectedVersionAI,
		ComparisonData: &ComparisonData{
			AI: &GeneratedCard{Title: "Client AI Title", Content: "Client AI content"},
		},
	})
	if err != nil {
		t.Fatalf("apply from client data: %v", err)
	}
	if result.Card.Title != "Client AI Title" || result.Card.GeneratedBy != types.GeneratedByAI {
		t.Fatalf("applied card unexpected: %+v", result.Card)
	}
}

func TestApplySelectionValidation(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	ctx := context.Background()

	_, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: "hybrid"})
	wantAPIErr(t, err, http.StatusBadRequest, "invalid_selection")

	_, err = f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionRuleBased})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "no_comparison")
}

func TestCancelDiscardsComparison(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	ctx := context.Background()

	if _, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{ComparisonMode: true}); err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if err := f.svc.Cancel(ctx, f.owner, f.card.ID.String()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Cancel is idempotent.
	if err := f.svc.Cancel(ctx, f.owner, f.card.ID.String()); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	_, err := f.svc.Regenerate(ctx, f.owner, f.card.ID.String(), RegenerateRequest{SelectedVersion: SelectedVersionRuleBased})
	wantAPIErr(t, err, http.StatusPreconditionFailed, "no_comparison")

	// Card untouched, guard free.
	current, _ := f.repo.GetByID(ctx, nil, f.card.ID, f.owner)
	if current.Title != "Original" {
		t.Fatalf("cancel must not modify the card: %q", current.Title)
	}
	acquired, _ := f.guard.TryAcquire(ctx, f.card.ID)
	if !acquired {
		t.Fatalf("guard still held after cancel")
	}
}

func TestRegenerateOwnerOnly(t *testing.T) {
	f := newRegenFixture(t, "snippet", time.Second)
	stranger := uuid.New()
	_, err := f.svc.Regenerate(context.Background(), stranger, f.card.ID.String(), RegenerateRequest{})
	wantAPIErr(t, err, http.StatusNotFound, "card_not_found")
}
