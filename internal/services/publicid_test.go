package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/knowdeck/knowdeck-backend/internal/types"
)

func TestAllocateShapeAndUniqueness(t *testing.T) {
	repo := newFakeCardRepo()
	allocator := NewPublicIDAllocator(testLogger(t), repo)

	owner := uuid.New()
	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		code, err := allocator.Allocate(context.Background())
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if len(code) != types.PublicIDLength {
			t.Fatalf("length: want=%d got=%d (%s)", types.PublicIDLength, len(code), code)
		}
		for _, r := range code {
			if !strings.ContainsRune(publicIDAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		if _, dup := seen[code]; dup {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = struct{}{}
		// Register the code so the allocator has to steer around everything
		// handed out so far, the way it does against the live table.
		card := &types.Card{ID: uuid.New(), CardID: code, OwnerID: owner, ContentHash: code}
		if err := repo.Create(context.Background(), nil, card); err != nil {
			t.Fatalf("register %q: %v", code, err)
		}
	}
}

func TestAllocateRetriesOnCollision(t *testing.T) {
	repo := newFakeCardRepo()
	repo.existsAnswers = []bool{true, true}
	allocator := NewPublicIDAllocator(testLogger(t), repo)

	code, err := allocator.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate after collisions: %v", err)
	}
	if len(code) != types.PublicIDLength {
		t.Fatalf("length: want=%d got=%d", types.PublicIDLength, len(code))
	}
	if len(repo.existsAnswers) != 0 {
		t.Fatalf("expected both forced collisions to be consumed")
	}
}

func TestAllocateExhaustsAttempts(t *testing.T) {
	repo := newFakeCardRepo()
	repo.existsAnswers = []bool{true, true, true, true, true, true, true, true}
	allocator := NewPublicIDAllocator(testLogger(t), repo)

	_, err := allocator.Allocate(context.Background())
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Fatalf("unexpected error: %v", err)
	}
}
