package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
	"github.com/knowdeck/knowdeck-backend/internal/types"
)

// publicIDAlphabet is effectively case-insensitive: codes are stored and
// compared in canonical uppercase.
const publicIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const defaultAllocateAttempts = 8

// PublicIDAllocator hands out the short shareable card id. Uniqueness is
// global (not per owner) so a cardId alone resolves a card.
type PublicIDAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

type publicIDAllocator struct {
	log         *logger.Logger
	cardRepo    repos.CardRepo
	maxAttempts int
}

func NewPublicIDAllocator(baseLog *logger.Logger, cardRepo repos.CardRepo) PublicIDAllocator {
	return &publicIDAllocator{
		log:         baseLog.With("service", "PublicIDAllocator"),
		cardRepo:    cardRepo,
		maxAttempts: defaultAllocateAttempts,
	}
}

func (a *publicIDAllocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		code, err := randomPublicID()
		if err != nil {
			return "", fmt.Errorf("generate public id: %w", err)
		}
		exists, err := a.cardRepo.CardIDExists(ctx, nil, code)
		if err != nil {
			return "", fmt.Errorf("check public id uniqueness: %w", err)
		}
		if !exists {
			return code, nil
		}
		a.log.Warn("Public id collision, retrying", "attempt", attempt)
	}
	// Running out of attempts in a 36^6 space means the table is pathologically
	// full or the RNG is broken; never fall back to a different format.
	return "", fmt.Errorf("public id allocation exhausted after %d attempts", a.maxAttempts)
}

func randomPublicID() (string, error) {
	buf := make([]byte, types.PublicIDLength)
	max := big.NewInt(int64(len(publicIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = publicIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
