package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegenerationGuard enforces at most one in-flight regeneration attempt per
// card. The in-process implementation is the default; a redis-backed one
// extends the guarantee across server processes when configured.
type RegenerationGuard interface {
	TryAcquire(ctx context.Context, cardID uuid.UUID) (bool, error)
	Release(ctx context.Context, cardID uuid.UUID)
}

type localRegenerationGuard struct {
	mu     sync.Mutex
	leases map[uuid.UUID]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewLocalRegenerationGuard leases expire after ttl so an abandoned client
// cannot wedge a card forever.
func NewLocalRegenerationGuard(ttl time.Duration) RegenerationGuard {
	return &localRegenerationGuard{
		leases: make(map[uuid.UUID]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (g *localRegenerationGuard) TryAcquire(ctx context.Context, cardID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if expiry, held := g.leases[cardID]; held && now.Before(expiry) {
		return false, nil
	}
	g.leases[cardID] = now.Add(g.ttl)
	return true, nil
}

func (g *localRegenerationGuard) Release(ctx context.Context, cardID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.leases, cardID)
}
