package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/utils"
)

// RegenerationGuard is the cross-process variant of the in-flight guard:
// one SET NX lease per card id, expiring with the attempt TTL.
type RegenerationGuard struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func NewRegenerationGuard(baseLog *logger.Logger, ttl time.Duration) (*RegenerationGuard, error) {
	log := baseLog.With("service", "RedisRegenerationGuard")

	addr := strings.TrimSpace(utils.GetEnv("REDIS_ADDR", "", log))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RegenerationGuard{log: log, rdb: rdb, ttl: ttl}, nil
}

func leaseKey(cardID uuid.UUID) string {
	return "regen:lease:" + cardID.String()
}

func (g *RegenerationGuard) TryAcquire(ctx context.Context, cardID uuid.UUID) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, leaseKey(cardID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire regeneration lease: %w", err)
	}
	return ok, nil
}

func (g *RegenerationGuard) Release(ctx context.Context, cardID uuid.UUID) {
	if err := g.rdb.Del(ctx, leaseKey(cardID)).Err(); err != nil {
		g.log.Warn("Failed to release regeneration lease", "card_id", cardID, "error", err)
	}
}

func (g *RegenerationGuard) Close() error {
	return g.rdb.Close()
}
