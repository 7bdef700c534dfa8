package app

import (
	"time"

	"gorm.io/gorm"

	redisclient "github.com/knowdeck/knowdeck-backend/internal/clients/redis"
	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/services"
)

// Lease must outlive the longest comparison plus apply round-trip.
const regenGuardTTL = 10 * time.Minute

type Services struct {
	Card         services.CardService
	Ingestion    services.IngestionService
	Regeneration services.RegenerationService
	AIConfig     services.AIConfigService

	redisGuard *redisclient.RegenerationGuard
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, reposet Repos) (Services, error) {
	log.Info("Wiring services...")

	allocator := services.NewPublicIDAllocator(log, reposet.Card)
	cardService := services.NewCardService(db, log, reposet.Card, allocator)
	ingestionService := services.NewIngestionService(db, log, reposet.Card, allocator)

	ruleGen := services.NewRuleBasedGenerator(log)
	aiGen := services.NewAIGenerator(log)
	aiConfig := services.NewAIConfigService(log)

	var guard services.RegenerationGuard
	var redisGuard *redisclient.RegenerationGuard
	if cfg.RedisAddr != "" {
		rg, err := redisclient.NewRegenerationGuard(log, regenGuardTTL)
		if err != nil {
			log.Warn("Redis regeneration guard unavailable, falling back to local", "error", err)
		} else {
			redisGuard = rg
			guard = rg
		}
	}
	if guard == nil {
		guard = services.NewLocalRegenerationGuard(regenGuardTTL)
	}

	regenerationService := services.NewRegenerationService(
		db,
		log,
		reposet.Card,
		cardService,
		ruleGen,
		aiGen,
		aiConfig,
		guard,
		cfg.ComparisonTimeout,
	)

	return Services{
		Card:         cardService,
		Ingestion:    ingestionService,
		Regeneration: regenerationService,
		AIConfig:     aiConfig,
		redisGuard:   redisGuard,
	}, nil
}
