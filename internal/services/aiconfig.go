package services

import (
	"context"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/utils"
)

// AIAvailability answers "is AI available, with what provider/model". When
// unavailable, Reason is a human-readable explanation for the caller.
type AIAvailability struct {
	Available bool   `json:"available"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AIConfigService is the injected capability the regeneration coordinator
// checks before any AI call. The engine never reads provider configuration
// from disk itself.
type AIConfigService interface {
	Availability(ctx context.Context) AIAvailability
}

type envAIConfigService struct {
	provider string
	model    string
	hasKey   bool
}

func NewAIConfigService(baseLog *logger.Logger) AIConfigService {
	log := baseLog.With("service", "AIConfigService")
	return &envAIConfigService{
		provider: utils.GetEnv("AI_PROVIDER", "", log),
		model:    utils.GetEnv("AI_MODEL", "", log),
		hasKey:   utils.GetEnv("AI_API_KEY", "", nil) != "",
	}
}

func (s *envAIConfigService) Availability(ctx context.Context) AIAvailability {
	if s.provider == "" {
		return AIAvailability{Available: false, Reason: "no AI provider configured"}
	}
	if !s.hasKey {
		return AIAvailability{Available: false, Provider: s.provider, Reason: "AI provider has no API key configured"}
	}
	return AIAvailability{Available: true, Provider: s.provider, Model: s.model}
}
