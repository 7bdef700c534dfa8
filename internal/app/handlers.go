package app

import (
	"github.com/knowdeck/knowdeck-backend/internal/handlers"
	"github.com/knowdeck/knowdeck-backend/internal/logger"
)

type Handlers struct {
	Card *handlers.CardHandler
}

func wireHandlers(log *logger.Logger, serviceset Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Card: handlers.NewCardHandler(log, serviceset.Card, serviceset.Ingestion, serviceset.Regeneration),
	}
}
