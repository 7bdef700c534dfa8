package app

import (
	"gorm.io/gorm"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/repos"
)

type Repos struct {
	Card repos.CardRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Card: repos.NewCardRepo(db, log),
	}
}
