package app

import (
	"strings"
	"time"

	"github.com/knowdeck/knowdeck-backend/internal/logger"
	"github.com/knowdeck/knowdeck-backend/internal/utils"
)

type Config struct {
	Port              string
	JWTSecretKey      string
	AllowOrigins      []string
	RedisAddr         string
	ComparisonTimeout time.Duration
	ServiceName       string
	Environment       string
	Version           string
}

func LoadConfig(log *logger.Logger) Config {
	port := utils.GetEnv("PORT", "8080", log)
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	comparisonTimeoutSec := utils.GetEnvAsInt("COMPARISON_TIMEOUT_SECONDS", 60, log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "", log)

	var origins []string
	if raw := utils.GetEnv("CORS_ALLOW_ORIGINS", "", log); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return Config{
		Port:              port,
		JWTSecretKey:      jwtSecretKey,
		AllowOrigins:      origins,
		RedisAddr:         strings.TrimSpace(redisAddr),
		ComparisonTimeout: time.Duration(comparisonTimeoutSec) * time.Second,
		ServiceName:       utils.GetEnv("SERVICE_NAME", "knowdeck-backend", log),
		Environment:       utils.GetEnv("ENVIRONMENT", "development", log),
		Version:           utils.GetEnv("SERVICE_VERSION", "dev", log),
	}
}
