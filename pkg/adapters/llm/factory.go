package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/ports"
	"github.com/wronai/pactown/pkg/adapters/llm/anthropic"
)

// Config holds generator configuration.
type Config struct {
	Provider string
	APIKey   string
	Logger   *zap.Logger
}

// NewGenerator creates a text generator for the configured provider.
func NewGenerator(cfg *Config) (ports.Generator, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(cfg.APIKey, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
