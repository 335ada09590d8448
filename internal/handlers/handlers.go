// HTTP handlers for the runbox execution API.

package handlers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"

	"runbox/internal/catalog"
	"runbox/pkg/models"
)

// Broker is the slice of the queue the HTTP layer depends on.
type Broker interface {
	Enqueue(ctx context.Context, language, code string) (string, error)
	Job(ctx context.Context, id string) (*models.Job, error)
	Ping(ctx context.Context) error
}

// Config holds handler-level settings.
type Config struct {
	// MaxCodeSize caps the submitted source size in bytes.
	MaxCodeSize int64
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{MaxCodeSize: 100 * 1024}
}

// ConfigFromEnv loads handler settings from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("MAX_CODE_SIZE")); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid MAX_CODE_SIZE %q", v)
		}
		cfg.MaxCodeSize = n
	}
	return cfg, nil
}

// Handler contains the dependencies for the API handlers.
type Handler struct {
	Broker  Broker
	Catalog *catalog.Catalog
	cfg     Config
}

// NewHandler creates a new handler instance.
func NewHandler(broker Broker, cat *catalog.Catalog, cfg Config) *Handler {
	if cfg.MaxCodeSize <= 0 {
		cfg.MaxCodeSize = DefaultConfig().MaxCodeSize
	}
	return &Handler{
		Broker:  broker,
		Catalog: cat,
		cfg:     cfg,
	}
}

// StandardResponse represents a standard API error response
type StandardResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
