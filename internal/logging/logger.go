// Package logging owns the process-wide zap logger. Production emits
// JSON suitable for log shippers; anything else gets colored console
// output for local work.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	logger *zap.Logger
	sugar  *zap.SugaredLogger
)

// Init builds the global logger from ENVIRONMENT and LOG_LEVEL. main
// calls it eagerly; library code reaches the same instance lazily
// through L or S, so repeated calls are no-ops.
func Init() {
	once.Do(func() {
		cfg := configFor(os.Getenv("ENVIRONMENT"))

		if raw := os.Getenv("LOG_LEVEL"); raw != "" {
			if lvl, err := zapcore.ParseLevel(raw); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(lvl)
			}
		}

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
		sugar = l.Sugar()
	})
}

func configFor(environment string) zap.Config {
	if environment == "production" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg
}

// L returns the global structured logger.
func L() *zap.Logger {
	Init()
	return logger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	Init()
	return sugar
}

// Sync flushes buffered entries. Deferred from main.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithJob scopes the logger to one job so every line a worker emits
// while processing carries the job id.
func WithJob(jobID string) *zap.Logger {
	return L().With(zap.String("job_id", jobID))
}
