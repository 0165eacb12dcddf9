// Package logging builds the process logger and keeps credentials out of it.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger constructs the process-wide zap logger. Production environments
// get JSON output; everything else gets the development console encoder.
func NewLogger(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "production", "prod":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
