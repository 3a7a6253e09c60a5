// Package logging builds the shared zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New constructs a production or development logger. Callers own the
// returned logger and should Sync it on shutdown.
func New(development bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
