package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionline/internal/config"
	"actionline/internal/repo"
)

// ResolveConfig returns the effective config for a context, seeding the
// default into the database when none has been imported yet.
func ResolveConfig(ctx context.Context, r repo.Repo, contextID, contextType string) (*config.Config, error) {
	cfg, err := r.GetContextConfig(ctx, contextID, contextType)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.UpsertContextConfig(ctx, contextID, contextType, seed, now); err != nil {
		return nil, fmt.Errorf("seed context config: %w", err)
	}
	return seed, nil
}
