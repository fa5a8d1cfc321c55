package app

import (
	"context"
	"errors"
	"fmt"

	"homefront/internal/config"
	"homefront/internal/repo"
)

// ResolveFamilyAndConfig picks the active family and ensures a config
// exists for it, seeding defaults if missing. It prefers the override,
// then a single-family DB. Families themselves are only created by init.
func ResolveFamilyAndConfig(ctx context.Context, familyOverride string, r repo.Repo) (string, *config.Config, error) {
	familyID := familyOverride
	if familyID == "" {
		f, err := r.SingleFamily(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no family exists; run `hf init` first")
			}
			return "", nil, err
		}
		familyID = f.ID
	} else {
		if _, err := r.GetFamily(ctx, familyID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("family %s not found; run `hf init` first", familyID)
			}
			return "", nil, err
		}
	}
	cfg, err := r.GetFamilyConfig(ctx, familyID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(familyID)
		if err := r.UpsertFamilyConfig(ctx, familyID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed family config: %w", err)
		}
	}
	cfg.Family.ID = familyID
	return familyID, cfg, nil
}
