package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"canopy/internal/config"
	"canopy/internal/domain"
	"canopy/internal/repo"
)

// ResolveInstallationAndConfig picks the active installation and ensures an
// installation + config exist in DB, seeding defaults if missing. It prefers
// overrides, then single-installation DB. If the installation does not
// exist, it is created on the fly and the calling actor becomes its admin.
func ResolveInstallationAndConfig(ctx context.Context, workspace, installationOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	installationID := installationOverride
	if installationID == "" {
		if in, err := r.SingleInstallation(ctx); err == nil {
			installationID = in.ID
		} else {
			return "", nil, fmt.Errorf("installation not specified; use --installation")
		}
	}
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if seedCfg == nil {
		seedCfg = config.Default(installationID)
	}

	if _, err := r.GetInstallation(ctx, installationID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := CreateInstallation(ctx, r, installationID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetInstallationConfig(ctx, installationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertInstallationConfig(ctx, installationID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed installation config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Installation.ID = installationID
	return installationID, cfg, nil
}

// CreateInstallation inserts a minimal installation/rbac footprint using the
// seed config. The config's role definitions are materialized into the
// roles, permissions and role_permissions tables; RBAC checks run against
// SQL, not against the YAML.
func CreateInstallation(ctx context.Context, r repo.Repo, installationID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(installationID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Installation.Name
	if name == "" {
		name = installationID
	}
	in := domain.Installation{
		ID:        installationID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertInstallation(ctx, tx, in); err != nil {
		return fmt.Errorf("insert installation: %w", err)
	}
	if err := r.UpsertInstallationConfigTx(ctx, tx, installationID, seedCfg); err != nil {
		return fmt.Errorf("insert installation config: %w", err)
	}
	if err := SeedRBAC(ctx, r, tx, seedCfg); err != nil {
		return err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, installationID, actorID, "admin"); err != nil {
		return fmt.Errorf("assign admin role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// SeedRBAC writes the config's role and permission definitions into SQL.
// Idempotent; safe to call on every config import.
func SeedRBAC(ctx context.Context, r repo.Repo, tx *sql.Tx, cfg *config.Config) error {
	seen := map[string]bool{}
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if !seen[perm] {
				if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
					return fmt.Errorf("insert permission %s: %w", perm, err)
				}
				seen[perm] = true
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, roleID, err)
			}
		}
	}
	return nil
}
