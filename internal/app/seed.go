package app

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// DirectoryWriter is implemented by every directory store
type DirectoryWriter interface {
	PutTenant(ctx context.Context, ref entity.TenantRef, name string) error
	AddMembership(ctx context.Context, actorID string, ref entity.TenantRef) error
}

type directorySeed struct {
	Tenants []struct {
		Kind string `yaml:"kind"`
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenants"`
	Memberships []struct {
		Actor      string `yaml:"actor"`
		TenantKind string `yaml:"tenant_kind"`
		TenantID   string `yaml:"tenant_id"`
	} `yaml:"memberships"`
}

// SeedDirectory loads tenants and memberships from a YAML file.
// Writes are upserts so the file can be applied on every start.
func SeedDirectory(ctx context.Context, w DirectoryWriter, path string) (tenants, memberships int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading seed file: %w", err)
	}

	var seed directorySeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, 0, fmt.Errorf("parsing seed file: %w", err)
	}

	for _, t := range seed.Tenants {
		ref := entity.TenantRef{Kind: t.Kind, ID: t.ID}
		if err := ref.Validate(); err != nil {
			return tenants, memberships, fmt.Errorf("tenant %q: %w", ref.Key(), err)
		}
		if err := w.PutTenant(ctx, ref, t.Name); err != nil {
			return tenants, memberships, fmt.Errorf("storing tenant %s: %w", ref.Key(), err)
		}
		tenants++
	}

	for _, m := range seed.Memberships {
		ref := entity.TenantRef{Kind: m.TenantKind, ID: m.TenantID}
		if m.Actor == "" {
			return tenants, memberships, fmt.Errorf("membership for %s: actor is required", ref.Key())
		}
		if err := ref.Validate(); err != nil {
			return tenants, memberships, fmt.Errorf("membership of %s: %w", m.Actor, err)
		}
		if err := w.AddMembership(ctx, m.Actor, ref); err != nil {
			return tenants, memberships, fmt.Errorf("storing membership %s -> %s: %w", m.Actor, ref.Key(), err)
		}
		memberships++
	}
	return tenants, memberships, nil
}
