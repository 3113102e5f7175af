package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// DirectoryPostgres reads tenants and memberships maintained by the surrounding application
type DirectoryPostgres struct {
	pool *pgxpool.Pool
}

// NewDirectoryPostgres creates a new PostgreSQL directory
func NewDirectoryPostgres(pool *pgxpool.Pool) *DirectoryPostgres {
	return &DirectoryPostgres{pool: pool}
}

// PutTenant registers or renames a tenant
func (r *DirectoryPostgres) PutTenant(ctx context.Context, ref entity.TenantRef, name string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (kind, id, name) VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET name = EXCLUDED.name
	`, ref.Kind, ref.ID, name)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}
	return nil
}

// AddMembership lets an actor act for a tenant
func (r *DirectoryPostgres) AddMembership(ctx context.Context, actorID string, ref entity.TenantRef) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_memberships (actor_id, tenant_kind, tenant_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, actorID, ref.Kind, ref.ID)
	if err != nil {
		return fmt.Errorf("inserting membership: %w", err)
	}
	return nil
}

// Memberships lists the tenants an actor may act for
func (r *DirectoryPostgres) Memberships(ctx context.Context, actorID string) ([]entity.TenantRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT tenant_kind, tenant_id FROM tenant_memberships
		WHERE actor_id = $1
		ORDER BY tenant_kind, tenant_id
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()

	var refs []entity.TenantRef
	for rows.Next() {
		var ref entity.TenantRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// TenantExists reports whether the tenant is registered
func (r *DirectoryPostgres) TenantExists(ctx context.Context, ref entity.TenantRef) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM tenants WHERE kind = $1 AND id = $2)",
		ref.Kind, ref.ID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking tenant: %w", err)
	}
	return exists, nil
}

// TenantName returns the tenant display name, empty when unknown
func (r *DirectoryPostgres) TenantName(ctx context.Context, ref entity.TenantRef) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, "SELECT name FROM tenants WHERE kind = $1 AND id = $2", ref.Kind, ref.ID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting tenant name: %w", err)
	}
	return name, nil
}
