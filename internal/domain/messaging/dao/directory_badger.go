package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/vadim/neo-inbox/internal/domain/messaging/entity"
)

// DirectoryBadger keeps tenants and memberships for single-node deployments
type DirectoryBadger struct {
	db *badger.DB
}

// NewDirectoryBadger creates a new Badger directory
func NewDirectoryBadger(db *badger.DB) *DirectoryBadger {
	return &DirectoryBadger{db: db}
}

// PutTenant registers a tenant with its display name
func (r *DirectoryBadger) PutTenant(ctx context.Context, ref entity.TenantRef, name string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixTenant+ref.Key()), []byte(name))
	})
	if err != nil {
		return fmt.Errorf("putting tenant: %w", err)
	}
	return nil
}

// AddMembership lets an actor act for a tenant
func (r *DirectoryBadger) AddMembership(ctx context.Context, actorID string, ref entity.TenantRef) error {
	if actorID == "" {
		return entity.ErrInvalidParticipant
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(prefixMembership, actorID, ref.Key()), nil)
	})
	if err != nil {
		return fmt.Errorf("adding membership: %w", err)
	}
	return nil
}

// Memberships lists the tenants an actor may act for
func (r *DirectoryBadger) Memberships(ctx context.Context, actorID string) ([]entity.TenantRef, error) {
	var refs []entity.TenantRef
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := indexPrefix(prefixMembership, actorID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			p, err := entity.ParseParticipantKey(string(it.Item().Key()[len(prefix):]))
			if err != nil {
				continue
			}
			if ref, ok := p.Tenant(); ok {
				refs = append(refs, ref)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	return refs, nil
}

// TenantExists reports whether the tenant was registered
func (r *DirectoryBadger) TenantExists(ctx context.Context, ref entity.TenantRef) (bool, error) {
	_, found, err := r.tenantName(ref)
	return found, err
}

// TenantName returns the tenant display name, empty when unknown
func (r *DirectoryBadger) TenantName(ctx context.Context, ref entity.TenantRef) (string, error) {
	name, _, err := r.tenantName(ref)
	return name, err
}

func (r *DirectoryBadger) tenantName(ref entity.TenantRef) (string, bool, error) {
	var (
		name  string
		found bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixTenant + ref.Key()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		name, found = string(val), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("getting tenant: %w", err)
	}
	return name, found, nil
}
