package ratelimit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const badgerConflictRetries = 50

// BadgerLimiter is a sliding window limiter for single-node deployments.
// Every accepted attempt is an entry that expires with the window.
type BadgerLimiter struct {
	db  *badger.DB
	cfg Config
	now func() time.Time
}

// NewBadgerLimiter creates a limiter stored in db
func NewBadgerLimiter(db *badger.DB, cfg Config) *BadgerLimiter {
	return &BadgerLimiter{
		db:  db,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits the window
func (l *BadgerLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	prefix := []byte(l.cfg.Prefix + key + "\x00")

	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, 0, err
		}

		now := l.now()
		windowStart := now.Add(-l.cfg.Window)

		var (
			allowed    bool
			retryAfter time.Duration
		)
		err := l.db.Update(func(txn *badger.Txn) error {
			count := 0
			var oldest time.Time

			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				at := attemptTime(it.Item().Key(), prefix)
				if !at.After(windowStart) {
					continue
				}
				if count == 0 {
					oldest = at
				}
				count++
			}
			it.Close()

			if count >= l.cfg.Limit {
				retryAfter = oldest.Add(l.cfg.Window).Sub(now)
				return nil
			}

			entry := badger.NewEntry(attemptKey(prefix, now), nil).WithTTL(l.cfg.Window)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			allowed = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, 0, fmt.Errorf("badger: sliding window: %w", err)
		}
		if allowed {
			return true, 0, nil
		}
		return false, clampRetry(retryAfter), nil
	}
	return false, 0, fmt.Errorf("badger: sliding window: %w", badger.ErrConflict)
}

// attemptKey orders attempts by time inside the key's prefix
func attemptKey(prefix []byte, at time.Time) []byte {
	key := make([]byte, 0, len(prefix)+8+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	id := uuid.New()
	return append(key, id[:]...)
}

func attemptTime(key, prefix []byte) time.Time {
	rest := bytes.TrimPrefix(key, prefix)
	if len(rest) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(rest[:8])))
}
