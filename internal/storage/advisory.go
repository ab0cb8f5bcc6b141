package storage

import (
	"context"
	"fmt"
)

// Static advisory lock ids, one per scheduled job. Session-scoped try-locks:
// a second holder skips its tick rather than queueing behind the first.
const (
	LockSyncBrokerOrders     int64 = 7201
	LockUpdatePriceSnapshots int64 = 7202
	LockBookendSnapshot      int64 = 7203
	LockLifecycleSync        int64 = 7204
)

// WithAdvisoryLock runs fn while holding the given advisory lock, pinning a
// single pool connection for the lock's whole lifetime. Returns ErrLockHeld
// without running fn when the lock is taken elsewhere.
func (s *Store) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire conn for advisory lock %d: %w", lockID, err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		return fmt.Errorf("storage: try advisory lock %d: %w", lockID, err)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		// Unlock on the same session; fall back to connection teardown if
		// the unlock itself fails.
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			s.logger.WithError(err).WithField("lock_id", lockID).Warn("failed to release advisory lock")
		}
	}()

	return fn(ctx)
}
