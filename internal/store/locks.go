package store

import (
	"fmt"
	"time"
)

// Acquire attempts to take the named advisory lock for owner until now+ttl.
// Expired rows for name are swept first, so a crashed holder's lock is
// reclaimable once its TTL elapses. Returns false if an unexpired lock is
// already held by someone else (or the same owner re-acquiring is also
// refused — callers hold exactly one lease per name).
func (d *DB) Acquire(name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	if _, err := d.conn.Exec(`DELETE FROM locks WHERE name = ? AND expires_at <= ?`,
		name, now.Format(time.RFC3339)); err != nil {
		return false, fmt.Errorf("sweeping expired locks: %w", err)
	}

	expiresAt := now.Add(ttl).Format(time.RFC3339)
	_, err := d.conn.Exec(`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)`,
		name, owner, expiresAt)
	if err != nil {
		// A live row already exists for this name (PRIMARY KEY conflict).
		return false, nil
	}
	return true, nil
}

// Release drops the named lock if and only if owner currently holds it.
func (d *DB) Release(name, owner string) error {
	_, err := d.conn.Exec(`DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// CleanupExpired deletes all locks whose TTL has elapsed. Acquire already
// sweeps opportunistically per-name; this is for a periodic full sweep.
func (d *DB) CleanupExpired() error {
	_, err := d.conn.Exec(`DELETE FROM locks WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cleaning up expired locks: %w", err)
	}
	return nil
}
