package db

import (
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// AcquireLock tries to take the named advisory lock for the given owner.
// Expired locks are swept first, so a crashed holder cannot block forever.
// Returns false when an unexpired lock is held by someone else.
func (db *DB) AcquireLock(name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	if _, err := db.conn.Exec(`DELETE FROM locks WHERE expires_at <= ?`, formatTime(now)); err != nil {
		return false, fmt.Errorf("sweeping expired locks: %w", err)
	}

	_, err := db.conn.Exec(
		`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)`,
		name, owner, formatTime(expiresAt),
	)
	if err != nil {
		// PRIMARY KEY violation: an unexpired lock row exists. Anything
		// else is a real storage failure, not contention.
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	return true, nil
}

// ReleaseLock drops the named lock if the owner matches. Returns true when
// a row was removed.
func (db *DB) ReleaseLock(name, owner string) (bool, error) {
	result, err := db.conn.Exec(`DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return false, fmt.Errorf("releasing lock %s: %w", name, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CleanupExpiredLocks deletes all expired lock rows and returns the count.
func (db *DB) CleanupExpiredLocks() (int, error) {
	result, err := db.conn.Exec(`DELETE FROM locks WHERE expires_at <= ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("cleaning expired locks: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
