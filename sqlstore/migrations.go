package sqlstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/types"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS _migrations (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// applyMigrations runs the given migrations in ascending id order against
// the writer connection, enforcing the invariants of spec.md §3's
// AppliedMigration: contiguous ids from 1, and an immutable hash per id.
// Grounded on untoldecay/BeadsLog's migrations.go "safe to re-run" idiom,
// with the hash/id contract taken from the original hiqlite source's
// AppliedMigration semantics implied by client.rs's Migrations::build.
func applyMigrations(db *sql.DB, migrations []types.Migration, lastAppliedID int64) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return raftsqlerrors.IO(err, "create _migrations table")
	}

	// expected tracks the next *new* id only - a migration already recorded
	// in _migrations (e.g. the leading entries of a fully-applied set
	// resubmitted verbatim) goes straight through the hash-compare no-op
	// path below regardless of its position in the batch, so a client
	// replaying an already-applied set id-for-id never trips a gap error.
	expected := lastAppliedID + 1
	for _, m := range migrations {
		sum := sha256.Sum256([]byte(m.Content))
		hash := hex.EncodeToString(sum[:])

		var existingHash string
		err := db.QueryRow(`SELECT hash FROM _migrations WHERE id = ?`, m.ID).Scan(&existingHash)
		switch {
		case err == sql.ErrNoRows:
			if m.ID != expected {
				return raftsqlerrors.Migration("migration id gap: expected %d, got %d", expected, m.ID)
			}
			if err := runNewMigration(db, m, hash); err != nil {
				return err
			}
			expected++
		case err != nil:
			return raftsqlerrors.IO(err, "look up migration %d", m.ID)
		default:
			if existingHash != hash {
				return raftsqlerrors.Migration(
					"migration %d (%s) content changed: recorded hash %s, new hash %s",
					m.ID, m.Name, existingHash, hash,
				)
			}
			// identical body already applied: no-op, and not counted
			// against the new-id contiguity sequence.
		}
	}

	return nil
}

func runNewMigration(db *sql.DB, m types.Migration, hash string) error {
	tx, err := db.Begin()
	if err != nil {
		return raftsqlerrors.IO(err, "begin migration %d", m.ID)
	}

	if _, err := tx.Exec(m.Content); err != nil {
		tx.Rollback()
		return raftsqlerrors.Migration("migration %d (%s): %s", m.ID, m.Name, err)
	}

	_, err = tx.Exec(
		`INSERT INTO _migrations (id, name, hash, applied_at) VALUES (?, ?, ?, strftime('%s','now'))`,
		m.ID, m.Name, hash,
	)
	if err != nil {
		tx.Rollback()
		return raftsqlerrors.IO(err, "record migration %d", m.ID)
	}

	if err := tx.Commit(); err != nil {
		return raftsqlerrors.IO(err, "commit migration %d", m.ID)
	}
	return nil
}

func lastMigrationID(db *sql.DB) (int64, error) {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return 0, raftsqlerrors.IO(err, "create _migrations table")
	}
	var id sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(id) FROM _migrations`).Scan(&id); err != nil {
		return 0, raftsqlerrors.IO(err, "read last migration id")
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}
