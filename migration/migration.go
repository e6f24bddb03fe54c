// Package migration applies and reverses versioned SQL schema changes. It
// loads paired up/down scripts from a directory, records what was applied
// together with a checksum of both halves, serializes concurrent runners with
// a single-row table lock, and runs each batch inside one transaction.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Direction is the direction a migration script runs in.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migration is one versioned schema change with its up and down scripts.
type Migration struct {
	ID       string `json:"id"`      // <version>_<name>
	Version  string `json:"version"` // zero-padded, sorts lexically
	Name     string `json:"name"`
	UpSQL    string `json:"-"`
	DownSQL  string `json:"-"`
	Checksum string `json:"checksum"`

	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// Script returns the script body for the given direction.
func (m *Migration) Script(d Direction) string {
	if d == Down {
		return m.DownSQL
	}
	return m.UpSQL
}

// Checksum returns the hex SHA-256 digest of the up script followed by the
// down script. Both halves are bound together so that editing either side of
// an applied migration is detected.
func Checksum(upSQL, downSQL string) string {
	h := sha256.New()
	h.Write([]byte(upSQL))
	h.Write([]byte(downSQL))
	return hex.EncodeToString(h.Sum(nil))
}

// Record is the persisted state of a migration in schema_migrations.
type Record struct {
	ID           string     `db:"id"`
	Version      string     `db:"version"`
	Name         string     `db:"name"`
	Checksum     string     `db:"checksum"`
	AppliedAt    time.Time  `db:"applied_at"`
	RolledBackAt *time.Time `db:"rolled_back_at"`
}

// Applied reports whether the record is currently applied.
func (r Record) Applied() bool { return r.RolledBackAt == nil }
