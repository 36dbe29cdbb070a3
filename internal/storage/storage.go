// Fail2ban NG - A Swiss made, intrusion prevention daemon.
//
// Copyright (C) 2026 Swissmakers GmbH (https://swissmakers.ch)
//
// Licensed under the GNU General Public License, Version 3 (GPL-3.0)
// You may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/gpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists jails, log positions and ban history in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.database")

// Path value that disables persistence.
const Disabled = "none"

const (
	DefaultPurgeAge   = 24 * time.Hour
	DefaultMaxMatches = 10
	mergedCacheSize   = 1000
)

var ErrFutureVersion = errors.New("database has a newer schema version")

// =========================================================================
//  Schema
// =========================================================================

// Each step upgrades the schema by one version inside the caller's transaction.
var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	// v1: base tables
	func(ctx context.Context, tx *sql.Tx) error {
		return execAll(ctx, tx,
			`CREATE TABLE IF NOT EXISTS fail2banDb(version INTEGER)`,
			`CREATE TABLE IF NOT EXISTS jails(
				name TEXT NOT NULL UNIQUE,
				enabled INTEGER NOT NULL DEFAULT 1)`,
			`CREATE INDEX IF NOT EXISTS jails_name ON jails(name)`,
			`CREATE TABLE IF NOT EXISTS logs(
				jail TEXT NOT NULL,
				path TEXT,
				firstlinehash TEXT,
				lastfilepos INTEGER DEFAULT 0,
				FOREIGN KEY(jail) REFERENCES jails(name) ON DELETE CASCADE,
				UNIQUE(jail, path))`,
			`CREATE INDEX IF NOT EXISTS logs_path ON logs(path)`,
			`CREATE INDEX IF NOT EXISTS logs_jail_path ON logs(jail, path)`,
			`CREATE TABLE IF NOT EXISTS bans(
				jail TEXT NOT NULL,
				ip TEXT,
				timeofban INTEGER NOT NULL,
				data JSON,
				FOREIGN KEY(jail) REFERENCES jails(name))`,
			`CREATE INDEX IF NOT EXISTS bans_jail_timeofban_ip ON bans(jail, timeofban)`,
			`CREATE INDEX IF NOT EXISTS bans_jail_ip ON bans(jail, ip)`,
			`CREATE INDEX IF NOT EXISTS bans_ip ON bans(ip)`,
		)
	},
	// v2: per-ban duration and recidivism counter
	func(ctx context.Context, tx *sql.Tx) error {
		return execAll(ctx, tx,
			`ALTER TABLE bans ADD COLUMN bantime INTEGER NOT NULL DEFAULT 600`,
			`ALTER TABLE bans ADD COLUMN bancount INTEGER NOT NULL DEFAULT 1`,
		)
	},
	// v3: latest ban per id and jail
	func(ctx context.Context, tx *sql.Tx) error {
		return execAll(ctx, tx,
			`CREATE TABLE IF NOT EXISTS bips(
				ip TEXT NOT NULL,
				jail TEXT NOT NULL,
				timeofban INTEGER NOT NULL,
				bantime INTEGER NOT NULL,
				bancount INTEGER NOT NULL DEFAULT 1,
				data JSON,
				PRIMARY KEY(ip, jail),
				FOREIGN KEY(jail) REFERENCES jails(name) ON DELETE CASCADE)`,
			`CREATE INDEX IF NOT EXISTS bips_timeofban ON bips(timeofban)`,
			`CREATE INDEX IF NOT EXISTS bips_ip ON bips(ip)`,
			`INSERT OR REPLACE INTO bips(ip, jail, timeofban, bantime, bancount, data)
				SELECT ip, jail, timeofban, bantime, bancount, data FROM bans
				ORDER BY timeofban`,
		)
	},
}

// Latest schema version.
var SchemaVersion = len(migrations)

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%s: %w", strings.Fields(s)[0], err)
		}
	}
	return nil
}

// =========================================================================
//  Database
// =========================================================================

type mergedKey struct {
	id, jail string
}

// A fail2ban persistent database.
type DB struct {
	db       *sql.DB
	filename string

	mu         sync.RWMutex
	purgeAge   time.Duration
	maxMatches int

	merged *lru.Cache[mergedKey, *ticket.Ticket]
}

// Opens or creates the database at filename and brings its schema up to date.
func Open(ctx context.Context, filename string) (*DB, error) {
	dsn := filename + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(OFF)&_pragma=temp_store(MEMORY)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to fail2ban persistent database %q: %w", filename, err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("error connecting to fail2ban persistent database %q: %w", filename, err)
	}
	cache, _ := lru.New[mergedKey, *ticket.Ticket](mergedCacheSize)
	d := &DB{
		db:         sqlDB,
		filename:   filename,
		purgeAge:   DefaultPurgeAge,
		maxMatches: DefaultMaxMatches,
		merged:     cache,
	}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Infof("Connected to fail2ban persistent database '%s'", filename)
	return d, nil
}

func (d *DB) schemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='fail2banDb'`).Scan(&exists)
	if err != nil || exists == 0 {
		return 0, err
	}
	var v int
	err = d.db.QueryRowContext(ctx, `SELECT version FROM fail2banDb LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (d *DB) migrate(ctx context.Context) error {
	current, err := d.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading database version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: %d > %d", ErrFutureVersion, current, SchemaVersion)
	}
	if current == SchemaVersion {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for v := current; v < SchemaVersion; v++ {
		if err := migrations[v](ctx, tx); err != nil {
			return fmt.Errorf("database update to version %d failed: %w", v+1, err)
		}
	}
	if current == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO fail2banDb(version) VALUES(?)`, SchemaVersion)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE fail2banDb SET version = ?`, SchemaVersion)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if current == 0 {
		log.Warningf("New database created. Version '%d'", SchemaVersion)
	} else {
		log.Warningf("Database updated from '%d' to '%d'", current, SchemaVersion)
	}
	return nil
}

// Returns the schema version stored in the database.
func (d *DB) Version(ctx context.Context) (int, error) {
	return d.schemaVersion(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Filename() string {
	return d.filename
}

func (d *DB) PurgeAge() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.purgeAge
}

func (d *DB) SetPurgeAge(age time.Duration) {
	d.mu.Lock()
	d.purgeAge = age
	d.mu.Unlock()
}

// Returns the number of matches persisted per ban.
func (d *DB) MaxMatches() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxMatches
}

func (d *DB) SetMaxMatches(n int) {
	d.mu.Lock()
	d.maxMatches = n
	d.mu.Unlock()
}

// Runs f inside one transaction.
func (d *DB) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Removes expired bans and disabled jails that no longer hold bans.
// Permanent bans are kept.
func (d *DB) Purge(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-d.PurgeAge()).Unix()
	d.merged.Purge()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bans WHERE bantime != -1 AND timeofban + bantime < ?`, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bips WHERE bantime != -1 AND timeofban + bantime < ?`, cutoff); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM jails WHERE enabled = 0
				AND NOT EXISTS(SELECT * FROM bans WHERE jail = jails.name)
				AND NOT EXISTS(SELECT * FROM bips WHERE jail = jails.name)`)
		return err
	})
}

// Returns the on-disk size of the database file, 0 when unknown.
func (d *DB) Size() int64 {
	fi, err := os.Stat(d.filename)
	if err != nil {
		return 0
	}
	return fi.Size()
}
