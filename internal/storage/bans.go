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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

// JSON payload of a ban row.
type banData struct {
	Matches   []string          `json:"matches,omitempty"`
	Failures  int               `json:"failures"`
	FirstTime int64             `json:"firsttime,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// =========================================================================
//  Jails
// =========================================================================

// Registers a jail, re-enabling it if it was soft deleted.
func (d *DB) AddJail(ctx context.Context, name string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO jails(name, enabled) VALUES(?, 1)`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE jails SET enabled = 1 WHERE name = ? AND enabled != 1`, name)
		return err
	})
}

// Soft deletes a jail; Purge removes it once no bans reference it.
func (d *DB) DelJail(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE jails SET enabled = 0 WHERE name = ?`, name)
	return err
}

// Soft deletes every jail.
func (d *DB) DelAllJails(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `UPDATE jails SET enabled = 0`)
	return err
}

// Returns jail names; enabled selects all (nil), enabled or disabled jails.
func (d *DB) GetJailNames(ctx context.Context, enabled *bool) ([]string, error) {
	query := `SELECT name FROM jails`
	var args []any
	if enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, *enabled)
	}
	query += ` ORDER BY name`
	return d.queryStrings(ctx, query, args...)
}

func (d *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =========================================================================
//  Logs
// =========================================================================

// Records a monitored log. Returns the stored position when the stored
// first-line hash equals hash, so reading can resume there.
func (d *DB) AddLog(ctx context.Context, jail, path, hash string, pos int64) (int64, bool, error) {
	var (
		lastPos int64
		found   bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var oldHash sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT firstlinehash, lastfilepos FROM logs WHERE jail = ? AND path = ?`,
			jail, path).Scan(&oldHash, &lastPos)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			found = oldHash.Valid && oldHash.String == hash
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO logs(jail, path, firstlinehash, lastfilepos) VALUES(?, ?, ?, ?)`,
			jail, path, hash, pos)
		return err
	})
	if err != nil || !found {
		return 0, false, err
	}
	return lastPos, true, nil
}

// Stores the hash and position reached in a log.
func (d *DB) UpdateLog(ctx context.Context, jail, path, hash string, pos int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE logs SET firstlinehash = ?, lastfilepos = ? WHERE jail = ? AND path = ?`,
		hash, pos, jail, path)
	return err
}

// Forgets a log path of a jail. The position is kept while the jail still
// has bans recorded, so re-adding the path does not count old lines again.
func (d *DB) DelLog(ctx context.Context, jail, path string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM logs WHERE jail = ? AND path = ?
			AND NOT EXISTS(SELECT * FROM bans WHERE bans.jail = logs.jail)`,
		jail, path)
	return err
}

// Returns the stored log paths, of one jail when jail is not empty.
func (d *DB) GetLogPaths(ctx context.Context, jail string) ([]string, error) {
	if jail == "" {
		return d.queryStrings(ctx, `SELECT path FROM logs ORDER BY path`)
	}
	return d.queryStrings(ctx, `SELECT path FROM logs WHERE jail = ? ORDER BY path`, jail)
}

// =========================================================================
//  Bans
// =========================================================================

func (d *DB) encodeTicket(t *ticket.Ticket) (string, error) {
	bd := banData{
		Matches:  t.Matches,
		Failures: t.Attempts,
		Data:     t.Data,
	}
	if limit := d.MaxMatches(); limit >= 0 && len(bd.Matches) > limit {
		bd.Matches = bd.Matches[len(bd.Matches)-limit:]
	}
	if !t.FirstTime.IsZero() {
		bd.FirstTime = t.FirstTime.Unix()
	}
	raw, err := json.Marshal(bd)
	return string(raw), err
}

func decodeData(raw sql.NullString) banData {
	var bd banData
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &bd); err != nil {
			log.Debugf("Unable to decode ban data %q: %v", raw.String, err)
		}
	}
	return bd
}

// Persists a ban. The ticket carries its effective BanTime and BanCount.
func (d *DB) AddBan(ctx context.Context, jail string, t *ticket.Ticket) error {
	d.merged.Remove(mergedKey{t.ID, jail})
	d.merged.Remove(mergedKey{t.ID, ""})
	data, err := d.encodeTicket(t)
	if err != nil {
		return err
	}
	tob := t.Time.Unix()
	bt := bantime.Seconds(t.BanTime)
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bans(jail, ip, timeofban, bantime, bancount, data) VALUES(?, ?, ?, ?, ?, ?)`,
			jail, t.ID, tob, bt, t.BanCount, data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO bips(ip, jail, timeofban, bantime, bancount, data) VALUES(?, ?, ?, ?, ?, ?)`,
			t.ID, jail, tob, bt, t.BanCount, data)
		return err
	})
}

// Removes the bans of ids in jail, or in every jail when jail is empty.
// Without ids every ban of the jail is removed.
func (d *DB) DelBan(ctx context.Context, jail string, ids ...string) error {
	d.merged.Purge()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"bans", "bips"} {
			query := `DELETE FROM ` + table + ` WHERE 1`
			var args []any
			if jail != "" {
				query += ` AND jail = ?`
				args = append(args, jail)
			}
			if len(ids) > 0 {
				query += ` AND ip IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`
				for _, id := range ids {
					args = append(args, id)
				}
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest recidivism record of an id.
type BanCount struct {
	Count     int
	TimeOfBan time.Time
	BanTime   time.Duration
}

func secondsToDuration(s int64) time.Duration {
	if s < 0 {
		return ticket.Permanent
	}
	return time.Duration(s) * time.Second
}

// Options narrowing GetBan.
type BanQuery struct {
	Jail         string
	OverallJails bool
	// Only bans started after FromTime count; zero means no bound.
	FromTime time.Time
}

// Returns the recidivism record of id: per jail, or summed over all jails
// when OverallJails is set or no jail is given. found is false for unknown ids.
func (d *DB) GetBan(ctx context.Context, id string, q BanQuery) (BanCount, bool, error) {
	var query string
	args := []any{id}
	if !q.OverallJails && q.Jail != "" {
		query = `SELECT bancount, timeofban, bantime FROM bips WHERE ip = ? AND jail = ?`
		args = append(args, q.Jail)
	} else {
		query = `SELECT sum(bancount), max(timeofban), sum(bantime) FROM bips WHERE ip = ?`
	}
	if !q.FromTime.IsZero() {
		query += ` AND timeofban > ?`
		args = append(args, q.FromTime.Unix())
	}
	if q.OverallJails || q.Jail == "" {
		query += ` GROUP BY ip`
	}
	query += ` ORDER BY timeofban DESC LIMIT 1`

	var (
		count    int
		tob, bts int64
	)
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&count, &tob, &bts)
	if errors.Is(err, sql.ErrNoRows) {
		return BanCount{}, false, nil
	}
	if err != nil {
		return BanCount{}, false, err
	}
	return BanCount{Count: count, TimeOfBan: time.Unix(tob, 0), BanTime: secondsToDuration(bts)}, true, nil
}

type banRow struct {
	id       string
	tob      int64
	bantime  int64
	bancount int
	data     banData
}

func (d *DB) queryBans(ctx context.Context, query string, args ...any) ([]banRow, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []banRow
	for rows.Next() {
		var (
			r   banRow
			raw sql.NullString
		)
		if err := rows.Scan(&r.id, &r.tob, &r.bantime, &r.bancount, &raw); err != nil {
			return nil, err
		}
		r.data = decodeData(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r banRow) ticket() *ticket.Ticket {
	t := ticket.NewFailTicket(ipaddr.New(r.id), time.Unix(r.tob, 0), r.data.Matches)
	t.ID = r.id
	if r.data.FirstTime > 0 {
		t.FirstTime = time.Unix(r.data.FirstTime, 0)
	}
	t.Attempts = r.data.Failures
	t.BanTime = secondsToDuration(r.bantime)
	t.BanCount = r.bancount
	for k, v := range r.data.Data {
		t.SetData(k, v)
	}
	return t
}

// Returns the stored bans ordered by time of ban, optionally narrowed to
// one jail and one id.
func (d *DB) GetBans(ctx context.Context, jail, id string) ([]*ticket.Ticket, error) {
	query := `SELECT ip, timeofban, bantime, bancount, data FROM bans WHERE 1`
	var args []any
	if jail != "" {
		query += ` AND jail = ?`
		args = append(args, jail)
	}
	if id != "" {
		query += ` AND ip = ?`
		args = append(args, id)
	}
	query += ` ORDER BY timeofban, rowid`
	rows, err := d.queryBans(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*ticket.Ticket, len(rows))
	for i, r := range rows {
		out[i] = r.ticket()
	}
	return out, nil
}

// Returns one synthetic ticket merging every stored ban of id (in jail
// when not empty): attempts summed, matches concatenated oldest first and
// bounded by MaxMatches. Returns nil for unknown ids.
func (d *DB) GetBansMerged(ctx context.Context, id, jail string) (*ticket.Ticket, error) {
	key := mergedKey{id, jail}
	if t, ok := d.merged.Get(key); ok {
		if t == nil {
			return nil, nil
		}
		return t.Clone(), nil
	}
	bans, err := d.GetBans(ctx, jail, id)
	if err != nil {
		return nil, err
	}
	if len(bans) == 0 {
		d.merged.Add(key, nil)
		return nil, nil
	}
	last := bans[len(bans)-1]
	merged := ticket.NewFailTicket(last.IP, last.Time, nil)
	merged.ID = id
	merged.FirstTime = bans[0].FirstTime
	merged.BanCount = last.BanCount
	merged.BanTime = last.BanTime
	limit := d.MaxMatches()
	for _, b := range bans {
		merged.Attempts += b.Attempts
		merged.AddMatches(b.Matches, limit)
		for k, v := range b.Data {
			merged.SetData(k, v)
		}
	}
	d.merged.Add(key, merged)
	return merged.Clone(), nil
}

// Options for GetCurrentBans.
type CurrentQuery struct {
	// Jail restricts to one jail; empty reads the latest ban per id over all jails.
	Jail string
	ID   string
	// Bans that ended before FromTime are skipped.
	FromTime time.Time
	// When positive, only bans started within ForBanTime before FromTime count.
	ForBanTime time.Duration
	// When positive, stored ban times above MaxTime are capped to it.
	MaxTime time.Duration
}

// Returns the bans still active at q.FromTime as restored ban tickets.
func (d *DB) GetCurrentBans(ctx context.Context, q CurrentQuery) ([]*ticket.Ticket, error) {
	var (
		query string
		args  []any
	)
	if q.Jail != "" {
		query = `SELECT ip, timeofban, bantime, bancount, data FROM bips WHERE jail = ?`
		args = append(args, q.Jail)
	} else {
		query = `SELECT ip, max(timeofban), bantime, bancount, data FROM bips WHERE 1`
	}
	from := q.FromTime.Unix()
	if q.ID != "" {
		query += ` AND ip = ?`
		args = append(args, q.ID)
	}
	query += ` AND (timeofban + bantime > ? OR bantime <= -1)`
	args = append(args, from)
	if q.ForBanTime > 0 {
		query += ` AND timeofban > ?`
		args = append(args, from-int64(q.ForBanTime/time.Second))
	}
	if q.Jail == "" {
		query += ` GROUP BY ip`
	}
	query += ` ORDER BY ip, timeofban DESC`

	rows, err := d.queryBans(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	maxTime := int64(q.MaxTime / time.Second)
	out := make([]*ticket.Ticket, 0, len(rows))
	for _, r := range rows {
		if maxTime > 0 && r.bantime != -1 && r.bantime > maxTime {
			r.bantime = maxTime
			if r.tob+r.bantime <= from {
				continue
			}
		}
		t := r.ticket()
		t.Restored = true
		out = append(out, t)
	}
	return out, nil
}
