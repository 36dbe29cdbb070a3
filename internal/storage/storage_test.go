package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), filepath.Join(t.TempDir(), "fail2ban.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func banTicket(id string, tob int64, bt time.Duration, count int) *ticket.Ticket {
	t := ticket.NewFailTicket(ipaddr.New(id), time.Unix(tob, 0), []string{"line " + id})
	t.FirstTime = time.Unix(tob-5, 0)
	t.Attempts = 3
	t.BanTime = bt
	t.BanCount = count
	return t
}

func TestCreateAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite3")
	d, err := Open(ctx, path)
	require.NoError(t, err)
	v, err := d.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	require.NoError(t, d.Close())

	d, err = Open(ctx, path)
	require.NoError(t, err)
	defer d.Close()
	names, err := d.GetJailNames(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sshd"}, names)
}

func TestUpgradeFromVersionOne(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.sqlite3")
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	tx, err := raw.Begin()
	require.NoError(t, err)
	require.NoError(t, migrations[0](ctx, tx))
	_, err = tx.Exec(`INSERT INTO fail2banDb(version) VALUES(1)`)
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO jails(name) VALUES('sshd')`)
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO bans(jail, ip, timeofban, data) VALUES('sshd', '192.0.2.1', 1000, '{"failures":3}')`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, raw.Close())

	d, err := Open(ctx, path)
	require.NoError(t, err)
	defer d.Close()
	bc, found, err := d.GetBan(ctx, "192.0.2.1", BanQuery{Jail: "sshd"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, bc.Count)
	assert.Equal(t, 600*time.Second, bc.BanTime)
}

func TestFutureVersionRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "future.sqlite3")
	d, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = d.db.Exec(`UPDATE fail2banDb SET version = 99`)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(ctx, path)
	assert.ErrorIs(t, err, ErrFutureVersion)
}

func TestJails(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "a"))
	require.NoError(t, d.AddJail(ctx, "b"))
	require.NoError(t, d.DelJail(ctx, "a"))

	yes, no := true, false
	enabled, err := d.GetJailNames(ctx, &yes)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, enabled)
	disabled, err := d.GetJailNames(ctx, &no)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, disabled)

	require.NoError(t, d.AddJail(ctx, "a"))
	enabled, err = d.GetJailNames(ctx, &yes)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, enabled)
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))

	_, found, err := d.AddLog(ctx, "sshd", "/var/log/auth.log", "h1", 0)
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, d.UpdateLog(ctx, "sshd", "/var/log/auth.log", "h1", 4096))

	pos, found, err := d.AddLog(ctx, "sshd", "/var/log/auth.log", "h1", 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4096), pos)

	// rotated file: different first line
	_, found, err = d.AddLog(ctx, "sshd", "/var/log/auth.log", "h2", 0)
	require.NoError(t, err)
	assert.False(t, found)

	paths, err := d.GetLogPaths(ctx, "sshd")
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/log/auth.log"}, paths)
	require.NoError(t, d.DelLog(ctx, "sshd", "/var/log/auth.log"))
	paths, err = d.GetLogPaths(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDelLogKeptWhileBanned(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	_, _, err := d.AddLog(ctx, "sshd", "/var/log/auth.log", "h1", 0)
	require.NoError(t, err)
	require.NoError(t, d.UpdateLog(ctx, "sshd", "/var/log/auth.log", "h1", 512))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.7", 1000, 600*time.Second, 1)))

	require.NoError(t, d.DelLog(ctx, "sshd", "/var/log/auth.log"))
	paths, err := d.GetLogPaths(ctx, "sshd")
	require.NoError(t, err)
	assert.Equal(t, []string{"/var/log/auth.log"}, paths)

	require.NoError(t, d.DelBan(ctx, "sshd", "192.0.2.7"))
	require.NoError(t, d.DelLog(ctx, "sshd", "/var/log/auth.log"))
	paths, err = d.GetLogPaths(ctx, "sshd")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestBanRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	orig := banTicket("192.0.2.5", 1000, 600*time.Second, 2)
	orig.SetData("user", "root")
	require.NoError(t, d.AddBan(ctx, "sshd", orig))

	cur, err := d.GetCurrentBans(ctx, CurrentQuery{Jail: "sshd", FromTime: time.Unix(1300, 0)})
	require.NoError(t, err)
	require.Len(t, cur, 1)
	got := cur[0]
	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.FirstTime.Unix(), got.FirstTime.Unix())
	assert.Equal(t, orig.BanCount, got.BanCount)
	assert.Equal(t, 600*time.Second, got.BanTime)
	assert.True(t, got.Restored)
	assert.Equal(t, "root", got.GetData("user"))
	eob, ok := got.EndOfBan(0)
	require.True(t, ok)
	assert.False(t, eob.Before(time.Unix(1300, 0)))

	// expired at 1600
	cur, err = d.GetCurrentBans(ctx, CurrentQuery{Jail: "sshd", FromTime: time.Unix(1600, 0)})
	require.NoError(t, err)
	assert.Empty(t, cur)

	// capped to a shorter max time
	cur, err = d.GetCurrentBans(ctx, CurrentQuery{Jail: "sshd", FromTime: time.Unix(1300, 0), MaxTime: 200 * time.Second})
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestPermanentBanIsCurrent(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.6", 1000, ticket.Permanent, 1)))
	cur, err := d.GetCurrentBans(ctx, CurrentQuery{FromTime: time.Unix(1<<40, 0)})
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, ticket.Permanent, cur[0].BanTime)
}

func TestGetBanPerJailAndOverall(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	require.NoError(t, d.AddJail(ctx, "nginx"))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.7", 1000, 600*time.Second, 1)))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.7", 2000, 1200*time.Second, 2)))
	require.NoError(t, d.AddBan(ctx, "nginx", banTicket("192.0.2.7", 3000, 600*time.Second, 1)))

	bc, found, err := d.GetBan(ctx, "192.0.2.7", BanQuery{Jail: "sshd"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, bc.Count)
	assert.Equal(t, int64(2000), bc.TimeOfBan.Unix())

	bc, found, err = d.GetBan(ctx, "192.0.2.7", BanQuery{Jail: "sshd", OverallJails: true})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, bc.Count)
	assert.Equal(t, int64(3000), bc.TimeOfBan.Unix())

	_, found, err = d.GetBan(ctx, "192.0.2.8", BanQuery{Jail: "sshd"})
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = d.GetBan(ctx, "192.0.2.7", BanQuery{Jail: "sshd", FromTime: time.Unix(2500, 0)})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBansMergedCache(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.7", 1000, 600*time.Second, 1)))

	m, err := d.GetBansMerged(ctx, "192.0.2.7", "sshd")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.Attempts)

	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.7", 2000, 600*time.Second, 2)))
	m, err = d.GetBansMerged(ctx, "192.0.2.7", "sshd")
	require.NoError(t, err)
	assert.Equal(t, 6, m.Attempts)
	assert.Equal(t, []string{"line 192.0.2.7", "line 192.0.2.7"}, m.Matches)
	assert.Equal(t, int64(995), m.FirstTime.Unix())

	m, err = d.GetBansMerged(ctx, "192.0.2.9", "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDelBanAndPurge(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	require.NoError(t, d.AddJail(ctx, "sshd"))
	require.NoError(t, d.AddJail(ctx, "old"))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.1", 1000, 600*time.Second, 1)))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.2", 1000, ticket.Permanent, 1)))
	require.NoError(t, d.AddBan(ctx, "sshd", banTicket("192.0.2.3", 1000, 600*time.Second, 1)))
	require.NoError(t, d.DelJail(ctx, "old"))

	require.NoError(t, d.DelBan(ctx, "sshd", "192.0.2.3"))
	bans, err := d.GetBans(ctx, "sshd", "")
	require.NoError(t, err)
	assert.Len(t, bans, 2)

	// 1000 + 600 + 24h purge age
	require.NoError(t, d.Purge(ctx, time.Unix(1600+86400-1, 0)))
	bans, err = d.GetBans(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, bans, 2)

	require.NoError(t, d.Purge(ctx, time.Unix(1600+86400+1, 0)))
	bans, err = d.GetBans(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "192.0.2.2", bans[0].ID)

	names, err := d.GetJailNames(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sshd"}, names)
}
