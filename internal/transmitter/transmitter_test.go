package transmitter

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/filter"
	"github.com/swissmakers/fail2ban-ng/internal/integrations"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
)

type fakeServer struct {
	jails    *jail.Jails
	db       *storage.DB
	quit     bool
	reloaded []string
	opts     ReloadOptions
	started  []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{jails: jail.NewJails()}
}

func (s *fakeServer) Jails() *jail.Jails { return s.jails }

func (s *fakeServer) AddJail(name, backend string) error {
	j, err := jail.New(name, backend, s.db, nil)
	if err != nil {
		return err
	}
	r := ipaddr.NewResolver(10, time.Minute)
	r.Interfaces = func() ([]net.Addr, error) { return nil, nil }
	r.Hostname = func() (string, error) { return "", errors.New("no hostname") }
	r.LookupHost = func(context.Context, string) ([]string, error) { return nil, errors.New("not found") }
	j.Filter().SetResolver(r)
	return s.jails.Add(j)
}

func (s *fakeServer) StartJail(name string) error {
	if _, err := s.jails.Get(name); err != nil {
		return err
	}
	s.started = append(s.started, name)
	return nil
}

func (s *fakeServer) StopJail(name string) error {
	_, err := s.jails.Remove(name)
	return err
}

func (s *fakeServer) StopAllJails() error {
	for _, n := range s.jails.Names() {
		s.jails.Remove(n)
	}
	return nil
}

func (s *fakeServer) Quit() { s.quit = true }

func (s *fakeServer) Reload(name string, opts ReloadOptions) error {
	s.reloaded = append(s.reloaded, name)
	s.opts = opts
	return nil
}

func (s *fakeServer) SetDatabase(path string) error {
	if path == storage.Disabled {
		s.db = nil
		return nil
	}
	db, err := storage.Open(context.Background(), path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *fakeServer) Database() *storage.DB { return s.db }

func (s *fakeServer) FlushLogs() (string, error) { return "flushed", nil }

func (s *fakeServer) Info() Info {
	return Info{
		Version:   "1.2.3",
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local),
		Socket:    "/run/fail2ban/fail2ban.sock",
		Observer:  "inactive",
	}
}

func setup(t *testing.T) (*Transmitter, *fakeServer) {
	t.Helper()
	s := newFakeServer()
	tr := New(s)
	res := tr.Proceed([]string{"add", "sshd", filter.BackendPolling})
	require.Equal(t, 0, res.Code, res.Result)
	return tr, s
}

func TestBasicCommands(t *testing.T) {
	tr, s := setup(t)

	tests := []struct {
		cmd  []string
		want any
	}{
		{[]string{"ping"}, "pong"},
		{[]string{"version"}, "1.2.3"},
		{[]string{"echo", "a", "b"}, []string{"a", "b"}},
		{[]string{"sleep", "0.001"}, nil},
		{[]string{"flushlogs"}, "flushed"},
		{[]string{"status"}, [][2]any{{"Number of jail", 1}, {"Jail list", "sshd"}}},
	}
	for _, tt := range tests {
		res := tr.Proceed(tt.cmd)
		assert.Equal(t, 0, res.Code, tt.cmd)
		assert.Equal(t, tt.want, res.Result, tt.cmd)
	}

	res := tr.Proceed([]string{"stop"})
	assert.Equal(t, 0, res.Code)
	assert.True(t, s.quit)
}

func TestInvalidCommands(t *testing.T) {
	tr, _ := setup(t)

	tests := [][]string{
		{},
		{"bogus"},
		{"sleep"},
		{"add", "--all"},
		{"add", "sshd"},
		{"set", "nojail", "maxretry", "3"},
		{"set", "sshd", "maxretry", "many"},
		{"set", "sshd", "nosuchkey", "1"},
		{"set", "sshd", "bantime.formula", "cubic"},
		{"get", "sshd", "nosuchkey"},
		{"status", "nojail"},
		{"reload", "nojail"},
		{"set", "loglevel", "LOUD"},
		{"set", "dbmaxmatches", "5"},
	}
	for _, cmd := range tests {
		res := tr.Proceed(cmd)
		assert.Equal(t, 1, res.Code, cmd)
		assert.IsType(t, "", res.Result, cmd)
	}
}

func TestSetAndGetJailProperties(t *testing.T) {
	tr, _ := setup(t)

	tests := []struct {
		key  string
		val  []string
		want any
	}{
		{"maxretry", []string{"5"}, 5},
		{"findtime", []string{"10m"}, int64(600)},
		{"bantime", []string{"1h"}, int64(3600)},
		{"bantime", []string{"-1"}, int64(-1)},
		{"maxlines", []string{"2"}, 2},
		{"maxmatches", []string{"4"}, 4},
		{"usedns", []string{"no"}, "no"},
		{"logencoding", []string{"utf-8"}, "utf-8"},
		{"idle", []string{"on"}, true},
		{"idle", []string{"off"}, false},
		{"ignoreself", []string{"false"}, false},
		{"bantime.increment", []string{"true"}, true},
		{"bantime.factor", []string{"2"}, 2.0},
		{"bantime.formula", []string{"exp"}, "exp"},
		{"bantime.maxtime", []string{"1w"}, int64(7 * 24 * 3600)},
		{"bantime.rndtime", []string{"30"}, int64(30)},
		{"bantime.overalljails", []string{"yes"}, true},
	}
	for _, tt := range tests {
		res := tr.Proceed(append([]string{"set", "sshd", tt.key}, tt.val...))
		require.Equal(t, 0, res.Code, "%s: %v", tt.key, res.Result)
		assert.Equal(t, tt.want, res.Result, tt.key)

		res = tr.Proceed([]string{"get", "sshd", tt.key})
		require.Equal(t, 0, res.Code, "%s: %v", tt.key, res.Result)
		assert.Equal(t, tt.want, res.Result, tt.key)
	}
}

func TestRegexAndIgnoreLists(t *testing.T) {
	tr, _ := setup(t)

	res := tr.Proceed([]string{"set", "sshd", "addfailregex", `Failed password for .* from <HOST>`})
	require.Equal(t, 0, res.Code, res.Result)
	res = tr.Proceed([]string{"set", "sshd", "addfailregex", `Invalid user .* from <HOST>`})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Len(t, res.Result, 2)

	res = tr.Proceed([]string{"set", "sshd", "delfailregex", "0"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, []string{`Invalid user .* from <HOST>`}, res.Result)

	res = tr.Proceed([]string{"set", "sshd", "addfailregex", `no host group`})
	assert.Equal(t, 1, res.Code)

	res = tr.Proceed([]string{"set", "sshd", "addignoreip", "10.0.0.0/8", "192.0.2.1"})
	require.Equal(t, 0, res.Code, res.Result)
	res = tr.Proceed([]string{"set", "sshd", "delignoreip", "192.0.2.1"})
	require.Equal(t, 0, res.Code, res.Result)
	res = tr.Proceed([]string{"get", "sshd", "ignoreip"})
	assert.Contains(t, res.Result, "10.0.0.0/8")
	assert.NotContains(t, res.Result, "192.0.2.1")
}

func TestBanUnbanFlow(t *testing.T) {
	tr, s := setup(t)
	j, err := s.jails.Get("sshd")
	require.NoError(t, err)
	require.NoError(t, j.Actions().SetBanTime(600*time.Second))
	dummy := integrations.NewDummy("sshd", "dummy", nil)
	require.NoError(t, j.Actions().AddAction("dummy", dummy))

	res := tr.Proceed([]string{"set", "sshd", "banip", "192.0.2.1", "192.0.2.2"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, 2, res.Result)
	require.Equal(t, 2, j.QueueLen())
	// The actions worker is not running; promote the queued tickets by hand.
	for j.QueueLen() > 0 {
		j.Actions().BanManager().AddBanTicket(j.GetFailTicket())
	}

	res = tr.Proceed([]string{"banned", "192.0.2.1", "198.51.100.1"})
	require.Equal(t, 0, res.Code)
	assert.Equal(t, [][]string{{"sshd"}, {}}, res.Result)

	res = tr.Proceed([]string{"get", "sshd", "banip", ","})
	assert.Equal(t, "192.0.2.1,192.0.2.2", res.Result)

	res = tr.Proceed([]string{"get", "sshd", "banip", "--with-time"})
	require.Equal(t, 0, res.Code)
	assert.Len(t, res.Result, 2)
	assert.Contains(t, res.Result.([]string)[0], "+ 600 = ")

	res = tr.Proceed([]string{"set", "sshd", "unbanip", "--report-absent", "198.51.100.1"})
	assert.Equal(t, 1, res.Code)

	res = tr.Proceed([]string{"set", "sshd", "unbanip", "192.0.2.1"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, 1, res.Result)

	res = tr.Proceed([]string{"unban", "--all"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, 1, res.Result)
	assert.Equal(t, 0, j.Actions().BanManager().Size())
}

func TestActionCommands(t *testing.T) {
	tr, _ := setup(t)

	res := tr.Proceed([]string{"set", "sshd", "addaction", "dry", "dummy", `{"note": "x"}`})
	require.Equal(t, 0, res.Code, res.Result)

	res = tr.Proceed([]string{"get", "sshd", "actions"})
	assert.Equal(t, []string{"dry"}, res.Result)

	res = tr.Proceed([]string{"set", "sshd", "action", "dry", "note", "changed", "value"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, "changed value", res.Result)

	res = tr.Proceed([]string{"get", "sshd", "action", "dry", "note"})
	assert.Equal(t, "changed value", res.Result)

	res = tr.Proceed([]string{"get", "sshd", "actionmethods", "dry"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Contains(t, res.Result, "ban")

	res = tr.Proceed([]string{"set", "sshd", "addaction", "bad", "nosuchkind"})
	assert.Equal(t, 1, res.Code)

	res = tr.Proceed([]string{"set", "sshd", "delaction", "dry"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Empty(t, res.Result)
}

func TestGlobalSettings(t *testing.T) {
	tr, _ := setup(t)
	defer logging.SetLevel(logging.GetLevel())

	res := tr.Proceed([]string{"set", "loglevel", "DEBUG"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, "DEBUG", res.Result)
	res = tr.Proceed([]string{"get", "loglevel"})
	assert.Equal(t, "DEBUG", res.Result)

	res = tr.Proceed([]string{"get", "dbfile"})
	assert.Nil(t, res.Result)

	path := filepath.Join(t.TempDir(), "f2b.sqlite3")
	res = tr.Proceed([]string{"set", "dbfile", path})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, path, res.Result)

	res = tr.Proceed([]string{"set", "dbpurgeage", "2d"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, int64(2*24*3600), res.Result)

	res = tr.Proceed([]string{"set", "dbmaxmatches", "7"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, 7, res.Result)
	tr.server.Database().Close()
}

func TestServerStatus(t *testing.T) {
	tr, _ := setup(t)
	res := tr.Proceed([]string{"server-status"})
	require.Equal(t, 0, res.Code)
	rows := res.Result.([][2]any)
	assert.Equal(t, [2]any{"Version", "1.2.3"}, rows[0])
	assert.Equal(t, [2]any{"Started", "2026-01-02 03:04:05"}, rows[1])
	assert.Equal(t, [2]any{"Database", storage.Disabled}, rows[4])
}

func TestLifecycleCommands(t *testing.T) {
	tr, s := setup(t)
	require.Equal(t, 0, tr.Proceed([]string{"add", "nginx"}).Code)

	res := tr.Proceed([]string{"start"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, []string{"sshd", "nginx"}, s.started)

	res = tr.Proceed([]string{"reload", "sshd", "--restart", "--unban"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, ReloadOptions{Restart: true, Unban: true}, s.opts)

	res = tr.Proceed([]string{"reload", "missing", "--if-exists"})
	require.Equal(t, 0, res.Code, res.Result)

	res = tr.Proceed([]string{"reload", "--all"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, []string{"sshd", "missing", ""}, s.reloaded)

	res = tr.Proceed([]string{"stop", "nginx"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, []string{"sshd"}, s.jails.Names())

	res = tr.Proceed([]string{"stop", "--all"})
	require.Equal(t, 0, res.Code, res.Result)
	assert.Equal(t, 0, s.jails.Len())
}

func TestProceedStreamAbortsOnFailure(t *testing.T) {
	s := newFakeServer()
	tr := New(s)
	res := tr.ProceedStream([][]string{
		{"add", "sshd", filter.BackendPolling},
		{"set", "sshd", "maxretry", "4"},
		{"set", "sshd", "maxretry", "x"},
		{"set", "sshd", "maxretry", "6"},
	})
	assert.Equal(t, 1, res.Code)
	j, err := s.jails.Get("sshd")
	require.NoError(t, err)
	assert.Equal(t, 4, j.Filter().MaxRetry())

	res = tr.ProceedStream([][]string{{"set", "sshd", "maxretry", "6"}})
	assert.Equal(t, Reply{Code: 0}, res)
}

func TestProceedRequest(t *testing.T) {
	tr, s := setup(t)

	tests := []struct {
		name string
		req  any
		code int
		want any
	}{
		{"flat command", []any{"echo", "a", int8(3), true}, 0, []string{"a", "3", "true"}},
		{"nested stream", []any{StreamVerb, []any{[]any{"set", "sshd", "maxretry", "7"}, []any{"ping"}}}, 0, nil},
		{"spread stream", []any{StreamVerb, []any{"ping"}, []any{"version"}}, 0, nil},
		{"empty stream", []any{StreamVerb, []any{}}, 0, nil},
		{"not a list", int64(42), 1, nil},
		{"map", map[string]any{"ping": true}, 1, nil},
		{"nested argument", []any{"echo", []any{"a"}}, 1, nil},
		{"stream of tokens", []any{StreamVerb, "ping"}, 1, nil},
		{"stream with bad entry", []any{StreamVerb, []any{"ping"}, "version"}, 1, nil},
		{"failing stream", []any{StreamVerb, []any{[]any{"status", "nope"}, []any{"add", "late"}}}, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tr.ProceedRequest(tt.req)
			assert.Equal(t, tt.code, res.Code, "%v", res.Result)
			if tt.code == 0 {
				assert.Equal(t, tt.want, res.Result)
			}
		})
	}

	j, err := s.jails.Get("sshd")
	require.NoError(t, err)
	assert.Equal(t, 7, j.Filter().MaxRetry())
	assert.False(t, s.jails.Exists("late"))
}
