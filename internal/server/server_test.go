package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/protocol"
	"github.com/swissmakers/fail2ban-ng/internal/transmitter"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func boolp(v bool) *bool { return &v }

// Unix socket paths are short; t.TempDir() may exceed the limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "f2b")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func sshdJail(dir string) config.JailSettings {
	logPath := filepath.Join(dir, "auth.log")
	os.WriteFile(logPath, nil, 0o644)
	return config.JailSettings{
		Name:       "sshd",
		Backend:    "polling",
		LogPath:    []string{logPath},
		FailRegex:  []string{`^Failed password for .* from <HOST>$`},
		IgnoreSelf: boolp(false),
		UseDNS:     "no",
		MaxRetry:   5,
		Actions:    []config.ActionSettings{{Name: "record", Kind: "dummy"}},
	}
}

func testSettings(dir string, jails ...config.JailSettings) config.Settings {
	st := config.Default()
	st.Socket = filepath.Join(dir, "f2b.sock")
	st.PidFile = filepath.Join(dir, "f2b.pid")
	st.DBFile = filepath.Join(dir, "f2b.sqlite3")
	st.SyslogSocket = ""
	st.Jails = jails
	return st
}

type running struct {
	srv    *Server
	client *protocol.Client
	done   chan error
}

func start(t *testing.T, st config.Settings, opts Options) *running {
	t.Helper()
	r := &running{
		srv:    New(st, opts),
		client: protocol.NewClient(st.Socket),
		done:   make(chan error, 1),
	}
	require.NoError(t, r.srv.Start())
	go func() { r.done <- r.srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		r.srv.Quit()
		select {
		case <-r.done:
		case <-time.After(waitFor):
			t.Error("server did not shut down")
		}
	})
	return r
}

func (r *running) send(t *testing.T, cmd ...string) protocol.Reply {
	t.Helper()
	reply, err := r.client.Send(context.Background(), cmd)
	require.NoError(t, err)
	return reply
}

func TestServeCommands(t *testing.T) {
	dir := shortDir(t)
	st := testSettings(dir, sshdJail(dir))
	r := start(t, st, Options{})

	assert.True(t, r.client.Ping(context.Background()))
	assert.FileExists(t, st.PidFile)

	reply := r.send(t, "version")
	require.True(t, reply.OK())
	assert.Equal(t, config.Version, reply.Result)

	j, err := r.srv.Jails().Get("sshd")
	require.NoError(t, err)
	assert.True(t, j.IsAlive())

	reply = r.send(t, "set", "sshd", "banip", "192.0.2.1")
	require.True(t, reply.OK(), "%v", reply.Result)
	require.Eventually(t, func() bool { return j.IsBanned("192.0.2.1") }, waitFor, tick)

	reply = r.send(t, "banned", "192.0.2.1")
	require.True(t, reply.OK())
	assert.Equal(t, []any{[]any{"sshd"}}, reply.Result)

	reply = r.send(t, "status", "nope")
	assert.False(t, reply.OK())
	assert.Error(t, reply.Err())

	reply = r.send(t, "no-such-command")
	assert.False(t, reply.OK())
}

func TestStopCommandShutsDown(t *testing.T) {
	dir := shortDir(t)
	st := testSettings(dir, sshdJail(dir))
	r := start(t, st, Options{})

	reply := r.send(t, "stop")
	assert.True(t, reply.OK())

	select {
	case err := <-r.done:
		assert.NoError(t, err)
		r.done <- err
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
	}
	assert.NoFileExists(t, st.Socket)
	assert.NoFileExists(t, st.PidFile)
	assert.Zero(t, r.srv.Jails().Len())
	assert.Nil(t, r.srv.Database())
}

func TestSocketExists(t *testing.T) {
	dir := shortDir(t)
	st := testSettings(dir)
	require.NoError(t, os.WriteFile(st.Socket, nil, 0o600))

	err := New(st, Options{}).Start()
	assert.ErrorIs(t, err, ErrSocketExists)

	r := start(t, st, Options{Force: true})
	assert.True(t, r.client.Ping(context.Background()))
}

func TestPidFileDirectoryUnwritable(t *testing.T) {
	dir := shortDir(t)
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	st := testSettings(dir, sshdJail(dir))
	st.PidFile = filepath.Join(blocker, "f2b.pid")

	srv := New(st, Options{})
	require.Error(t, srv.Start())
	assert.NoFileExists(t, st.Socket)
	assert.Zero(t, srv.Jails().Len())
	assert.Nil(t, srv.Database())
}

func TestServerStream(t *testing.T) {
	dir := shortDir(t)
	r := start(t, testSettings(dir), Options{})
	ctx := context.Background()

	reply, err := r.client.SendStream(ctx, [][]string{{"echo", "x"}, {"ping"}})
	require.NoError(t, err)
	assert.True(t, reply.OK(), "%v", reply.Result)
	assert.Nil(t, reply.Result)

	// The first failure aborts the rest of the stream.
	reply, err = r.client.SendStream(ctx, [][]string{{"status", "nope"}, {"add", "late", "polling"}})
	require.NoError(t, err)
	assert.False(t, reply.OK())
	assert.False(t, r.srv.Jails().Exists("late"))

	reply = r.send(t, "server-stream", "ping")
	assert.False(t, reply.OK())
}

func TestMalformedRequest(t *testing.T) {
	dir := shortDir(t)
	r := start(t, testSettings(dir), Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  any
	}{
		{"integer", 42},
		{"map", map[string]string{"cmd": "ping"}},
		{"nested argument", []any{"set", []string{"sshd"}}},
		{"stream of strings", []any{"server-stream", "ping", "version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := r.client.Call(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, 1, reply.Code)
			assert.Contains(t, reply.Result, "invalid command")
		})
	}
	assert.True(t, r.client.Ping(ctx))
}

func TestReload(t *testing.T) {
	dir := shortDir(t)
	st := testSettings(dir, sshdJail(dir))
	r := start(t, st, Options{})
	var (
		mu   sync.Mutex
		next = st
	)
	setNext := func(st config.Settings) {
		mu.Lock()
		next = st
		mu.Unlock()
	}
	r.srv.load = func(string) (config.Settings, error) {
		mu.Lock()
		defer mu.Unlock()
		return next, nil
	}

	sshd, err := r.srv.Jails().Get("sshd")
	require.NoError(t, err)
	require.NoError(t, sshd.Filter().AddIgnoreIP("198.51.100.1"))
	_, err = sshd.Filter().AddBannedIP("192.0.2.9")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sshd.IsBanned("192.0.2.9") }, waitFor, tick)

	// In place: the jail keeps running and keeps its bans.
	changed := sshdJail(dir)
	changed.MaxRetry = 3
	web := sshdJail(dir)
	web.Name = "web"
	setNext(testSettings(dir, changed, web))
	reply := r.send(t, "reload")
	require.True(t, reply.OK(), "%v", reply.Result)

	same, err := r.srv.Jails().Get("sshd")
	require.NoError(t, err)
	assert.Same(t, sshd, same)
	assert.Equal(t, 3, sshd.Filter().MaxRetry())
	assert.Empty(t, sshd.Filter().IgnoreIPs())
	assert.Len(t, sshd.Filter().Engine().FailRegexes(), 1)
	assert.Len(t, sshd.Filter().GetLogPaths(), 1)
	assert.Equal(t, []string{"record"}, sshd.Actions().Names())
	assert.True(t, sshd.IsBanned("192.0.2.9"))
	assert.ElementsMatch(t, []string{"sshd", "web"}, r.srv.Jails().Names())

	// Restart with unban replaces the jail.
	require.NoError(t, r.srv.Reload("sshd", transmitter.ReloadOptions{Restart: true, Unban: true}))
	fresh, err := r.srv.Jails().Get("sshd")
	require.NoError(t, err)
	assert.NotSame(t, sshd, fresh)
	assert.False(t, fresh.IsBanned("192.0.2.9"))

	// Jails missing from the configuration are stopped.
	setNext(testSettings(dir, web))
	require.NoError(t, r.srv.Reload("", transmitter.ReloadOptions{}))
	assert.Equal(t, []string{"web"}, r.srv.Jails().Names())

	assert.Error(t, r.srv.Reload("sshd", transmitter.ReloadOptions{}))
	assert.NoError(t, r.srv.Reload("sshd", transmitter.ReloadOptions{IfExists: true}))
}

func TestSetDatabase(t *testing.T) {
	dir := shortDir(t)
	st := testSettings(dir, sshdJail(dir))
	r := start(t, st, Options{})

	require.NotNil(t, r.srv.Database())
	assert.Equal(t, st.DBFile, r.srv.Database().Filename())
	assert.ErrorIs(t, r.srv.SetDatabase(filepath.Join(dir, "other.sqlite3")), ErrJailsPresent)

	require.NoError(t, r.srv.StopAllJails())
	require.NoError(t, r.srv.SetDatabase("none"))
	assert.Nil(t, r.srv.Database())

	reply := r.send(t, "server-status")
	require.True(t, reply.OK())
	assert.Contains(t, reply.Result, []any{"Database", "none"})
}

func TestFailedJailIsDropped(t *testing.T) {
	dir := shortDir(t)
	bad := sshdJail(dir)
	bad.Name = "bad"
	bad.FailRegex = []string{`^no host group here$`}
	st := testSettings(dir, sshdJail(dir), bad)
	r := start(t, st, Options{})

	assert.Equal(t, []string{"sshd"}, r.srv.Jails().Names())
}
