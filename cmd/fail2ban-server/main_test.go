package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/server"
)

const sample = `
socket: /run/f2b/file.sock
loglevel: NOTICE
jails:
  - name: sshd
    logpath: [/var/log/auth.log]
    failregex: ['^Failed password for .* from <HOST>$']
`

func runApp(t *testing.T, args ...string) (config.Settings, server.Options, error) {
	t.Helper()
	var (
		gotSettings config.Settings
		gotOpts     server.Options
	)
	app := newApp(func(_ context.Context, st config.Settings, opts server.Options) error {
		gotSettings, gotOpts = st, opts
		return nil
	})
	err := app.Run(context.Background(), append([]string{"fail2ban-server"}, args...))
	return gotSettings, gotOpts, err
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail2ban.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	st, opts, err := runApp(t, "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "/run/f2b/file.sock", st.Socket)
	assert.Equal(t, "NOTICE", st.LogLevel)
	assert.Len(t, st.Jails, 1)
	assert.Equal(t, path, opts.ConfigPath)
	assert.False(t, opts.Force)
	assert.Equal(t, server.DefaultStopTimeout, opts.StopTimeout)

	st, opts, err = runApp(t, "-c", path, "-s", "/tmp/other.sock", "-l", "DEBUG",
		"--dbfile", "none", "--http", "127.0.0.1:9191", "-x", "--stop-timeout", "5s", "--debug")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sock", st.Socket)
	assert.Equal(t, "DEBUG", st.LogLevel)
	assert.Equal(t, "none", st.DBFile)
	assert.Equal(t, "127.0.0.1:9191", st.HTTP.Address)
	assert.True(t, st.Debug)
	assert.True(t, opts.Force)
	assert.Equal(t, 5*time.Second, opts.StopTimeout)
}

func TestConfigFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail2ban.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("F2B_CONFIG", path)

	st, opts, err := runApp(t)
	require.NoError(t, err)
	assert.Equal(t, path, opts.ConfigPath)
	assert.Equal(t, "/run/f2b/file.sock", st.Socket)
}

func TestInvalidFlags(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	_, _, err := runApp(t, "-c", missing, "-l", "LOUD")
	assert.Error(t, err)

	_, _, err = runApp(t, "-c", missing, "--http", "not an address")
	assert.Error(t, err)
}
