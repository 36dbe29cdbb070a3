package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/filter"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
)

func TestRecord(t *testing.T) {
	m := New(nil)
	events := []jail.Event{
		{Kind: jail.EventFailure, Jail: "sshd"},
		{Kind: jail.EventFailure, Jail: "sshd"},
		{Kind: jail.EventBan, Jail: "sshd", BanTime: 600},
		{Kind: jail.EventBan, Jail: "sshd", BanTime: 600, Restored: true},
		{Kind: jail.EventBan, Jail: "sshd", BanTime: -1},
		{Kind: jail.EventProlong, Jail: "sshd"},
		{Kind: jail.EventUnban, Jail: "sshd"},
	}
	for _, ev := range events {
		m.Record(ev)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.failures.WithLabelValues("sshd")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.bans.WithLabelValues("sshd", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bans.WithLabelValues("sshd", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unbans.WithLabelValues("sshd")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prolongs.WithLabelValues("sshd")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.banTime, "fail2ban_ban_time_seconds"))

	m.Forget("sshd")
	assert.Equal(t, 0, testutil.CollectAndCount(m.failures))
}

func TestJailGauges(t *testing.T) {
	r := jail.NewJails()
	for _, name := range []string{"sshd", "nginx"} {
		j, err := jail.New(name, filter.BackendPolling, nil, nil)
		require.NoError(t, err)
		require.NoError(t, r.Add(j))
	}
	m := New(r)
	c := &jailCollector{jails: r}
	assert.Equal(t, 8, testutil.CollectAndCount(c))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `fail2ban_jail_up{jail="nginx"} 0`))
	assert.True(t, strings.Contains(string(body), `fail2ban_jail_banned{jail="sshd"} 0`))
}
