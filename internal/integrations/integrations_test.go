package integrations

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

func testInfo(t *testing.T, ip string) *actions.Info {
	t.Helper()
	addr, err := ipaddr.Parse(ip)
	require.NoError(t, err)
	tk := ticket.NewFailTicket(addr, time.Unix(1000, 0), []string{"Failed password for root from " + ip})
	tk.Attempts = 3
	tk.SetData("user", "root; rm -rf /")
	return actions.NewInfo(tk, "sshd", 600*time.Second, nil)
}

func TestKindsRegistered(t *testing.T) {
	for _, kind := range []string{"command", "webhook", "opnsense", "pfsense", "dummy"} {
		assert.True(t, actions.IsKind(kind), kind)
	}
	_, err := actions.New("nope", "sshd", "x", nil)
	assert.ErrorIs(t, err, actions.ErrUnknownKind)
}

// =========================================================================
//  Command
// =========================================================================

func TestCommandRender(t *testing.T) {
	c, err := NewCommand("sshd", "iptables", map[string]string{
		"port":     "ssh",
		"chain":    "INPUT",
		"rule":     "-p tcp --dport <port> -j f2b-<name>",
		PropBan:    "iptables -I <chain> -s <ip> <rule>",
		"selfloop": "<selfloop>",
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		tmpl    string
		want    string
		wantErr error
	}{
		{"properties and info", "iptables -I <chain> -s <ip> <rule>", "iptables -I INPUT -s 192.0.2.7 -p tcp --dport ssh -j f2b-sshd", nil},
		{"info values are quoted", "logger <F-USER>", `logger 'root; rm -rf /'`, nil},
		{"unknown tags stay", "echo <nothing>", "echo <nothing>", nil},
		{"action tags are not expanded", "echo <actionban>", "echo <actionban>", nil},
		{"recursion", "echo <selfloop>", "", ErrRecursiveTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Render(tt.tmpl, testInfo(t, "192.0.2.7"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandRuns(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	c, err := NewCommand("sshd", "file", map[string]string{
		"out":       out,
		PropStart:   "echo start >> <out>",
		PropBan:     "echo ban <ip> <failures> <bantime> >> <out>",
		PropUnban:   "echo unban <ip> >> <out>",
		PropCheck:   "test -f <out>",
		PropStop:    "echo stop >> <out>",
		"norestored": "1",
	})
	require.NoError(t, err)

	ctx := context.Background()
	assert.False(t, c.Check(ctx))
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Check(ctx))
	require.NoError(t, c.Ban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, c.Unban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, c.Prolong(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, c.Stop(ctx))
	assert.False(t, c.CanFlush())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "start\nban 192.0.2.7 3 600\nunban 192.0.2.7\nstop\n", string(data))

	v, err := c.Property("norestored")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestCommandFailureAndTimeout(t *testing.T) {
	c, err := NewCommand("sshd", "bad", map[string]string{
		PropBan:     "exit 2",
		PropUnban:   "sleep 10",
		PropTimeout: "1",
		PropFlush:   "true",
	})
	require.NoError(t, err)

	assert.Error(t, c.Ban(context.Background(), testInfo(t, "192.0.2.7")))

	start := time.Now()
	assert.ErrorIs(t, c.Unban(context.Background(), testInfo(t, "192.0.2.7")), actions.ErrTimeout)
	assert.Less(t, time.Since(start), 8*time.Second)

	assert.True(t, c.CanFlush())
	assert.NoError(t, c.Flush(context.Background()))

	_, err = NewCommand("sshd", "bad", map[string]string{PropTimeout: "soon"})
	assert.Error(t, err)
}

// =========================================================================
//  Dummy
// =========================================================================

func TestDummy(t *testing.T) {
	a, err := actions.New("dummy", "sshd", "dry", map[string]string{"norestored": "yes"})
	require.NoError(t, err)
	d := a.(*Dummy)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Ban(ctx, testInfo(t, "192.0.2.7")))
	assert.True(t, d.Banned("192.0.2.7"))
	require.NoError(t, d.Unban(ctx, testInfo(t, "192.0.2.7")))
	assert.False(t, d.Banned("192.0.2.7"))

	bans := d.CallsOf("ban")
	require.Len(t, bans, 1)
	assert.Equal(t, "3", bans[0].Info["failures"])
	assert.Len(t, d.Calls(), 3)

	v, err := d.Property("norestored")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}

// =========================================================================
//  Firewall appliances
// =========================================================================

func TestOPNsense(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.Write([]byte(`{"status":"done"}`))
	}))
	defer srv.Close()

	a, err := actions.New("opnsense", "sshd", "fw", map[string]string{
		"baseurl": srv.URL + "/", "apikey": "key", "apisecret": "secret", "alias": "f2b",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Ban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, a.Unban(ctx, testInfo(t, "192.0.2.7")))
	assert.Equal(t, []string{"/api/firewall/alias_util/add/f2b", "/api/firewall/alias_util/delete/f2b"}, paths)
	assert.JSONEq(t, `{"address":"192.0.2.7"}`, bodies[0])

	bad, err := actions.New("opnsense", "sshd", "fw", map[string]string{
		"baseurl": srv.URL, "apikey": "key", "apisecret": "wrong", "alias": "f2b",
	})
	require.NoError(t, err)
	assert.Error(t, bad.Ban(ctx, testInfo(t, "192.0.2.7")))
}

func TestOPNsenseValidation(t *testing.T) {
	tests := []struct {
		name string
		opts map[string]string
		want string
	}{
		{"missing url", map[string]string{"apikey": "k", "apisecret": "s", "alias": "a"}, "baseurl"},
		{"missing secret", map[string]string{"baseurl": "https://fw", "apikey": "k", "alias": "a"}, "apisecret"},
		{"missing alias", map[string]string{"baseurl": "https://fw", "apikey": "k", "apisecret": "s"}, "alias"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := actions.New("opnsense", "sshd", "fw", tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPfSense(t *testing.T) {
	var mu sync.Mutex
	alias := firewallAlias{ID: 7, Name: "f2b", Type: "host", Address: []string{"198.51.100.1"}, Detail: []string{"old"}}
	applied := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v2/firewall/alias":
			assert.Equal(t, "f2b", r.URL.Query().Get("name"))
			json.NewEncoder(w).Encode(firewallAliasResponse{Data: alias})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v2/firewall/alias/7":
			var patch firewallAlias
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			alias.Address, alias.Detail = patch.Address, patch.Detail
			w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/v2/firewall/apply":
			applied++
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := actions.New("pfsense", "sshd", "fw", map[string]string{
		"baseurl": srv.URL, "apitoken": "token", "alias": "f2b",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Ban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, a.Ban(ctx, testInfo(t, "192.0.2.7")))
	mu.Lock()
	assert.Equal(t, []string{"198.51.100.1", "192.0.2.7"}, alias.Address)
	assert.Equal(t, "Fail2ban NG block (sshd)", alias.Detail[1])
	assert.Equal(t, 1, applied)
	mu.Unlock()

	require.NoError(t, a.Unban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, a.Unban(ctx, testInfo(t, "192.0.2.7")))
	mu.Lock()
	assert.Equal(t, []string{"198.51.100.1"}, alias.Address)
	assert.Equal(t, []string{"old"}, alias.Detail)
	assert.Equal(t, 2, applied)
	mu.Unlock()
}

// =========================================================================
//  Webhook
// =========================================================================

func TestWebhookOAuth2(t *testing.T) {
	var mu sync.Mutex
	var events []WebhookEvent
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev WebhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := actions.New("webhook", "sshd", "hook", map[string]string{
		"url":          srv.URL + "/hook",
		"tokenurl":     srv.URL + "/token",
		"clientid":     "f2b",
		"clientsecret": "s3cret",
		"fields":       "ip failures F-USER",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Ban(ctx, testInfo(t, "192.0.2.7")))
	require.NoError(t, a.Unban(ctx, testInfo(t, "192.0.2.7")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, "ban", events[0].Event)
	assert.Equal(t, "sshd", events[0].Jail)
	assert.Equal(t, "192.0.2.7", events[0].IP)
	assert.Equal(t, map[string]string{"ip": "192.0.2.7", "failures": "3", "F-USER": "root; rm -rf /"}, events[0].Info)
	assert.Equal(t, "unban", events[1].Event)
}

func TestWebhookStaticToken(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Method + " " + r.Header.Get("Authorization")
	}))
	defer srv.Close()

	a, err := actions.New("webhook", "sshd", "hook", map[string]string{
		"url": srv.URL, "token": "t0k", "method": "put",
	})
	require.NoError(t, err)
	require.NoError(t, a.Ban(context.Background(), testInfo(t, "192.0.2.7")))
	assert.Equal(t, "PUT Bearer t0k", <-got)
}

func TestWebhookValidation(t *testing.T) {
	_, err := actions.New("webhook", "sshd", "hook", map[string]string{"url": "not a url"})
	assert.Error(t, err)
	_, err = actions.New("webhook", "sshd", "hook", map[string]string{"url": "https://x", "method": "DELETE"})
	assert.Error(t, err)
	_, err = actions.New("webhook", "sshd", "hook", map[string]string{"url": "https://x", "tokenurl": "https://x/token"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "clientid"), err.Error())
}
