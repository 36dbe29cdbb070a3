package lookup

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

func mustIP(t *testing.T, s string) ipaddr.IPAddr {
	t.Helper()
	ip, err := ipaddr.Parse(s)
	require.NoError(t, err)
	return ip
}

func TestExtractCountry(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"ripe", "inetnum: 192.0.2.0 - 192.0.2.255\ncountry:        ch\n", "CH"},
		{"code", "Country Code: de", "DE"},
		{"full name ignored", "country: Switzerland\ncountry: FR", "FR"},
		{"none", "netname: TEST-NET-1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCountry(tt.data))
		})
	}
}

func TestWhoisIsCached(t *testing.T) {
	l := New()
	var calls atomic.Int32
	l.whoisFn = func(ip string) (string, error) {
		calls.Add(1)
		return "country: CH\n", nil
	}
	ip := mustIP(t, "192.0.2.7")
	assert.Equal(t, "country: CH\n", l.Whois(ip))
	assert.Equal(t, "country: CH\n", l.Whois(ip))
	assert.Equal(t, int32(1), calls.Load())

	// no GeoIP database: the country comes from whois
	assert.Equal(t, "CH", l.Country(ip))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWhoisFailures(t *testing.T) {
	l := New()
	l.whoisFn = func(string) (string, error) { return "", errors.New("refused") }
	assert.Equal(t, "", l.Whois(mustIP(t, "192.0.2.8")))

	l.timeout = 20 * time.Millisecond
	l.whoisFn = func(string) (string, error) {
		time.Sleep(time.Second)
		return "late", nil
	}
	_, err := l.lookupWhois("192.0.2.9")
	assert.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, "", l.Country(ipaddr.Raw("user@example")))
}

func TestOpenGeoIPMissing(t *testing.T) {
	l := New()
	assert.Error(t, l.OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb")))
	assert.NoError(t, l.Close())
}

func TestRegisterEnrichers(t *testing.T) {
	l := New()
	l.whoisFn = func(string) (string, error) { return "Country Code: AT", nil }
	l.Register()

	tk := ticket.NewFailTicket(mustIP(t, "192.0.2.10"), time.Unix(1000, 0), nil)
	info := actions.NewInfo(tk, "sshd", time.Minute, nil)
	assert.Equal(t, "AT", info.Get("country"))
	assert.Equal(t, "Country Code: AT", info.Get("whois"))
}
