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

// Package lookup enriches action info with the country and whois record
// of an address.
package lookup

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/likexian/whois"
	"github.com/oschwald/maxminddb-golang"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var log = logging.GetLogger("fail2ban.lookup")

// =========================================================================
//  Types and Constants
// =========================================================================

const (
	cacheSize     = 1000
	cacheExpiry   = 24 * time.Hour
	defaultTimout = 10 * time.Second
)

var ErrTimeout = errors.New("whois lookup timed out")

// Country and whois resolver with a shared 24h cache.
type Lookup struct {
	mu  sync.RWMutex
	geo *maxminddb.Reader

	// replaced in tests
	whoisFn func(ip string) (string, error)
	timeout time.Duration

	whoisCache   *expirable.LRU[string, string]
	countryCache *expirable.LRU[string, string]
}

func New() *Lookup {
	return &Lookup{
		whoisFn:      func(ip string) (string, error) { return whois.Whois(ip) },
		timeout:      defaultTimout,
		whoisCache:   expirable.NewLRU[string, string](cacheSize, nil, cacheExpiry),
		countryCache: expirable.NewLRU[string, string](cacheSize, nil, cacheExpiry),
	}
}

// Opens a MaxMind country database used before falling back to whois.
func (l *Lookup) OpenGeoIP(path string) error {
	db, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open GeoIP database at %s: %w", path, err)
	}
	l.mu.Lock()
	old := l.geo
	l.geo = db
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}
	l.countryCache.Purge()
	log.Infof("Using GeoIP database %s (%s)", path, db.Metadata.DatabaseType)
	return nil
}

func (l *Lookup) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.geo == nil {
		return nil
	}
	err := l.geo.Close()
	l.geo = nil
	return err
}

// Makes "country" and "whois" available as action info keys.
func (l *Lookup) Register() {
	actions.RegisterEnricher("country", l.Country)
	actions.RegisterEnricher("whois", l.Whois)
}

// =========================================================================
//  Country
// =========================================================================

// Returns the ISO country code of ip, "" when unknown.
func (l *Lookup) Country(ip ipaddr.IPAddr) string {
	if !ip.IsValid() {
		return ""
	}
	key := ip.String()
	if c, ok := l.countryCache.Get(key); ok {
		return c
	}
	c, err := l.geoCountry(ip)
	if err != nil {
		log.Debugf("GeoIP lookup of %s failed: %v", key, err)
	}
	if c == "" {
		c = ExtractCountry(l.Whois(ip))
	}
	l.countryCache.Add(key, c)
	return c
}

func (l *Lookup) geoCountry(ip ipaddr.IPAddr) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.geo == nil {
		return "", nil
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := l.geo.Lookup(net.IP(ip.Addr().AsSlice()), &record); err != nil {
		return "", fmt.Errorf("GeoIP lookup error: %w", err)
	}
	return record.Country.ISOCode, nil
}

// =========================================================================
//  Whois
// =========================================================================

// Returns the whois record of ip, "" on failure.
func (l *Lookup) Whois(ip ipaddr.IPAddr) string {
	if !ip.IsValid() {
		return ""
	}
	key := ip.String()
	if data, ok := l.whoisCache.Get(key); ok {
		return data
	}
	data, err := l.lookupWhois(key)
	if err != nil {
		log.Warningf("Whois lookup of %s failed: %v", key, err)
		return ""
	}
	l.whoisCache.Add(key, data)
	return data
}

func (l *Lookup) lookupWhois(ip string) (string, error) {
	type result struct {
		data string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := l.whoisFn(ip)
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("whois lookup failed: %w", r.err)
		}
		return r.data, nil
	case <-time.After(l.timeout):
		return "", ErrTimeout
	}
}

// Returns the two letter country code of a whois record, "" when absent.
func ExtractCountry(whoisData string) string {
	for _, line := range strings.Split(whoisData, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "country:") && !strings.HasPrefix(lower, "country code:") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if country := strings.TrimSpace(parts[1]); len(country) == 2 {
			return strings.ToUpper(country)
		}
	}
	return ""
}
