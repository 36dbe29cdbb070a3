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

package ipaddr

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var log = logging.GetLogger("fail2ban.ipdns")

// useDns modes.
const (
	UseDNSYes  = "yes"
	UseDNSWarn = "warn"
	UseDNSNo   = "no"
	UseDNSRaw  = "raw"
)

// Reports whether mode is a known useDns value.
func ValidUseDNS(mode string) bool {
	switch mode {
	case UseDNSYes, UseDNSWarn, UseDNSNo, UseDNSRaw:
		return true
	}
	return false
}

// =========================================================================
//  Resolver
// =========================================================================

// Resolves names to addresses and back, caching answers (empty ones too)
// in count- and TTL-bounded LRUs.
type Resolver struct {
	addrs *expirable.LRU[string, []IPAddr]
	names *expirable.LRU[string, string]
	group singleflight.Group

	Timeout    time.Duration
	LookupHost func(ctx context.Context, host string) ([]string, error)
	LookupAddr func(ctx context.Context, addr string) ([]string, error)
	Hostname   func() (string, error)
	Interfaces func() ([]net.Addr, error)
}

// Creates a resolver with the given cache bounds.
func NewResolver(size int, ttl time.Duration) *Resolver {
	return &Resolver{
		addrs:      expirable.NewLRU[string, []IPAddr](size, nil, ttl),
		names:      expirable.NewLRU[string, string](size, nil, ttl),
		Timeout:    5 * time.Second,
		LookupHost: net.DefaultResolver.LookupHost,
		LookupAddr: net.DefaultResolver.LookupAddr,
		Hostname:   os.Hostname,
		Interfaces: net.InterfaceAddrs,
	}
}

// Process-wide resolver: 1000 entries, 5 minutes TTL.
var Default = NewResolver(1000, 5*time.Minute)

// Returns all addresses of a host name; failures yield an empty list.
func (r *Resolver) DNSToIP(name string) []IPAddr {
	if ips, ok := r.addrs.Get(name); ok {
		return ips
	}
	v, _, _ := r.group.Do("h:"+name, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()
		hosts, err := r.LookupHost(ctx, name)
		if err != nil {
			log.Warningf("Unable to find a corresponding IP address for %s: %v", name, err)
		}
		ips := make([]IPAddr, 0, len(hosts))
		seen := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			ip, perr := Parse(h)
			if perr != nil || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			ips = append(ips, ip)
		}
		r.addrs.Add(name, ips)
		return ips, nil
	})
	return v.([]IPAddr)
}

// Returns the first reverse name of ip, or "" when there is none.
func (r *Resolver) IPToName(ip IPAddr) string {
	if !ip.IsValid() {
		return ""
	}
	key := ip.String()
	if name, ok := r.names.Get(key); ok {
		return name
	}
	v, _, _ := r.group.Do("a:"+key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()
		names, err := r.LookupAddr(ctx, key)
		name := ""
		if err == nil && len(names) > 0 {
			name = strings.TrimSuffix(names[0], ".")
		} else if err != nil {
			log.Debugf("Unable to find a name for the IP %s: %v", key, err)
		}
		r.names.Add(key, name)
		return name, nil
	})
	return v.(string)
}

// Converts a captured host text into addresses according to useDns.
// Literal addresses always pass; "raw" keeps unparseable text as an opaque id.
func (r *Resolver) TextToIP(text, useDNS string) []IPAddr {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if ip, err := Parse(text); err == nil {
		return []IPAddr{ip}
	}
	switch useDNS {
	case UseDNSYes, UseDNSWarn:
		ips := r.DNSToIP(text)
		if len(ips) > 0 && useDNS == UseDNSWarn {
			log.Warningf("Determined IP using DNS Lookup: %s = %v", text, ips)
		}
		return ips
	case UseDNSRaw:
		return []IPAddr{Raw(text)}
	}
	return nil
}

// Returns the addresses of this host: interface addresses plus those of its name.
func (r *Resolver) SelfIPs() []IPAddr {
	const key = "\x00self"
	if ips, ok := r.addrs.Get(key); ok {
		return ips
	}
	var ips []IPAddr
	if addrs, err := r.Interfaces(); err == nil {
		for _, a := range addrs {
			text := a.String()
			if ipnet, ok := a.(*net.IPNet); ok {
				text = ipnet.IP.String()
			}
			if ip, perr := Parse(text); perr == nil {
				ips = append(ips, ip)
			}
		}
	}
	if name, err := r.Hostname(); err == nil && name != "" {
		ips = append(ips, r.DNSToIP(name)...)
	}
	r.addrs.Add(key, ips)
	return ips
}

// Reports whether ip is one of this host's addresses.
func (r *Resolver) IsSelf(ip IPAddr) bool {
	for _, s := range r.SelfIPs() {
		if s.Equal(ip) {
			return true
		}
	}
	return false
}

// Drops every cached answer.
func (r *Resolver) Purge() {
	r.addrs.Purge()
	r.names.Purge()
}
