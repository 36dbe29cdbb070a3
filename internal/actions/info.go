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

package actions

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

// Merged ban history lookups backing the ip*matches and ip*failures keys;
// satisfied by the storage database.
type MatchSource interface {
	GetBansMerged(ctx context.Context, id, jail string) (*ticket.Ticket, error)
}

// Computes an info value from an address.
type Enricher func(ip ipaddr.IPAddr) string

var (
	enrichMu  sync.RWMutex
	enrichers = make(map[string]Enricher)
)

// Registers an extra info key, such as "country", computed on first read.
func RegisterEnricher(key string, e Enricher) {
	enrichMu.Lock()
	enrichers[key] = e
	enrichMu.Unlock()
}

func enricher(key string) Enricher {
	enrichMu.RLock()
	defer enrichMu.RUnlock()
	return enrichers[key]
}

type infoFunc func(i *Info) string

// Values of the standard keys, computed on first read.
var infoKeys = map[string]infoFunc{
	"ip":       func(i *Info) string { return i.t.IP.String() },
	"fid":      func(i *Info) string { return i.t.ID },
	"family":   func(i *Info) string { return i.t.IP.Family() },
	"ip-rev":   func(i *Info) string { return i.t.IP.PTR("") },
	"ip-host":  func(i *Info) string { return ipaddr.Default.IPToName(i.t.IP) },
	"failures": func(i *Info) string { return strconv.Itoa(i.t.Attempts) },
	"time":     func(i *Info) string { return strconv.FormatInt(i.t.Time.Unix(), 10) },
	"bantime": func(i *Info) string {
		return strconv.FormatInt(bantime.Seconds(i.t.GetBanTime(i.banTime)), 10)
	},
	"bancount": func(i *Info) string { return strconv.Itoa(i.t.BanCount) },
	"matches":  func(i *Info) string { return strings.Join(i.t.Matches, "\n") },
	"restored": func(i *Info) string {
		if i.t.Restored {
			return "1"
		}
		return "0"
	},
	"raw-ticket":     func(i *Info) string { return i.t.String() },
	"jail":           func(i *Info) string { return i.jail },
	"name":           func(i *Info) string { return i.jail },
	"ipmatches":      func(i *Info) string { return i.merged(false, true) },
	"ipjailmatches":  func(i *Info) string { return i.merged(true, true) },
	"ipfailures":     func(i *Info) string { return i.merged(false, false) },
	"ipjailfailures": func(i *Info) string { return i.merged(true, false) },
}

// Lazily evaluated action info of one ticket. Values are memoized per
// call; Reset forgets them between actions.
type Info struct {
	t       *ticket.Ticket
	jail    string
	banTime time.Duration
	db      MatchSource

	mu    sync.Mutex
	cache map[string]string
}

// Creates the info of t for jail; banTime is the jail default.
func NewInfo(t *ticket.Ticket, jail string, banTime time.Duration, db MatchSource) *Info {
	return &Info{t: t, jail: jail, banTime: banTime, db: db, cache: make(map[string]string)}
}

func (i *Info) Ticket() *ticket.Ticket { return i.t }

// Returns the value of key and whether the key is known. Keys "F-<name>"
// read ticket data.
func (i *Info) Lookup(key string) (string, bool) {
	i.mu.Lock()
	if v, ok := i.cache[key]; ok {
		i.mu.Unlock()
		return v, true
	}
	i.mu.Unlock()

	var v string
	switch {
	case infoKeys[key] != nil:
		v = infoKeys[key](i)
	case strings.HasPrefix(key, "F-"):
		name := strings.ToLower(strings.TrimPrefix(key, "F-"))
		if i.t.Data == nil {
			return "", false
		}
		d, ok := i.t.Data[name]
		if !ok {
			return "", false
		}
		v = d
	default:
		e := enricher(key)
		if e == nil {
			return "", false
		}
		v = e(i.t.IP)
	}
	i.mu.Lock()
	i.cache[key] = v
	i.mu.Unlock()
	return v, true
}

// Returns the value of key, "" when unknown.
func (i *Info) Get(key string) string {
	v, _ := i.Lookup(key)
	return v
}

// Returns the available keys, sorted.
func (i *Info) Keys() []string {
	keys := make([]string, 0, len(infoKeys)+len(i.t.Data))
	for k := range infoKeys {
		keys = append(keys, k)
	}
	for k := range i.t.Data {
		keys = append(keys, "F-"+strings.ToUpper(k))
	}
	enrichMu.RLock()
	for k := range enrichers {
		keys = append(keys, k)
	}
	enrichMu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Forgets memoized values.
func (i *Info) Reset() {
	i.mu.Lock()
	i.cache = make(map[string]string)
	i.mu.Unlock()
}

func (i *Info) merged(perJail, matches bool) string {
	if i.db == nil {
		return ""
	}
	jail := ""
	if perJail {
		jail = i.jail
	}
	m, err := i.db.GetBansMerged(context.Background(), i.t.ID, jail)
	if err != nil {
		log.Errorf("[%s] Unable to read ban history of %s: %v", i.jail, i.t.ID, err)
		return ""
	}
	if m == nil {
		if matches {
			return ""
		}
		return "0"
	}
	if matches {
		return strings.Join(m.Matches, "\n")
	}
	return strconv.Itoa(m.Attempts)
}

// Returns every value, forcing evaluation; used for the webhook payload.
func (i *Info) Map(keys ...string) map[string]string {
	if len(keys) == 0 {
		keys = i.Keys()
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := i.Lookup(k); ok {
			out[k] = v
		}
	}
	return out
}
