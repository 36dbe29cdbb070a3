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

package filter

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kballard/go-shellquote"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

const (
	ignoreCacheSize    = 1000
	ignoreCacheTTL     = 5 * time.Minute
	ignoreCommandLimit = 30 * time.Second
)

type ignoreEntry struct {
	text string
	ip   ipaddr.IPAddr // invalid for host names
}

// Addresses, networks and host names exempt from banning, plus the
// ignoreself rule and an optional external ignore command.
type ignoreList struct {
	f *Filter

	mu      sync.RWMutex
	entries []ignoreEntry
	self    bool
	command string
	cache   *expirable.LRU[string, bool]
}

func newIgnoreList(f *Filter) *ignoreList {
	return &ignoreList{
		f:     f,
		self:  true,
		cache: expirable.NewLRU[string, bool](ignoreCacheSize, nil, ignoreCacheTTL),
	}
}

// Adds an address, a network (CIDR or dotted mask) or a host name.
func (f *Filter) AddIgnoreIP(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty ignoreip")
	}
	e := ignoreEntry{text: text}
	if ip, err := ipaddr.Parse(text); err == nil {
		e.ip = ip
	} else if strings.Contains(text, "/") {
		return err
	}
	l := f.ignore
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.entries {
		if o.text == e.text {
			return nil
		}
	}
	l.entries = append(l.entries, e)
	log.Debugf("[%s] Add %s to ignore list", f.jail.Name(), text)
	return nil
}

func (f *Filter) DelIgnoreIP(text string) error {
	text = strings.TrimSpace(text)
	l := f.ignore
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.entries, func(e ignoreEntry) bool { return e.text == text })
	if i < 0 {
		return fmt.Errorf("%s is not in the ignore list", text)
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	log.Debugf("[%s] Remove %s from ignore list", f.jail.Name(), text)
	return nil
}

func (f *Filter) IgnoreIPs() []string {
	l := f.ignore
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.text
	}
	return out
}

func (f *Filter) SetIgnoreSelf(v bool) {
	f.ignore.mu.Lock()
	f.ignore.self = v
	f.ignore.mu.Unlock()
}

func (f *Filter) IgnoreSelf() bool {
	f.ignore.mu.RLock()
	defer f.ignore.mu.RUnlock()
	return f.ignore.self
}

// Sets the command run for addresses not otherwise ignored. "<ip>" is
// replaced by the address; exit status 0 means ignore.
func (f *Filter) SetIgnoreCommand(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd != "" {
		if _, err := shellquote.Split(cmd); err != nil {
			return fmt.Errorf("invalid ignorecommand: %w", err)
		}
	}
	f.ignore.mu.Lock()
	f.ignore.command = cmd
	f.ignore.mu.Unlock()
	f.ignore.cache.Purge()
	return nil
}

func (f *Filter) IgnoreCommand() string {
	f.ignore.mu.RLock()
	defer f.ignore.mu.RUnlock()
	return f.ignore.command
}

// Reports whether ip is ignored. With logIgnore the reason is logged.
func (l *ignoreList) contains(ip ipaddr.IPAddr, t *ticket.Ticket, logIgnore bool) bool {
	source := l.match(ip, t)
	if source == "" {
		return false
	}
	if logIgnore {
		log.Infof("[%s] Ignore %s by %s", l.f.jail.Name(), ip, source)
	}
	return true
}

func (l *ignoreList) match(ip ipaddr.IPAddr, t *ticket.Ticket) string {
	l.mu.RLock()
	self, command := l.self, l.command
	entries := slices.Clone(l.entries)
	l.mu.RUnlock()
	resolver := l.f.Resolver()

	if self && ip.IsValid() && resolver.IsSelf(ip) {
		return "ignoreself rule"
	}
	for _, e := range entries {
		if e.ip.IsValid() {
			if e.ip.Contains(ip) {
				return "ip"
			}
			continue
		}
		if e.text == ip.String() {
			return "ip"
		}
		if ip.IsValid() && slices.ContainsFunc(resolver.DNSToIP(e.text), ip.Equal) {
			return "ip"
		}
	}
	if command != "" && l.runCommand(command, ip, t) {
		return "command"
	}
	return ""
}

func (l *ignoreList) runCommand(command string, ip ipaddr.IPAddr, t *ticket.Ticket) bool {
	key := ip.String()
	if v, ok := l.cache.Get(key); ok {
		return v
	}
	cmd := strings.NewReplacer(
		"<ip>", shellquote.Join(ip.String()),
		"<family>", ip.Family(),
		"<F-USER>", shellquote.Join(t.GetData("user")),
	).Replace(command)
	res, err := actions.ExecuteCmd(context.Background(), cmd, ignoreCommandLimit, 1)
	if err != nil {
		log.Errorf("[%s] Unable to run ignorecommand for %s: %v", l.f.jail.Name(), ip, err)
		return false
	}
	ignored := res.ExitCode == 0
	l.cache.Add(key, ignored)
	return ignored
}

// Reports whether id is ignored by any rule without logging.
func (f *Filter) InIgnoreList(id string) bool {
	ip, err := ipaddr.Parse(id)
	if err != nil {
		ip = ipaddr.Raw(id)
	}
	return f.ignore.contains(ip, ticket.NewFailTicket(ip, time.Time{}, nil), false)
}
