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

package failmanager

import (
	"sync"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.failmanager")

// =========================================================================
//  Fail Manager
// =========================================================================

// Sliding-window failure accounting per id.
type FailManager struct {
	mu         sync.Mutex
	fails      map[string]*ticket.Ticket
	maxRetry   int
	maxTime    time.Duration
	maxMatches int
	failTotal  int
}

// Creates a fail manager with maxretry 3, findtime 10m and 5 kept matches.
func New() *FailManager {
	return &FailManager{
		fails:      make(map[string]*ticket.Ticket),
		maxRetry:   3,
		maxTime:    600 * time.Second,
		maxMatches: 5,
	}
}

func (m *FailManager) SetMaxRetry(n int) {
	m.mu.Lock()
	m.maxRetry = n
	m.mu.Unlock()
}

func (m *FailManager) MaxRetry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRetry
}

// Sets the find-time window.
func (m *FailManager) SetMaxTime(d time.Duration) {
	m.mu.Lock()
	m.maxTime = d
	m.mu.Unlock()
}

func (m *FailManager) MaxTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTime
}

func (m *FailManager) SetMaxMatches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxMatches = n
	if n <= 0 {
		for _, f := range m.fails {
			f.Matches = nil
		}
	}
}

func (m *FailManager) MaxMatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxMatches
}

// Total number of failures ever recorded.
func (m *FailManager) FailTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failTotal
}

// Number of ids currently tracked.
func (m *FailManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fails)
}

// Records count failures of the ticket id and returns its retry count in the current window.
func (m *FailManager) AddFailure(t *ticket.Ticket, count int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []string
	if m.maxMatches > 0 {
		matches = t.Matches
	}
	f, ok := m.fails[t.ID]
	if ok {
		if t.Time.Sub(f.LastReset) >= m.maxTime {
			f.LastReset = t.Time
			f.FirstTime = t.Time
			f.Retry = 0
			f.Attempts = 0
			f.Matches = nil
		}
		f.Retry += count
		f.Attempts += count
		f.AddMatches(matches, m.maxMatches)
		if t.Time.After(f.Time) {
			f.Time = t.Time
		}
		for k, v := range t.Data {
			f.SetData(k, v)
		}
	} else {
		f = t.Clone()
		f.Matches = nil
		f.AddMatches(matches, m.maxMatches)
		f.Retry = count
		f.Attempts = count
		f.LastReset = t.Time
		if f.FirstTime.IsZero() || f.FirstTime.After(t.Time) {
			f.FirstTime = t.Time
		}
		m.fails[t.ID] = f
	}
	m.failTotal += count
	if log.Enabled(logging.DEBUG) {
		log.Debugf("Total # of detected failures: %d. Current failures from %d IPs (IP:count): %s:%d",
			m.failTotal, len(m.fails), t.ID, f.Retry)
	}
	return f.Retry
}

// Returns a copy of the tracked ticket for id, or nil.
func (m *FailManager) Get(id string) *ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.fails[id]; ok {
		return f.Clone()
	}
	return nil
}

// Forgets id.
func (m *FailManager) DelFailure(id string) {
	m.mu.Lock()
	delete(m.fails, id)
	m.mu.Unlock()
}

// Removes and returns a ticket that reached maxretry: the one for id, or any when id is empty.
// Returns nil when nothing is promotable.
func (m *FailManager) ToBan(id string) *ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != "" {
		if f, ok := m.fails[id]; ok && f.Retry >= m.maxRetry {
			delete(m.fails, id)
			return f
		}
		return nil
	}
	for fid, f := range m.fails {
		if f.Retry >= m.maxRetry {
			delete(m.fails, fid)
			return f
		}
	}
	return nil
}

// Drops tickets whose last failure left the find-time window.
func (m *FailManager) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for fid, f := range m.fails {
		if !f.Time.Add(m.maxTime).After(now) {
			expired = append(expired, fid)
		}
	}
	if len(expired) == 0 {
		return
	}
	if len(expired) > len(m.fails)/3 {
		keep := make(map[string]*ticket.Ticket, len(m.fails)-len(expired))
		for fid, f := range m.fails {
			if f.Time.Add(m.maxTime).After(now) {
				keep[fid] = f
			}
		}
		m.fails = keep
	} else {
		for _, fid := range expired {
			delete(m.fails, fid)
		}
	}
	log.Debugf("Cleanup: removed %d expired failure(s), %d left", len(expired), len(m.fails))
}
