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

package banmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

// =========================================================================
//  Ban Manager
// =========================================================================

// Owns the active bans of one jail.
type BanManager struct {
	mu            sync.Mutex
	banList       map[string]*ticket.Ticket
	banTime       time.Duration
	banTotal      int
	prolongTotal  int
	nextUnbanTime time.Time // zero: no timed ban pending
}

// Creates a ban manager with a default ban time of 10 minutes.
func New() *BanManager {
	return &BanManager{
		banList: make(map[string]*ticket.Ticket),
		banTime: 600 * time.Second,
	}
}

// Sets the default ban time of the jail; negative means permanent.
func (m *BanManager) SetBanTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banTime = d
	m.recomputeNextLocked()
}

func (m *BanManager) BanTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banTime
}

// Total number of bans ever added.
func (m *BanManager) BanTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banTotal
}

// Number of prolongations applied.
func (m *BanManager) ProlongTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prolongTotal
}

// Number of active bans.
func (m *BanManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.banList)
}

// Reports whether id is banned.
func (m *BanManager) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.banList[id]
	return ok
}

// Returns a copy of the active ticket for id, or nil.
func (m *BanManager) Get(id string) *ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.banList[id]; ok {
		return t.Clone()
	}
	return nil
}

// Returns the ids of active bans sorted by ban start.
func (m *BanManager) BanList() []string {
	tickets := m.Tickets()
	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	return ids
}

// Returns copies of the active tickets sorted by ban start.
func (m *BanManager) Tickets() []*ticket.Ticket {
	m.mu.Lock()
	out := make([]*ticket.Ticket, 0, len(m.banList))
	for _, t := range m.banList {
		out = append(out, t.Clone())
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Adds a ban. For an id that is already banned, a later end of ban prolongs the
// existing ticket in place (its start is kept). The returned ticket is a copy of
// the stored one.
// Returns true only for new bans.
func (m *BanManager) AddBanTicket(t *ticket.Ticket) (bool, *ticket.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.banList[t.ID]; ok {
		if m.isLaterLocked(t, old) {
			bt := t.GetBanTime(m.banTime)
			if bt >= 0 {
				if diff := t.Time.Sub(old.Time); diff > 0 {
					bt += diff
				}
			}
			old.BanTime = bt
			if t.BanCount > old.BanCount {
				old.BanCount = t.BanCount
			}
			old.ProlongCount++
			m.prolongTotal++
			m.recomputeNextLocked()
		}
		return false, old.Clone()
	}

	if !t.Restored {
		t.BanCount++
	}
	m.banList[t.ID] = t
	m.banTotal++
	if eob, ok := t.EndOfBan(m.banTime); ok && (m.nextUnbanTime.IsZero() || eob.Before(m.nextUnbanTime)) {
		m.nextUnbanTime = eob
	}
	return true, t.Clone()
}

// Reports whether new ends later than old.
func (m *BanManager) isLaterLocked(t, old *ticket.Ticket) bool {
	oldEnd, oldTimed := old.EndOfBan(m.banTime)
	if !oldTimed {
		return false
	}
	newEnd, newTimed := t.EndOfBan(m.banTime)
	return !newTimed || newEnd.After(oldEnd)
}

// Changes the ban time of an active ticket; used when a delayed increment is applied.
func (m *BanManager) Prolong(id string, banTime time.Duration) (*ticket.Ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.banList[id]
	if !ok {
		return nil, false
	}
	t.BanTime = banTime
	t.ProlongCount++
	m.prolongTotal++
	m.recomputeNextLocked()
	return t.Clone(), true
}

// Removes and returns every ban whose end of ban is at or before now.
func (m *BanManager) UnBanList(now time.Time) []*ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.banTime < 0 {
		return nil
	}
	if m.nextUnbanTime.IsZero() || now.Before(m.nextUnbanTime) {
		return nil
	}

	var unban []*ticket.Ticket
	for id, t := range m.banList {
		if t.IsTimedOut(now, m.banTime) {
			unban = append(unban, t)
			delete(m.banList, id)
		}
	}
	m.recomputeNextLocked()
	sort.SliceStable(unban, func(i, j int) bool { return unban[i].Time.Before(unban[j].Time) })
	return unban
}

func (m *BanManager) recomputeNextLocked() {
	m.nextUnbanTime = time.Time{}
	for _, t := range m.banList {
		if eob, ok := t.EndOfBan(m.banTime); ok && (m.nextUnbanTime.IsZero() || eob.Before(m.nextUnbanTime)) {
			m.nextUnbanTime = eob
		}
	}
}

// Returns every ban and empties the list.
func (m *BanManager) FlushBanList() []*ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ticket.Ticket, 0, len(m.banList))
	for _, t := range m.banList {
		out = append(out, t)
	}
	m.banList = make(map[string]*ticket.Ticket)
	m.nextUnbanTime = time.Time{}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Removes and returns the ticket for id, or nil.
func (m *BanManager) GetTicketByID(id string) *ticket.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.banList[id]
	if !ok {
		return nil
	}
	delete(m.banList, id)
	m.recomputeNextLocked()
	return t
}

// Returns the earliest pending end of ban, or zero when none.
func (m *BanManager) NextUnbanTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextUnbanTime
}
