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

package ticket

import (
	"fmt"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
)

// Ban time of a permanent ban.
const Permanent time.Duration = -1

// =========================================================================
//  Ticket
// =========================================================================

// Failure or ban record for one id. Fail tickets use Retry/LastReset/FirstTime
// for window accounting; ban tickets use Time as ban start and BanTime/BanCount.
//
// A ticket belongs to one owner at a time (fail manager, jail queue, ban manager);
// owners hand out clones when data crosses goroutines.
type Ticket struct {
	ID        string
	IP        ipaddr.IPAddr
	FirstTime time.Time
	Time      time.Time
	LastReset time.Time
	Attempts  int
	Retry     int
	BanTime   time.Duration // 0 means "use the jail default"
	BanCount  int
	Matches   []string
	Data      map[string]string

	Restored bool
	Banned   bool
	// BanTimeIncremented is set once the recidivism increment has been applied.
	BanTimeIncremented bool
	ProlongCount       int
}

// Creates a fail ticket for ip at t with the given matched lines.
func NewFailTicket(ip ipaddr.IPAddr, t time.Time, matches []string) *Ticket {
	return &Ticket{
		ID:        ip.String(),
		IP:        ip,
		FirstTime: t,
		Time:      t,
		LastReset: t,
		Matches:   append([]string(nil), matches...),
	}
}

// Wraps a (promoted) fail ticket as a ban ticket starting at the ticket time.
func NewBanTicket(ft *Ticket) *Ticket {
	bt := ft.Clone()
	bt.Banned = false
	return bt
}

// Returns a deep copy.
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Matches = append([]string(nil), t.Matches...)
	if t.Data != nil {
		c.Data = make(map[string]string, len(t.Data))
		for k, v := range t.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Returns the ticket ban time, falling back to def when unset.
func (t *Ticket) GetBanTime(def time.Duration) time.Duration {
	if t.BanTime == 0 {
		return def
	}
	return t.BanTime
}

// Returns the end of ban, and false for permanent bans.
func (t *Ticket) EndOfBan(def time.Duration) (time.Time, bool) {
	bt := t.GetBanTime(def)
	if bt < 0 {
		return time.Time{}, false
	}
	return t.Time.Add(bt), true
}

// Reports whether the ban is over at now.
func (t *Ticket) IsTimedOut(now time.Time, def time.Duration) bool {
	eob, ok := t.EndOfBan(def)
	return ok && !now.Before(eob)
}

// Appends matched lines keeping at most max of the newest; max <= 0 means unbounded.
func (t *Ticket) AddMatches(lines []string, max int) {
	t.Matches = append(t.Matches, lines...)
	if max > 0 && len(t.Matches) > max {
		t.Matches = append([]string(nil), t.Matches[len(t.Matches)-max:]...)
	}
}

// Sets a data field, allocating the map on demand.
func (t *Ticket) SetData(key, value string) {
	if t.Data == nil {
		t.Data = make(map[string]string)
	}
	t.Data[key] = value
}

// Returns a data field.
func (t *Ticket) GetData(key string) string {
	if t.Data == nil {
		return ""
	}
	return t.Data[key]
}

func (t *Ticket) String() string {
	return fmt.Sprintf("Ticket: ip=%s time=%d bantime=%s bancount=%d #attempts=%d matches=%v",
		t.ID, t.Time.Unix(), t.BanTime, t.BanCount, t.Attempts, t.Matches)
}
