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

package jail

import (
	"runtime/debug"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

type EventKind string

const (
	EventFailure EventKind = "failure"
	EventBan     EventKind = "ban"
	EventUnban   EventKind = "unban"
	EventProlong EventKind = "prolong"
)

// Something that happened in a jail, delivered to listeners.
type Event struct {
	Kind     EventKind `json:"kind"`
	Jail     string    `json:"jail"`
	IP       string    `json:"ip"`
	Time     time.Time `json:"time"`
	BanTime  int64     `json:"bantime,omitempty"`
	BanCount int       `json:"bancount,omitempty"`
	Failures int       `json:"failures,omitempty"`
	Restored bool      `json:"restored,omitempty"`
}

// Receives jail events on the worker goroutine; must not block.
type Listener func(Event)

func eventOf(kind EventKind, jail string, t *ticket.Ticket, base time.Duration) Event {
	return Event{
		Kind:     kind,
		Jail:     jail,
		IP:       t.ID,
		Time:     t.Time,
		BanTime:  bantime.Seconds(t.GetBanTime(base)),
		BanCount: t.BanCount,
		Failures: t.Attempts,
		Restored: t.Restored,
	}
}

// Registers a listener for the events of this jail.
func (j *Jail) AddListener(l Listener) {
	j.mu.Lock()
	j.listeners = append(j.listeners, l)
	j.mu.Unlock()
}

func (j *Jail) emit(ev Event) {
	j.mu.RLock()
	ls := j.listeners
	j.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[%s] Event listener failed: %v\n%s", j.name, r, debug.Stack())
				}
			}()
			l(ev)
		}()
	}
}
