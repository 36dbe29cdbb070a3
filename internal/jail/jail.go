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

// Package jail ties a filter and an actions worker together through a
// bounded ticket queue and connects both to the observer and the database.
package jail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/failmanager"
	"github.com/swissmakers/fail2ban-ng/internal/filter"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/observer"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.jail")

// =========================================================================
//  Types and Constants
// =========================================================================

const (
	DefaultQueueSize   = 10000
	DefaultJoinTimeout = 30 * time.Second

	// Longest wait of a producer on a full queue before the ticket is dropped.
	queuePutTimeout = 5 * time.Second
	// Longest wait of the actions worker for a ban time increment.
	incrementTimeout = 3 * time.Second
)

var (
	ErrUnknownJail   = errors.New("unknown jail")
	ErrDuplicateJail = errors.New("jail already exists")
	ErrInvalidName   = errors.New("invalid jail name")
	ErrJoinTimeout   = errors.New("jail workers did not stop in time")
)

// Lifecycle state of a jail.
type State int32

const (
	Created State = iota
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// A named pipeline of one filter and one actions worker.
type Jail struct {
	name    string
	filter  *filter.Filter
	actions *actions.Actions
	db      *storage.DB
	obs     *observer.Observer

	state  atomic.Int32
	lifeMu sync.Mutex

	queue  chan *ticket.Ticket
	notify chan struct{}

	mu        sync.RWMutex
	increment bantime.Config
	listeners []Listener
}

// Creates a jail using the named filter backend. db and obs may be nil.
func New(name, backend string, db *storage.DB, obs *observer.Observer) (*Jail, error) {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	j := &Jail{
		name:      name,
		db:        db,
		obs:       obs,
		queue:     make(chan *ticket.Ticket, DefaultQueueSize),
		notify:    make(chan struct{}, 1),
		increment: bantime.Default(),
	}
	f, err := filter.New(j, backend)
	if err != nil {
		return nil, err
	}
	if db != nil {
		f.SetLogStore(db)
	}
	j.filter = f
	j.actions = actions.NewActions(j)
	log.Infof("Creating new jail '%s'", name)
	log.Infof("Jail '%s' uses %s", name, f.Backend())
	return j, nil
}

func (j *Jail) Name() string              { return j.name }
func (j *Jail) Filter() *filter.Filter    { return j.filter }
func (j *Jail) Actions() *actions.Actions { return j.actions }
func (j *Jail) Database() *storage.DB     { return j.db }
func (j *Jail) State() State              { return State(j.state.Load()) }
func (j *Jail) IsAlive() bool             { return j.State() == Started }

func (j *Jail) FailManager() *failmanager.FailManager {
	return j.filter.FailManager()
}

// =========================================================================
//  Ban time increment
// =========================================================================

func (j *Jail) BanTimeIncrement() bantime.Config {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.increment
}

func (j *Jail) SetBanTimeIncrement(cfg bantime.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	j.mu.Lock()
	j.increment = cfg
	j.mu.Unlock()
	return nil
}

// Changes the increment settings through f; the result is validated.
func (j *Jail) UpdateBanTimeIncrement(f func(cfg *bantime.Config)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cfg := j.increment
	cfg.Multipliers = append([]float64(nil), cfg.Multipliers...)
	f(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	j.increment = cfg
	return nil
}

// =========================================================================
//  Ticket queue
// =========================================================================

// Queues a ticket for the actions worker. On a full queue the producer
// waits a bounded time, then the ticket is dropped.
func (j *Jail) PutFailTicket(t *ticket.Ticket) {
	select {
	case j.queue <- t:
	default:
		timer := time.NewTimer(queuePutTimeout)
		defer timer.Stop()
		select {
		case j.queue <- t:
		case <-timer.C:
			log.Errorf("[%s] Ticket queue is full, dropping %s", j.name, t.ID)
			return
		}
	}
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// Returns the next queued ticket or nil.
func (j *Jail) GetFailTicket() *ticket.Ticket {
	select {
	case t := <-j.queue:
		return t
	default:
		return nil
	}
}

func (j *Jail) Notify() <-chan struct{} { return j.notify }

func (j *Jail) QueueLen() int { return len(j.queue) }

// =========================================================================
//  Worker callbacks
// =========================================================================

// Counts a failure and lets the observer check the ban history of its id.
func (j *Jail) FailureFound(t *ticket.Ticket) {
	j.emit(Event{Kind: EventFailure, Jail: j.name, IP: t.ID, Time: t.Time, Failures: t.Attempts})
	if j.obs != nil && j.BanTimeIncrement().Increment {
		j.obs.FailureFound(j, t)
	}
}

func (j *Jail) BanTimeOf(t *ticket.Ticket, base time.Duration) (time.Duration, int, bool) {
	if j.obs == nil || !j.BanTimeIncrement().Increment {
		return base, 0, false
	}
	inc, ok := j.obs.RequestBanTime(j, t, base, incrementTimeout)
	if !ok {
		return base, 0, false
	}
	return inc.BanTime, inc.BanCount, true
}

func (j *Jail) BanAdded(t *ticket.Ticket, base time.Duration) {
	j.emit(eventOf(EventBan, j.name, t, base))
	switch {
	case j.obs != nil:
		j.obs.BanFound(j, t, base)
	case j.db != nil && !t.Restored:
		bt := t
		if bt.BanTime == 0 {
			bt = t.Clone()
			bt.BanTime = base
		}
		if err := j.db.AddBan(context.Background(), j.name, bt); err != nil {
			log.Errorf("[%s] Unable to persist ban of %s: %v", j.name, t.ID, err)
		}
	}
}

func (j *Jail) BanRemoved(t *ticket.Ticket) {
	j.emit(eventOf(EventUnban, j.name, t, j.actions.BanTime()))
}

// Re-applies a raised ban time to an active ban.
func (j *Jail) ProlongBan(t *ticket.Ticket) {
	j.actions.ProlongBan(t)
	j.emit(eventOf(EventProlong, j.name, t, j.actions.BanTime()))
}

// The database as ban history source, nil without persistence.
func (j *Jail) Matches() actions.MatchSource {
	if j.db == nil {
		return nil
	}
	return j.db
}

// =========================================================================
//  Lifecycle
// =========================================================================

// Starts both workers and replays the active bans from the database.
// Starting a started jail does nothing.
func (j *Jail) Start() error {
	j.lifeMu.Lock()
	defer j.lifeMu.Unlock()
	if j.State() == Started {
		return nil
	}
	if j.db != nil {
		if err := j.db.AddJail(context.Background(), j.name); err != nil {
			log.Errorf("[%s] Unable to register jail in database: %v", j.name, err)
		}
	}
	if err := j.filter.Start(); err != nil {
		return fmt.Errorf("unable to start filter of jail %s: %w", j.name, err)
	}
	j.actions.Start()
	j.state.Store(int32(Started))
	j.restoreCurrentBans()
	log.Infof("Jail '%s' started", j.name)
	return nil
}

// Replays the bans still active in the database as restored tickets.
func (j *Jail) restoreCurrentBans() {
	if j.db == nil {
		return
	}
	q := storage.CurrentQuery{Jail: j.name, FromTime: clock.Now()}
	if inc := j.BanTimeIncrement(); inc.Increment {
		q.MaxTime = inc.MaxTime
	}
	tickets, err := j.db.GetCurrentBans(context.Background(), q)
	if err != nil {
		log.Errorf("[%s] Unable to restore current bans: %v", j.name, err)
		return
	}
	for _, t := range tickets {
		t.Restored = true
		j.PutFailTicket(t)
	}
	if len(tickets) > 0 {
		log.Debugf("[%s] Restoring %d current bans", j.name, len(tickets))
	}
}

// Asks both workers to stop without waiting.
func (j *Jail) Signal() {
	j.lifeMu.Lock()
	defer j.lifeMu.Unlock()
	if j.State() != Started {
		return
	}
	j.state.Store(int32(Stopping))
	j.filter.Stop()
	j.actions.Stop()
}

// Waits for both workers of a stopping jail.
func (j *Jail) Join(timeout time.Duration) error {
	if j.State() != Stopping {
		return nil
	}
	deadline := time.Now().Add(timeout)
	fOK := j.filter.Join(timeout)
	aOK := j.actions.Join(max(0, time.Until(deadline)))
	if !fOK || !aOK {
		return fmt.Errorf("%w: %s", ErrJoinTimeout, j.name)
	}
	j.state.Store(int32(Stopped))
	log.Infof("Jail '%s' stopped", j.name)
	return nil
}

// Stops the jail, lifting its bans. Stopping a stopped jail does nothing.
func (j *Jail) Stop(timeout time.Duration) error {
	j.Signal()
	return j.Join(timeout)
}

// Marks both workers idle or running.
func (j *Jail) SetIdle(v bool) {
	j.filter.SetIdle(v)
	j.actions.SetIdle(v)
}

func (j *Jail) Idle() bool { return j.filter.Idle() && j.actions.Idle() }

// =========================================================================
//  Manual unban
// =========================================================================

// Lifts the bans of ids and removes them from the database.
func (j *Jail) RemoveBannedIP(ids ...string) (int, error) {
	n, err := j.actions.RemoveBannedIP(ids...)
	if n > 0 || err == nil {
		j.dropFromDB(ids...)
	}
	return n, err
}

// Lifts every ban of the jail and removes them from the database.
func (j *Jail) UnbanAll() int {
	n := j.actions.UnbanAll()
	j.dropFromDB()
	return n
}

func (j *Jail) dropFromDB(ids ...string) {
	switch {
	case j.obs != nil && j.obs.IsActive():
		j.obs.DBCall("delBan", func(ctx context.Context, db *storage.DB) error {
			return db.DelBan(ctx, j.name, ids...)
		})
	case j.db != nil:
		if err := j.db.DelBan(context.Background(), j.name, ids...); err != nil {
			log.Errorf("[%s] Unable to remove bans from database: %v", j.name, err)
		}
	}
}

// Reports whether id is currently banned in this jail.
func (j *Jail) IsBanned(id string) bool {
	return j.actions.BanManager().Contains(id)
}

// =========================================================================
//  Status
// =========================================================================

// Returns the "status <jail> [flavor]" block. The short flavor omits the
// file and ban lists.
func (j *Jail) Status(flavor string) [][2]any {
	fst := j.filter.Status()
	ast := j.actions.Status()
	if flavor == "short" {
		fst = fst[:2]
		ast = ast[:2]
	}
	return [][2]any{
		{"Filter", fst},
		{"Actions", ast},
	}
}
