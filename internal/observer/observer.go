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

// Package observer runs the single background worker that owns database
// writes, the purge timer and the ban-time increment.
package observer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/failmanager"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.observer")

const (
	DefaultPurgeInterval = time.Hour
	purgeTimer           = "DB_PURGE"
)

var ErrStopTimeout = errors.New("observer did not stop in time")

// What the observer needs from a jail.
type Jail interface {
	Name() string
	IsAlive() bool
	BanTimeIncrement() bantime.Config
	FailManager() *failmanager.FailManager
	PutFailTicket(t *ticket.Ticket)
	// Re-applies a raised ban time to an active ban and notifies actions.
	ProlongBan(t *ticket.Ticket)
}

type event struct {
	name string
	fn   func(ctx context.Context)
}

// =========================================================================
//  Event loop
// =========================================================================

// Single-threaded FIFO event worker with named timers.
type Observer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	timers map[string]*time.Timer
	paused bool
	active bool
	idle   bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// accessed from the loop only, except Status
	db            *storage.DB
	purgeInterval time.Duration
}

func New() *Observer {
	o := &Observer{
		timers:        make(map[string]*time.Timer),
		purgeInterval: DefaultPurgeInterval,
		idle:          true,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Starts the worker and arms the purge timer.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return
	}
	o.active = true
	o.done = make(chan struct{})
	o.ctx, o.cancel = context.WithCancel(context.Background())
	interval := o.purgeInterval
	o.mu.Unlock()

	go o.run()
	o.AddNamedTimer(purgeTimer, interval, "db_purge", o.dbPurge)
}

// Queues a shutdown after pending events and waits up to timeout.
func (o *Observer) Stop(timeout time.Duration) error {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return nil
	}
	for name, t := range o.timers {
		t.Stop()
		delete(o.timers, name)
	}
	o.paused = false
	done := o.done
	o.queue = append(o.queue, event{name: "shutdown", fn: func(context.Context) {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}})
	o.cond.Broadcast()
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		o.mu.Lock()
		o.active = false
		o.queue = nil
		o.cond.Broadcast()
		o.mu.Unlock()
		o.cancel()
		return ErrStopTimeout
	}
}

func (o *Observer) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Observer) run() {
	defer close(o.done)
	defer o.cancel()
	for {
		o.mu.Lock()
		for o.active && (len(o.queue) == 0 || o.paused) {
			o.idle = true
			o.cond.Broadcast()
			o.cond.Wait()
		}
		if !o.active {
			o.idle = true
			o.cond.Broadcast()
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue[0] = event{}
		o.queue = o.queue[1:]
		o.idle = false
		o.mu.Unlock()

		o.exec(ev)
	}
}

func (o *Observer) exec(ev event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Observer event %s failed: %v\n%s", ev.name, r, debug.Stack())
		}
	}()
	log.Tracef("Observer: event %s", ev.name)
	ev.fn(o.ctx)
}

// Queues f as a named event.
func (o *Observer) Add(name string, f func(ctx context.Context)) {
	o.mu.Lock()
	o.queue = append(o.queue, event{name: name, fn: f})
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Queues f after d.
func (o *Observer) AddTimer(d time.Duration, name string, f func(ctx context.Context)) {
	time.AfterFunc(d, func() { o.Add(name, f) })
}

// Queues f after d under timer; an armed timer of the same name is replaced.
func (o *Observer) AddNamedTimer(timer string, d time.Duration, name string, f func(ctx context.Context)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[timer]; ok {
		t.Stop()
	}
	o.timers[timer] = time.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, timer)
		o.mu.Unlock()
		o.Add(name, f)
	})
}

// Pauses or resumes event processing; queued events are kept in order.
func (o *Observer) SetPaused(p bool) {
	o.mu.Lock()
	o.paused = p
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *Observer) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Returns the number of queued events.
func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Waits until the queue is drained and the current event finished.
func (o *Observer) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		o.mu.Lock()
		idle := o.idle && (len(o.queue) == 0 || o.paused || !o.active)
		o.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =========================================================================
//  Database service
// =========================================================================

// Sets the database used by the worker; nil disables persistence.
func (o *Observer) SetDB(db *storage.DB) {
	o.Add("db_set", func(context.Context) { o.db = db })
}

// Sets the purge interval and re-arms the purge timer.
func (o *Observer) SetPurgeInterval(d time.Duration) {
	o.mu.Lock()
	o.purgeInterval = d
	active := o.active
	o.mu.Unlock()
	if active {
		o.AddNamedTimer(purgeTimer, d, "db_purge", o.dbPurge)
	}
}

func (o *Observer) dbPurge(ctx context.Context) {
	log.Debugf("Purge database event occurred")
	if o.db != nil {
		if err := o.db.Purge(ctx, clock.Now()); err != nil {
			log.Errorf("Purge of database failed: %v", err)
		}
	}
	o.mu.Lock()
	interval, active := o.purgeInterval, o.active
	o.mu.Unlock()
	if active {
		o.AddNamedTimer(purgeTimer, interval, "db_purge", o.dbPurge)
	}
}

// Queues an arbitrary database write.
func (o *Observer) DBCall(name string, f func(ctx context.Context, db *storage.DB) error) {
	o.Add(name, func(ctx context.Context) {
		if o.db == nil {
			return
		}
		if err := f(ctx, o.db); err != nil {
			log.Errorf("Database %s failed: %v", name, err)
		}
	})
}

// =========================================================================
//  Ban time increment
// =========================================================================

// Outcome of an increment request.
type Increment struct {
	BanTime time.Duration
	// Ban count found in the database before this ban.
	BanCount int
	// Set when the ticket is not newer than the last stored ban.
	Restored bool
}

// Computes the increased ban time for t from its stored ban history.
// ok is false when nothing could be looked up.
func (o *Observer) incrBanTime(ctx context.Context, j Jail, t *ticket.Ticket, base time.Duration) (Increment, bool) {
	res := Increment{BanTime: base, BanCount: t.BanCount}
	cfg := j.BanTimeIncrement()
	if o.db == nil || !cfg.Increment || base <= 0 {
		return res, false
	}
	bc, found, err := o.db.GetBan(ctx, t.ID, storage.BanQuery{Jail: j.Name(), OverallJails: cfg.OverallJails})
	if err != nil {
		log.Errorf("[%s] Lookup of ban history for %s failed: %v", j.Name(), t.ID, err)
		return res, false
	}
	if !found {
		return res, true
	}
	log.Debugf("IP %s was already banned: %d #, %s", t.ID, bc.Count, bc.TimeOfBan.Format(time.DateTime))
	if bc.Count > res.BanCount {
		res.BanCount = bc.Count
	}
	if res.BanCount > 0 {
		res.BanTime = cfg.CalcWithJitter(base, res.BanCount)
	}
	if t.Time.After(bc.TimeOfBan) {
		log.Infof("[%s] IP %s is bad: %d # last %s - incr %s to %s", j.Name(), t.ID, res.BanCount,
			bc.TimeOfBan.Format(time.DateTime), base, res.BanTime)
	} else {
		res.Restored = true
	}
	return res, true
}

// Asks the worker for the increased ban time of t and waits up to timeout.
// ok is false on timeout or when no history could be read.
func (o *Observer) RequestBanTime(j Jail, t *ticket.Ticket, base time.Duration, timeout time.Duration) (Increment, bool) {
	if !o.IsActive() {
		return Increment{BanTime: base, BanCount: t.BanCount}, false
	}
	type reply struct {
		inc Increment
		ok  bool
	}
	ch := make(chan reply, 1)
	tc := t.Clone()
	o.Add("incrBanTime", func(ctx context.Context) {
		inc, ok := o.incrBanTime(ctx, j, tc, base)
		ch <- reply{inc, ok}
	})
	select {
	case r := <-ch:
		return r.inc, r.ok
	case <-time.After(timeout):
		log.Warningf("[%s] Ban time increment for %s timed out", j.Name(), t.ID)
		return Increment{BanTime: base, BanCount: t.BanCount}, false
	}
}

// =========================================================================
//  Failure and ban events
// =========================================================================

// Notifies that the filter recorded a failure for t. Known offenders get
// extra retries so that repeat offenders are banned sooner.
func (o *Observer) FailureFound(j Jail, t *ticket.Ticket) {
	tc := t.Clone()
	o.Add("failureFound", func(ctx context.Context) { o.failureFound(ctx, j, tc) })
}

func (o *Observer) failureFound(ctx context.Context, j Jail, t *ticket.Ticket) {
	if !j.IsAlive() || !j.BanTimeIncrement().Increment || o.db == nil {
		return
	}
	log.Debugf("[%s] Observer: failure found %s", j.Name(), t.ID)
	fm := j.FailManager()
	maxRetry := fm.MaxRetry()

	banCount, retryCount := 0, 1
	bc, found, err := o.db.GetBan(ctx, t.ID, storage.BanQuery{Jail: j.Name()})
	if err != nil {
		log.Errorf("[%s] Lookup of ban history for %s failed: %v", j.Name(), t.ID, err)
		return
	}
	if found {
		banCount = max(bc.Count, t.BanCount)
		retryCount = (1<<min(banCount, 20))/2 + 1
		if !t.Time.After(bc.TimeOfBan) {
			log.Debugf("[%s] Ignore failure %s before last ban %s < %s, restored",
				j.Name(), t.ID, t.Time.Format(time.DateTime), bc.TimeOfBan.Format(time.DateTime))
			return
		}
	}
	retryCount = min(retryCount, maxRetry)
	if retryCount <= 1 {
		return
	}
	ban := ""
	if retryCount >= maxRetry {
		ban = ", Ban"
	}
	log.Infof("[%s] Found %s, bad - %s, %d # -> %d%s", j.Name(), t.ID,
		t.Time.Format(time.DateTime), banCount, retryCount, ban)

	// the filter already counted one attempt
	t.Matches = nil
	attempts := fm.AddFailure(t, retryCount-1)
	if attempts >= maxRetry {
		for ft := fm.ToBan(t.ID); ft != nil; ft = fm.ToBan(t.ID) {
			ft.BanCount = banCount
			j.PutFailTicket(ft)
		}
		fm.Cleanup(clock.Now())
	}
}

// Notifies that t was banned with base ban time. Applies the increment if
// the actions worker could not, then persists the ban unless restored.
func (o *Observer) BanFound(j Jail, t *ticket.Ticket, base time.Duration) {
	tc := t.Clone()
	o.Add("banFound", func(ctx context.Context) { o.banFound(ctx, j, tc, base) })
}

func (o *Observer) banFound(ctx context.Context, j Jail, t *ticket.Ticket, base time.Duration) {
	if t.Restored {
		return
	}
	log.Debugf("[%s] Observer: ban found %s, %s", j.Name(), t.ID, base)
	btime := t.GetBanTime(base)
	if btime != ticket.Permanent && !t.BanTimeIncremented {
		inc, ok := o.incrBanTime(ctx, j, t, btime)
		if ok {
			t.BanTimeIncremented = true
			if inc.Restored {
				t.Restored = true
			}
			if inc.BanTime == ticket.Permanent || inc.BanTime > btime {
				t.BanTime = inc.BanTime
				t.BanCount = inc.BanCount + 1
				log.Noticef("[%s] Increase Ban %s (%d # %s -> %s)", j.Name(), t.ID, t.BanCount,
					inc.BanTime, endOfBan(t))
				delay := min(10*time.Second, max(0, inc.BanTime-btime-5*time.Second))
				log.Tracef("[%s] Observer: prolong %s in %s", j.Name(), t.ID, delay)
				pt := t.Clone()
				o.AddTimer(delay, "prolongBan", func(context.Context) { o.prolongBan(j, pt) })
			}
		}
	}
	if eob, ok := t.EndOfBan(btime); ok && eob.Before(clock.Now()) {
		log.Debugf("Ignore old bantime %s", eob.Format(time.DateTime))
		return
	}
	if o.db != nil && !t.Restored {
		if err := o.db.AddBan(ctx, j.Name(), withBanTime(t, btime)); err != nil {
			log.Errorf("[%s] Unable to persist ban of %s: %v", j.Name(), t.ID, err)
		}
	}
}

func withBanTime(t *ticket.Ticket, def time.Duration) *ticket.Ticket {
	if t.BanTime != 0 {
		return t
	}
	c := t.Clone()
	c.BanTime = def
	return c
}

func endOfBan(t *ticket.Ticket) string {
	if eob, ok := t.EndOfBan(0); ok {
		return eob.Format(time.DateTime)
	}
	return "infinite"
}

func (o *Observer) prolongBan(j Jail, t *ticket.Ticket) {
	if !j.IsAlive() {
		return
	}
	log.Debugf("[%s] Observer: prolong %s, %s", j.Name(), t.ID, t.BanTime)
	j.ProlongBan(t)
}

// Returns a short status line for server-status.
func (o *Observer) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := "running"
	switch {
	case !o.active:
		state = "stopped"
	case o.paused:
		state = "paused"
	}
	return fmt.Sprintf("%s, %d queued", state, len(o.queue))
}
