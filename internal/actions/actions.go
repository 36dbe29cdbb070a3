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

// Package actions runs the per-jail worker that turns fail tickets into
// bans, calls the configured actions and lifts bans when they expire.
package actions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/banmanager"
	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.actions")

const (
	// Longest wait between two unban checks.
	DefaultSleepTime = time.Second
	// Upper bound of tickets handled per loop pass before checking unbans.
	maxTicketsPerPass = 100
)

var (
	ErrDuplicateAction = errors.New("action already exists")
	ErrNoAction        = errors.New("no such action")
	ErrNotBanned       = errors.New("not banned")
)

// What the actions worker needs from its jail.
type Jail interface {
	Name() string
	// Returns the next queued fail ticket, or nil when the queue is empty.
	GetFailTicket() *ticket.Ticket
	// Signalled when a ticket is queued.
	Notify() <-chan struct{}
	// Returns the increased ban time of t and its ban count before this ban.
	// ok is false when no increment applies.
	BanTimeOf(t *ticket.Ticket, base time.Duration) (banTime time.Duration, banCount int, ok bool)
	// Called once all actions ran for a new ban.
	BanAdded(t *ticket.Ticket, base time.Duration)
	// Called once all actions ran for a lifted ban.
	BanRemoved(t *ticket.Ticket)
	// Ban history for the ip*matches and ip*failures info keys; may be nil.
	Matches() MatchSource
}

type namedAction struct {
	name    string
	action  Action
	started atomic.Bool
}

// =========================================================================
//  Actions worker
// =========================================================================

// Per-jail actions worker.
type Actions struct {
	jail Jail
	bm   *banmanager.BanManager

	mu        sync.RWMutex
	actions   []*namedAction
	timeout   time.Duration
	sleepTime time.Duration

	idle   atomic.Bool
	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

func NewActions(j Jail) *Actions {
	return &Actions{
		jail:      j,
		bm:        banmanager.New(),
		timeout:   DefaultTimeout,
		sleepTime: DefaultSleepTime,
		wake:      make(chan struct{}, 1),
	}
}

func (a *Actions) BanManager() *banmanager.BanManager { return a.bm }

// Sets the default ban time; -1 bans permanently.
func (a *Actions) SetBanTime(d time.Duration) error {
	if d <= 0 && d != ticket.Permanent {
		return fmt.Errorf("invalid bantime %s: must be positive or -1", d)
	}
	a.bm.SetBanTime(d)
	a.signal()
	return nil
}

func (a *Actions) BanTime() time.Duration { return a.bm.BanTime() }

// Sets the limit of each single action call.
func (a *Actions) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

func (a *Actions) Timeout() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.timeout
}

// Sets the longest wait between two unban checks.
func (a *Actions) SetSleepTime(d time.Duration) {
	if d <= 0 {
		d = DefaultSleepTime
	}
	a.mu.Lock()
	a.sleepTime = d
	a.mu.Unlock()
}

func (a *Actions) SetIdle(v bool) { a.idle.Store(v) }
func (a *Actions) Idle() bool     { return a.idle.Load() }

// =========================================================================
//  Action list
// =========================================================================

// Appends an action. A running worker starts it right away.
func (a *Actions) AddAction(name string, act Action) error {
	a.mu.Lock()
	for _, na := range a.actions {
		if na.name == name {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateAction, name)
		}
	}
	na := &namedAction{name: name, action: act}
	a.actions = append(a.actions, na)
	a.mu.Unlock()
	if a.IsActive() {
		a.startAction(context.Background(), na)
	}
	log.Debugf("[%s] Added action %s", a.jail.Name(), name)
	return nil
}

// Removes an action, stopping it when started.
func (a *Actions) DelAction(name string) error {
	a.mu.Lock()
	var na *namedAction
	for i, x := range a.actions {
		if x.name == name {
			na = x
			a.actions = append(a.actions[:i], a.actions[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	if na == nil {
		return fmt.Errorf("%w: %s", ErrNoAction, name)
	}
	if na.started.Load() {
		a.stopAction(context.Background(), na)
	}
	return nil
}

func (a *Actions) GetAction(name string) (Action, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, na := range a.actions {
		if na.name == name {
			return na.action, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAction, name)
}

// Returns the action names in insertion order.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.actions))
	for i, na := range a.actions {
		out[i] = na.name
	}
	return out
}

func (a *Actions) list() []*namedAction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*namedAction(nil), a.actions...)
}

// =========================================================================
//  Lifecycle
// =========================================================================

// Starts every action and the worker loop.
func (a *Actions) Start() {
	if !a.active.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()
	for _, na := range a.list() {
		a.startAction(ctx, na)
	}
	go a.run(ctx)
}

// Asks the worker to stop; it lifts all bans and stops the actions first.
func (a *Actions) Stop() {
	if !a.active.CompareAndSwap(true, false) {
		return
	}
	a.mu.RLock()
	cancel := a.cancel
	a.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Waits for the worker to exit; false on timeout.
func (a *Actions) Join(timeout time.Duration) bool {
	a.mu.RLock()
	done := a.done
	a.mu.RUnlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (a *Actions) IsActive() bool { return a.active.Load() }

func (a *Actions) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Actions) run(ctx context.Context) {
	a.mu.RLock()
	done := a.done
	a.mu.RUnlock()
	defer close(done)
	log.Debugf("[%s] Actions worker started", a.jail.Name())

	for ctx.Err() == nil {
		busy := a.pass(ctx)
		if busy {
			continue
		}
		wait := a.nextWait()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-a.jail.Notify():
		case <-a.wake:
		case <-t.C:
		}
		t.Stop()
	}

	// the loop context is gone; finish with a fresh one
	fctx := context.WithoutCancel(ctx)
	a.flushBans(fctx)
	for _, na := range a.list() {
		if na.started.Load() {
			a.stopAction(fctx, na)
		}
	}
	log.Debugf("[%s] Actions worker stopped", a.jail.Name())
}

// One iteration; reports whether tickets were left in the queue.
func (a *Actions) pass(ctx context.Context) (busy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] Actions worker failed: %v\n%s", a.jail.Name(), r, debug.Stack())
		}
	}()
	if a.Idle() {
		return false
	}
	n := a.checkBan(ctx, maxTicketsPerPass)
	a.checkUnBan(ctx)
	return n >= maxTicketsPerPass
}

// Time until the next unban check.
func (a *Actions) nextWait() time.Duration {
	a.mu.RLock()
	wait := a.sleepTime
	a.mu.RUnlock()
	if next := a.bm.NextUnbanTime(); !next.IsZero() {
		if d := next.Sub(clock.Now()); d < wait {
			wait = max(d, 10*time.Millisecond)
		}
	}
	return wait
}

// =========================================================================
//  Action calls
// =========================================================================

// Runs f against one action within the call timeout, recovering panics.
func (a *Actions) call(ctx context.Context, na *namedAction, op string, f func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Debugf("%s", debug.Stack())
		}
		if err != nil {
			log.Errorf("[%s] Failed to execute %s action %q: %v", a.jail.Name(), op, na.name, err)
		}
	}()
	return f(ctx)
}

func (a *Actions) startAction(ctx context.Context, na *namedAction) {
	if err := a.call(ctx, na, "start", na.action.Start); err == nil {
		na.started.Store(true)
	}
}

func (a *Actions) stopAction(ctx context.Context, na *namedAction) {
	a.call(ctx, na, "stop", na.action.Stop)
	na.started.Store(false)
}

// Restarts an action once when its check fails.
func (a *Actions) ensure(ctx context.Context, na *namedAction) {
	ok := true
	a.call(ctx, na, "check", func(ctx context.Context) error {
		ok = na.action.Check(ctx)
		return nil
	})
	if ok {
		return
	}
	log.Errorf("[%s] Invariant check failed for %q. Trying to restore a sane environment", a.jail.Name(), na.name)
	a.stopAction(ctx, na)
	a.startAction(ctx, na)
	a.call(ctx, na, "check", func(ctx context.Context) error {
		ok = na.action.Check(ctx)
		return nil
	})
	if !ok {
		log.Criticalf("[%s] Unable to restore environment of %q", a.jail.Name(), na.name)
	}
}

func (a *Actions) info(t *ticket.Ticket) *Info {
	return NewInfo(t, a.jail.Name(), a.bm.BanTime(), a.jail.Matches())
}

// =========================================================================
//  Ban
// =========================================================================

// Bans up to limit queued tickets; returns how many were taken.
func (a *Actions) checkBan(ctx context.Context, limit int) int {
	n := 0
	for ; n < limit && ctx.Err() == nil; n++ {
		ft := a.jail.GetFailTicket()
		if ft == nil {
			break
		}
		a.banTicket(ctx, ft)
	}
	return n
}

func (a *Actions) banTicket(ctx context.Context, ft *ticket.Ticket) bool {
	bt := ticket.NewBanTicket(ft)
	base := a.bm.BanTime()
	if bt.Restored {
		if bt.IsTimedOut(clock.Now(), base) {
			log.Infof("[%s] Ignore %s, expired bantime", a.jail.Name(), bt.ID)
			return false
		}
	} else if bt.BanTime == 0 && base != ticket.Permanent {
		if banTime, count, ok := a.jail.BanTimeOf(bt, base); ok {
			bt.BanTime = banTime
			bt.BanCount = count
			bt.BanTimeIncremented = true
		}
	}

	prev := a.bm.Get(bt.ID)
	added, got := a.bm.AddBanTicket(bt)
	if !added {
		if prev != nil && got.ProlongCount > prev.ProlongCount {
			log.Noticef("[%s] Prolong %s (%d # %s)", a.jail.Name(), got.ID, got.BanCount, got.GetBanTime(base))
			a.prolongActions(ctx, got)
			return false
		}
		a.logAlreadyBanned(ft, got)
		return false
	}

	prefix := ""
	if got.Restored {
		prefix = "Restore "
	}
	log.Noticef("[%s] %sBan %s", a.jail.Name(), prefix, got.ID)
	info := a.info(got)
	for _, na := range a.list() {
		if got.Restored && noRestored(na.action) {
			continue
		}
		a.ensure(ctx, na)
		info.Reset()
		a.call(ctx, na, "ban", func(ctx context.Context) error { return na.action.Ban(ctx, info) })
	}
	got.Banned = true
	a.jail.BanAdded(got, base)
	return true
}

// Logs a repeated ban with a level growing with the delay since the ban.
func (a *Actions) logAlreadyBanned(ft, bt *ticket.Ticket) {
	diff := ft.Time.Sub(bt.Time)
	level := logging.DEBUG
	switch {
	case diff >= time.Minute:
		level = logging.WARNING
	case diff >= 3*time.Second:
		level = logging.NOTICE
	}
	log.Logf(level, "[%s] %s already banned", a.jail.Name(), bt.ID)
}

func (a *Actions) prolongActions(ctx context.Context, t *ticket.Ticket) {
	info := a.info(t)
	for _, na := range a.list() {
		p, ok := na.action.(Prolonger)
		if !ok {
			continue
		}
		info.Reset()
		a.call(ctx, na, "prolong", func(ctx context.Context) error { return p.Prolong(ctx, info) })
	}
}

// Applies a raised ban time to an active ban and notifies the actions
// supporting it.
func (a *Actions) ProlongBan(t *ticket.Ticket) {
	if a.bm.Get(t.ID) == nil {
		return
	}
	nt, ok := a.bm.Prolong(t.ID, t.GetBanTime(a.bm.BanTime()))
	if !ok {
		return
	}
	if t.BanCount > nt.BanCount {
		nt.BanCount = t.BanCount
	}
	log.Noticef("[%s] Prolong %s (%d # %s)", a.jail.Name(), nt.ID, nt.BanCount, nt.GetBanTime(a.bm.BanTime()))
	a.prolongActions(context.Background(), nt)
	a.signal()
}

// =========================================================================
//  Unban
// =========================================================================

// Lifts every ban that expired by now.
func (a *Actions) checkUnBan(ctx context.Context) int {
	tickets := a.bm.UnBanList(clock.Now())
	for _, t := range tickets {
		a.unbanTicket(ctx, t, nil)
	}
	return len(tickets)
}

// Runs the unban of every action in reverse order. skip, when set,
// excludes actions already flushed.
func (a *Actions) unbanTicket(ctx context.Context, t *ticket.Ticket, skip map[string]bool) {
	log.Noticef("[%s] Unban %s", a.jail.Name(), t.ID)
	info := a.info(t)
	acts := a.list()
	for i := len(acts) - 1; i >= 0; i-- {
		na := acts[i]
		if skip[na.name] || (t.Restored && noRestored(na.action)) {
			continue
		}
		a.ensure(ctx, na)
		info.Reset()
		a.call(ctx, na, "unban", func(ctx context.Context) error { return na.action.Unban(ctx, info) })
	}
	a.jail.BanRemoved(t)
}

// Lifts every active ban. Flush capable actions flush once, the others
// unban ticket by ticket.
func (a *Actions) flushBans(ctx context.Context) int {
	log.Debugf("[%s] Flush ban list", a.jail.Name())
	tickets := a.bm.FlushBanList()
	flushed := make(map[string]bool)
	acts := a.list()
	for i := len(acts) - 1; i >= 0; i-- {
		na := acts[i]
		f, ok := na.action.(Flusher)
		if !ok || !f.CanFlush() {
			continue
		}
		log.Debugf("[%s] Flush action %s", a.jail.Name(), na.name)
		if err := a.call(ctx, na, "flush", f.Flush); err == nil {
			flushed[na.name] = true
		}
	}
	for _, t := range tickets {
		a.unbanTicket(ctx, t, flushed)
	}
	return len(tickets)
}

// Lifts the bans of ids; returns how many were banned.
func (a *Actions) RemoveBannedIP(ids ...string) (int, error) {
	cnt := 0
	var missing []string
	for _, id := range ids {
		t := a.bm.GetTicketByID(id)
		if t == nil {
			missing = append(missing, id)
			continue
		}
		a.unbanTicket(context.Background(), t, nil)
		cnt++
	}
	if len(ids) == 1 && cnt == 0 {
		return 0, fmt.Errorf("%s is %w", ids[0], ErrNotBanned)
	}
	if len(missing) > 0 {
		log.Debugf("[%s] Not banned: %v", a.jail.Name(), missing)
	}
	return cnt, nil
}

// Lifts every active ban; returns how many there were.
func (a *Actions) UnbanAll() int {
	return a.flushBans(context.Background())
}

// Returns the entries of "status <jail>" for the actions side.
func (a *Actions) Status() [][2]any {
	return [][2]any{
		{"Currently banned", a.bm.Size()},
		{"Total banned", a.bm.BanTotal()},
		{"Banned IP list", a.bm.BanList()},
	}
}
