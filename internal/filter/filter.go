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

// Package filter reads log sources, finds failures and hands offenders to
// the jail.
package filter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/datedetector"
	"github.com/swissmakers/fail2ban-ng/internal/failmanager"
	"github.com/swissmakers/fail2ban-ng/internal/failregex"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var log = logging.GetLogger("fail2ban.filter")

const (
	DefaultFindTime  = 10 * time.Minute
	DefaultMaxRetry  = 5
	DefaultSleepTime = time.Second
)

var (
	ErrUnsupported    = errors.New("operation not supported by backend")
	ErrUnknownBackend = errors.New("unknown backend")
	ErrNotMonitored   = errors.New("path is not monitored")
)

// What the filter needs from its jail.
type Jail interface {
	Name() string
	PutFailTicket(t *ticket.Ticket)
	// Called for each counted failure.
	FailureFound(t *ticket.Ticket)
}

// Persists log positions; satisfied by the storage database.
type LogStore interface {
	AddLog(ctx context.Context, jail, path, hash string, pos int64) (int64, bool, error)
	UpdateLog(ctx context.Context, jail, path, hash string, pos int64) error
	DelLog(ctx context.Context, jail, path string) error
}

// =========================================================================
//  Filter
// =========================================================================

// Per-jail filter worker.
type Filter struct {
	jail        Jail
	backendName string
	newBackend  backendFactory

	engine *failregex.Engine
	dates  *datedetector.Detector
	fm     *failmanager.FailManager
	ignore *ignoreList

	mu        sync.RWMutex
	resolver  *ipaddr.Resolver
	useDNS    string
	banASAP   bool
	sleepTime time.Duration
	encoding  *decoder
	store     LogStore
	lastDate  time.Time

	files          *fileSet
	journalMatches [][]string

	idle    atomic.Bool
	active  atomic.Bool
	backend backend
	cancel  context.CancelFunc
	done    chan struct{}
}

// Creates a filter for jail using the named backend.
func New(j Jail, backendName string) (*Filter, error) {
	name, factory, err := lookupBackend(backendName)
	if err != nil {
		return nil, err
	}
	fm := failmanager.New()
	fm.SetMaxRetry(DefaultMaxRetry)
	fm.SetMaxTime(DefaultFindTime)
	enc, _ := newDecoder("auto")
	f := &Filter{
		jail:        j,
		backendName: name,
		newBackend:  factory,
		engine:      failregex.NewEngine(),
		dates:       datedetector.New(),
		fm:          fm,
		resolver:    ipaddr.Default,
		useDNS:      ipaddr.UseDNSWarn,
		banASAP:     true,
		sleepTime:   DefaultSleepTime,
		encoding:    enc,
	}
	f.ignore = newIgnoreList(f)
	f.files = newFileSet(f)
	return f, nil
}

func (f *Filter) Backend() string                       { return f.backendName }
func (f *Filter) FailManager() *failmanager.FailManager { return f.fm }
func (f *Filter) Engine() *failregex.Engine             { return f.engine }
func (f *Filter) DateDetector() *datedetector.Detector  { return f.dates }

// Replaces the resolver used for useDns and ignore lookups.
func (f *Filter) SetResolver(r *ipaddr.Resolver) {
	f.mu.Lock()
	f.resolver = r
	f.mu.Unlock()
}

func (f *Filter) Resolver() *ipaddr.Resolver {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.resolver
}

// Sets the store of log positions; nil disables it.
func (f *Filter) SetLogStore(s LogStore) {
	f.mu.Lock()
	f.store = s
	f.mu.Unlock()
}

func (f *Filter) logStore() LogStore {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store
}

// =========================================================================
//  Settings
// =========================================================================

func (f *Filter) SetFindTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("findtime must be positive, got %s", d)
	}
	f.fm.SetMaxTime(d)
	return nil
}

func (f *Filter) FindTime() time.Duration { return f.fm.MaxTime() }

func (f *Filter) SetMaxRetry(n int) error {
	if n < 1 {
		return fmt.Errorf("maxretry must be at least 1, got %d", n)
	}
	f.fm.SetMaxRetry(n)
	return nil
}

func (f *Filter) MaxRetry() int { return f.fm.MaxRetry() }

func (f *Filter) SetMaxMatches(n int) { f.fm.SetMaxMatches(n) }
func (f *Filter) MaxMatches() int     { return f.fm.MaxMatches() }

func (f *Filter) SetMaxLines(n int) error { return f.engine.SetMaxLines(n) }
func (f *Filter) MaxLines() int           { return f.engine.MaxLines() }

func (f *Filter) SetUseDNS(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if !ipaddr.ValidUseDNS(mode) {
		return fmt.Errorf("incorrect value %q specified for usedns", mode)
	}
	f.mu.Lock()
	f.useDNS = mode
	f.mu.Unlock()
	return nil
}

func (f *Filter) UseDNS() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.useDNS
}

// Sets whether offenders are promoted as soon as they reach maxretry.
func (f *Filter) SetBanASAP(v bool) {
	f.mu.Lock()
	f.banASAP = v
	f.mu.Unlock()
}

func (f *Filter) SetSleepTime(d time.Duration) {
	if d <= 0 {
		d = DefaultSleepTime
	}
	f.mu.Lock()
	f.sleepTime = d
	f.mu.Unlock()
}

func (f *Filter) SleepTime() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sleepTime
}

func (f *Filter) SetLogEncoding(name string) error {
	d, err := newDecoder(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.encoding = d
	f.mu.Unlock()
	return nil
}

func (f *Filter) LogEncoding() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.encoding.name
}

func (f *Filter) SetDatePattern(p string) error  { return f.dates.SetPattern(p) }
func (f *Filter) DatePattern() string            { return f.dates.Pattern() }
func (f *Filter) SetLogTimezone(tz string) error { return f.dates.SetTimezone(tz) }

func (f *Filter) AddFailRegex(p string) error   { return f.engine.AddFailRegex(p) }
func (f *Filter) DelFailRegex(i int) error      { return f.engine.DelFailRegex(i) }
func (f *Filter) AddIgnoreRegex(p string) error { return f.engine.AddIgnoreRegex(p) }
func (f *Filter) DelIgnoreRegex(i int) error    { return f.engine.DelIgnoreRegex(i) }

// Marks the filter idle; an idle filter keeps its sources but reads nothing.
func (f *Filter) SetIdle(v bool) { f.idle.Store(v) }
func (f *Filter) Idle() bool     { return f.idle.Load() }

// =========================================================================
//  Line processing
// =========================================================================

// Processes one raw log line. A zero date means the date is detected in the
// line. Returns the number of failures counted.
func (f *Filter) ProcessLine(raw string, date time.Time) int {
	f.mu.RLock()
	dec := f.encoding
	f.mu.RUnlock()
	text := strings.TrimRight(dec.decode(raw), "\r\n")

	line := failregex.Line{Suffix: text}
	t := date
	if t.IsZero() {
		if m, ok := f.dates.MatchTime(text); ok {
			line = failregex.Line{Prefix: text[:m.Start], Date: text[m.Start:m.End], Suffix: text[m.End:]}
			t = m.Time
			f.setLastDate(t)
		} else if last := f.getLastDate(); !last.IsZero() && !f.dates.Disabled() {
			t = last
		} else {
			t = clock.Now()
		}
	}

	now := clock.Now()
	if findTime := f.fm.MaxTime(); t.Before(now.Add(-findTime)) {
		log.Tracef("[%s] Ignore line since time %s < %s - %s", f.jail.Name(),
			t.Format(time.DateTime), now.Format(time.DateTime), findTime)
		return 0
	}

	failures, ignoredBy := f.engine.Process(line, t)
	if ignoredBy >= 0 {
		log.Tracef("[%s] Matched ignoreregex %d and line ignored", f.jail.Name(), ignoredBy)
		return 0
	}
	count := 0
	for _, fl := range failures {
		count += f.addFailures(fl)
	}
	return count
}

func (f *Filter) setLastDate(t time.Time) {
	f.mu.Lock()
	f.lastDate = t
	f.mu.Unlock()
}

func (f *Filter) getLastDate() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastDate
}

// Resolves the failure id into tickets and counts those not ignored.
func (f *Filter) addFailures(fl failregex.Failure) int {
	group, id := fl.ID()
	var ips []ipaddr.IPAddr
	switch group {
	case "fid":
		ips = []ipaddr.IPAddr{ipaddr.Raw(id)}
	case "":
		log.Errorf("[%s] No failure-id group in match of regex %d", f.jail.Name(), fl.RegexIndex)
		return 0
	default:
		ips = f.Resolver().TextToIP(id, f.UseDNS())
	}

	f.mu.RLock()
	banASAP := f.banASAP
	f.mu.RUnlock()
	count := 0
	for _, ip := range ips {
		ft := ticket.NewFailTicket(ip, fl.Time, fl.Matches)
		for k, v := range fl.Data() {
			ft.SetData(k, v)
		}
		if f.ignore.contains(ip, ft, true) {
			continue
		}
		log.Infof("[%s] Found %s - %s", f.jail.Name(), ip, fl.Time.Format(time.DateTime))
		attempts := f.fm.AddFailure(ft, 1)
		count++
		f.jail.FailureFound(ft)
		if banASAP && attempts >= f.fm.MaxRetry() {
			f.performBan(ft.ID)
		}
	}
	return count
}

// Promotes id (any id when empty) to the jail queue while tickets qualify.
func (f *Filter) performBan(id string) int {
	n := 0
	for t := f.fm.ToBan(id); t != nil; t = f.fm.ToBan(id) {
		f.jail.PutFailTicket(t)
		n++
	}
	return n
}

// Periodic housekeeping: promotion when not banning ASAP and cleanup.
func (f *Filter) tick() {
	f.mu.RLock()
	banASAP := f.banASAP
	f.mu.RUnlock()
	if !banASAP {
		f.performBan("")
	}
	f.fm.Cleanup(clock.Now())
}

// Records a manual failure for id; returns the retry count.
func (f *Filter) AddAttempt(id string, matches ...string) (int, error) {
	ip, err := ipaddr.Parse(id)
	if err != nil {
		ip = ipaddr.Raw(id)
	}
	ft := ticket.NewFailTicket(ip, clock.Now(), matches)
	if f.ignore.contains(ip, ft, true) {
		return 0, nil
	}
	log.Infof("[%s] Attempt %s - %s", f.jail.Name(), ip, ft.Time.Format(time.DateTime))
	attempts := f.fm.AddFailure(ft, 1)
	f.jail.FailureFound(ft)
	if attempts >= f.fm.MaxRetry() {
		f.performBan(ft.ID)
	}
	return attempts, nil
}

// Bans id manually, even when it is on the ignore list.
func (f *Filter) AddBannedIP(id string) (bool, error) {
	ip, err := ipaddr.Parse(id)
	if err != nil {
		return false, err
	}
	ft := ticket.NewFailTicket(ip, clock.Now(), nil)
	if f.ignore.contains(ip, ft, false) {
		log.Warningf("[%s] Requested to manually ban an ignored IP %s. User knows best. Proceeding to ban it.",
			f.jail.Name(), ip)
	}
	f.fm.AddFailure(ft, f.fm.MaxRetry())
	return f.performBan(ft.ID) > 0, nil
}

// =========================================================================
//  Worker
// =========================================================================

// Starts the backend worker.
func (f *Filter) Start() error {
	if f.active.Load() {
		return nil
	}
	b, err := f.newBackend(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.mu.Lock()
	f.backend, f.cancel, f.done = b, cancel, done
	f.active.Store(true)
	f.mu.Unlock()
	go f.run(ctx, b, done)
	log.Debugf("[%s] Filter started, backend %s", f.jail.Name(), f.backendName)
	return nil
}

func (f *Filter) run(ctx context.Context, b backend, done chan struct{}) {
	defer close(done)
	defer b.close()
	for {
		err := f.runBackend(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Errorf("[%s] Backend %s failed: %v", f.jail.Name(), f.backendName, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.SleepTime()):
		}
	}
}

func (f *Filter) runBackend(ctx context.Context, b backend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return b.run(ctx)
}

// Signals the worker to stop.
func (f *Filter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active.Load() {
		return
	}
	f.active.Store(false)
	f.cancel()
}

// Waits for the worker to exit; false on timeout.
func (f *Filter) Join(timeout time.Duration) bool {
	f.mu.RLock()
	done := f.done
	f.mu.RUnlock()
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

func (f *Filter) IsActive() bool { return f.active.Load() }

func (f *Filter) currentBackend() backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.active.Load() {
		return nil
	}
	return f.backend
}

// =========================================================================
//  Journal matches
// =========================================================================

// Adds one match group ("FIELD=value" terms joined by AND).
func (f *Filter) AddJournalMatch(match []string) error {
	if !f.isJournal() {
		return ErrUnsupported
	}
	for _, m := range match {
		if m != "+" && !strings.Contains(m, "=") {
			return fmt.Errorf("invalid journal match %q", m)
		}
	}
	f.mu.Lock()
	f.journalMatches = append(f.journalMatches, append([]string(nil), match...))
	f.mu.Unlock()
	return nil
}

// Removes a match group; an empty match removes all.
func (f *Filter) DelJournalMatch(match []string) error {
	if !f.isJournal() {
		return ErrUnsupported
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(match) == 0 {
		f.journalMatches = nil
		return nil
	}
	want := strings.Join(match, " ")
	for i, m := range f.journalMatches {
		if strings.Join(m, " ") == want {
			f.journalMatches = append(f.journalMatches[:i], f.journalMatches[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("match %q not found", want)
}

func (f *Filter) JournalMatches() [][]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([][]string, len(f.journalMatches))
	for i, m := range f.journalMatches {
		out[i] = append([]string(nil), m...)
	}
	return out
}

func (f *Filter) isJournal() bool {
	return f.backendName == BackendSystemd
}

// =========================================================================
//  Status
// =========================================================================

// Returns the filter status block: failure counters and sources.
func (f *Filter) Status() [][2]any {
	st := [][2]any{
		{"Currently failed", f.fm.Size()},
		{"Total failed", f.fm.FailTotal()},
	}
	if f.isJournal() {
		var matches []string
		for _, m := range f.JournalMatches() {
			matches = append(matches, strings.Join(m, " "))
		}
		st = append(st, [2]any{"Journal matches", strings.Join(matches, " + ")})
	} else {
		st = append(st, [2]any{"File list", f.GetLogPaths()})
	}
	return st
}
