package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

// =========================================================================
//  Test doubles
// =========================================================================

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.get() {
		if c == s {
			n++
		}
	}
	return n
}

type recAction struct {
	name  string
	log   *callLog
	props *Properties

	mu      sync.Mutex
	checkOK bool
	infos   []map[string]string
}

func newRecAction(name string, l *callLog) *recAction {
	return &recAction{name: name, log: l, checkOK: true, props: NewProperties("norestored")}
}

func (r *recAction) Start(context.Context) error { r.log.add(r.name + ".start"); return nil }
func (r *recAction) Stop(context.Context) error  { r.log.add(r.name + ".stop"); return nil }

func (r *recAction) Check(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.checkOK
	// a restart repairs the environment
	r.checkOK = true
	return ok
}

func (r *recAction) Ban(_ context.Context, info *Info) error {
	r.log.add(r.name + ".ban " + info.Get("ip"))
	r.mu.Lock()
	r.infos = append(r.infos, info.Map("ip", "failures", "bantime", "bancount", "restored"))
	r.mu.Unlock()
	return nil
}

func (r *recAction) Unban(_ context.Context, info *Info) error {
	r.log.add(r.name + ".unban " + info.Get("ip"))
	return nil
}

func (r *recAction) SetProperty(k, v string) error     { return r.props.Set(k, v) }
func (r *recAction) Property(k string) (string, error) { return r.props.Get(k) }
func (r *recAction) Properties() []string              { return r.props.Names() }

func (r *recAction) lastInfo() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.infos) == 0 {
		return nil
	}
	return r.infos[len(r.infos)-1]
}

type prolongAction struct {
	*recAction
}

func (p prolongAction) Prolong(_ context.Context, info *Info) error {
	p.log.add(p.name + ".prolong " + info.Get("ip") + " " + info.Get("bantime"))
	return nil
}

type flushAction struct {
	*recAction
}

func (f flushAction) CanFlush() bool { return true }
func (f flushAction) Flush(context.Context) error {
	f.log.add(f.name + ".flush")
	return nil
}

type failingAction struct {
	*recAction
}

func (f failingAction) Ban(context.Context, *Info) error { return errors.New("boom") }

type stubJail struct {
	mu      sync.Mutex
	queue   []*ticket.Ticket
	notify  chan struct{}
	inc     func(t *ticket.Ticket, base time.Duration) (time.Duration, int, bool)
	added   []*ticket.Ticket
	removed []*ticket.Ticket
	db      MatchSource
}

func newStubJail() *stubJail {
	return &stubJail{notify: make(chan struct{}, 1)}
}

func (j *stubJail) Name() string { return "sshd" }

func (j *stubJail) put(t *ticket.Ticket) {
	j.mu.Lock()
	j.queue = append(j.queue, t)
	j.mu.Unlock()
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

func (j *stubJail) GetFailTicket() *ticket.Ticket {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) == 0 {
		return nil
	}
	t := j.queue[0]
	j.queue = j.queue[1:]
	return t
}

func (j *stubJail) Notify() <-chan struct{} { return j.notify }

func (j *stubJail) BanTimeOf(t *ticket.Ticket, base time.Duration) (time.Duration, int, bool) {
	if j.inc == nil {
		return base, 0, false
	}
	return j.inc(t, base)
}

func (j *stubJail) BanAdded(t *ticket.Ticket, _ time.Duration) {
	j.mu.Lock()
	j.added = append(j.added, t)
	j.mu.Unlock()
}

func (j *stubJail) BanRemoved(t *ticket.Ticket) {
	j.mu.Lock()
	j.removed = append(j.removed, t)
	j.mu.Unlock()
}

func (j *stubJail) Matches() MatchSource { return j.db }

func (j *stubJail) counts() (added, removed int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.added), len(j.removed)
}

func failTicket(t *testing.T, ip string, at int64, attempts int) *ticket.Ticket {
	t.Helper()
	addr, err := ipaddr.Parse(ip)
	require.NoError(t, err)
	ft := ticket.NewFailTicket(addr, time.Unix(at, 0), []string{"Failed password from " + ip})
	ft.Attempts = attempts
	return ft
}

func newWorker(t *testing.T, j *stubJail) *Actions {
	t.Helper()
	a := NewActions(j)
	a.SetSleepTime(10 * time.Millisecond)
	t.Cleanup(func() {
		a.Stop()
		a.Join(2 * time.Second)
		clock.Reset()
	})
	return a
}

// =========================================================================
//  Worker
// =========================================================================

func TestBanAndUnbanOrder(t *testing.T) {
	clock.SetUnix(1002)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	first, second := newRecAction("first", l), newRecAction("second", l)
	require.NoError(t, a.AddAction("first", first))
	require.NoError(t, a.AddAction("second", second))
	require.NoError(t, a.SetBanTime(600*time.Second))

	a.Start()
	j.put(failTicket(t, "192.0.2.7", 1002, 3))

	require.Eventually(t, func() bool { return a.BanManager().Size() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { added, _ := j.counts(); return added == 1 }, 2*time.Second, 5*time.Millisecond)

	info := first.lastInfo()
	assert.Equal(t, "192.0.2.7", info["ip"])
	assert.Equal(t, "3", info["failures"])
	assert.Equal(t, "600", info["bantime"])
	assert.Equal(t, "1", info["bancount"])

	clock.SetUnix(1601)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.BanManager().Size(), "ban lifted before its end")

	clock.SetUnix(1602)
	require.Eventually(t, func() bool { _, removed := j.counts(); return removed == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"first.start", "second.start",
		"first.ban 192.0.2.7", "second.ban 192.0.2.7",
		"second.unban 192.0.2.7", "first.unban 192.0.2.7",
	}, l.get())
}

func TestAlreadyBannedIsIgnored(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	require.NoError(t, a.AddAction("rec", newRecAction("rec", l)))

	ctx := context.Background()
	assert.True(t, a.banTicket(ctx, failTicket(t, "192.0.2.7", 1000, 3)))
	assert.False(t, a.banTicket(ctx, failTicket(t, "192.0.2.7", 1000, 3)))
	assert.Equal(t, 1, l.count("rec.ban 192.0.2.7"))
	assert.Equal(t, 1, a.BanManager().BanTotal())
}

func TestBanTimeIncrementApplied(t *testing.T) {
	clock.SetUnix(5000)
	j := newStubJail()
	j.inc = func(t *ticket.Ticket, base time.Duration) (time.Duration, int, bool) {
		return 2 * base, 1, true
	}
	a := newWorker(t, j)
	l := &callLog{}
	rec := newRecAction("rec", l)
	require.NoError(t, a.AddAction("rec", rec))

	require.True(t, a.banTicket(context.Background(), failTicket(t, "192.0.2.8", 5000, 3)))
	info := rec.lastInfo()
	assert.Equal(t, "1200", info["bantime"])
	assert.Equal(t, "2", info["bancount"])

	bt := a.BanManager().Get("192.0.2.8")
	require.NotNil(t, bt)
	assert.True(t, bt.BanTimeIncremented)
	assert.Equal(t, 1200*time.Second, bt.BanTime)
}

func TestRestoredTickets(t *testing.T) {
	clock.SetUnix(2000)
	j := newStubJail()
	called := false
	j.inc = func(*ticket.Ticket, time.Duration) (time.Duration, int, bool) {
		called = true
		return 0, 0, false
	}
	a := newWorker(t, j)
	l := &callLog{}
	plain := newRecAction("plain", l)
	skip := newRecAction("skip", l)
	require.NoError(t, skip.SetProperty("norestored", "true"))
	require.NoError(t, a.AddAction("plain", plain))
	require.NoError(t, a.AddAction("skip", skip))

	rt := failTicket(t, "192.0.2.5", 1990, 3)
	rt.Restored = true
	rt.BanTime = 130 * time.Second
	rt.BanCount = 2
	require.True(t, a.banTicket(context.Background(), rt))

	assert.False(t, called, "restored tickets keep their stored ban time")
	assert.Equal(t, []string{"plain.ban 192.0.2.5"}, l.get())
	info := plain.lastInfo()
	assert.Equal(t, "1", info["restored"])
	assert.Equal(t, "2", info["bancount"])

	expired := failTicket(t, "192.0.2.6", 1000, 3)
	expired.Restored = true
	expired.BanTime = 60 * time.Second
	assert.False(t, a.banTicket(context.Background(), expired))
	assert.Equal(t, 1, a.BanManager().Size())
}

func TestCheckFailureRestartsAction(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	rec := newRecAction("rec", l)
	rec.checkOK = false
	require.NoError(t, a.AddAction("rec", rec))

	a.banTicket(context.Background(), failTicket(t, "192.0.2.9", 1000, 3))
	assert.Equal(t, []string{"rec.stop", "rec.start", "rec.ban 192.0.2.9"}, l.get())
}

func TestActionErrorDoesNotStopOthers(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	require.NoError(t, a.AddAction("bad", failingAction{newRecAction("bad", l)}))
	require.NoError(t, a.AddAction("good", newRecAction("good", l)))

	assert.True(t, a.banTicket(context.Background(), failTicket(t, "192.0.2.9", 1000, 3)))
	assert.Equal(t, []string{"good.ban 192.0.2.9"}, l.get())
	added, _ := j.counts()
	assert.Equal(t, 1, added)
}

func TestProlong(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	require.NoError(t, a.AddAction("plain", newRecAction("plain", l)))
	require.NoError(t, a.AddAction("pro", prolongAction{newRecAction("pro", l)}))

	ctx := context.Background()
	require.True(t, a.banTicket(ctx, failTicket(t, "192.0.2.7", 1000, 3)))

	// a later failure with a longer ban extends the active one
	ft := failTicket(t, "192.0.2.7", 1100, 3)
	ft.BanTime = 1200 * time.Second
	assert.False(t, a.banTicket(ctx, ft))
	assert.Equal(t, 1, l.count("pro.prolong 192.0.2.7 1300"))
	assert.Equal(t, 1, a.BanManager().ProlongTotal())

	// increment applied later by the observer
	pt := a.BanManager().Get("192.0.2.7")
	pt.BanTime = 2400 * time.Second
	a.ProlongBan(pt)
	assert.Equal(t, 1, l.count("pro.prolong 192.0.2.7 2400"))
	eob, ok := a.BanManager().Get("192.0.2.7").EndOfBan(a.BanTime())
	require.True(t, ok)
	assert.Equal(t, int64(3400), eob.Unix())

	a.ProlongBan(failTicket(t, "192.0.2.99", 1000, 1))
	assert.Equal(t, 2, len(filterPrefix(l.get(), "pro.prolong")))
}

func filterPrefix(calls []string, prefix string) []string {
	var out []string
	for _, c := range calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func TestStopFlushesBans(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := NewActions(j)
	a.SetSleepTime(10 * time.Millisecond)
	defer clock.Reset()
	l := &callLog{}
	require.NoError(t, a.AddAction("fw", flushAction{newRecAction("fw", l)}))
	require.NoError(t, a.AddAction("mail", newRecAction("mail", l)))

	a.Start()
	j.put(failTicket(t, "192.0.2.1", 1000, 3))
	j.put(failTicket(t, "192.0.2.2", 1000, 3))
	require.Eventually(t, func() bool { return a.BanManager().Size() == 2 }, 2*time.Second, 5*time.Millisecond)

	a.Stop()
	require.True(t, a.Join(2*time.Second))

	assert.Equal(t, 0, a.BanManager().Size())
	assert.Equal(t, 1, l.count("fw.flush"))
	assert.Equal(t, 0, l.count("fw.unban 192.0.2.1"))
	assert.Equal(t, 1, l.count("mail.unban 192.0.2.1"))
	assert.Equal(t, 1, l.count("mail.unban 192.0.2.2"))
	assert.Equal(t, 1, l.count("fw.stop"))
	assert.Equal(t, 1, l.count("mail.stop"))

	// stopping twice has no effect
	a.Stop()
	assert.Equal(t, 1, l.count("mail.stop"))
}

func TestRemoveBannedIP(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	require.NoError(t, a.AddAction("rec", newRecAction("rec", l)))

	ctx := context.Background()
	a.banTicket(ctx, failTicket(t, "192.0.2.1", 1000, 3))
	a.banTicket(ctx, failTicket(t, "192.0.2.2", 1000, 3))

	n, err := a.RemoveBannedIP("192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = a.RemoveBannedIP("192.0.2.1")
	assert.ErrorIs(t, err, ErrNotBanned)

	assert.Equal(t, 1, a.UnbanAll())
	assert.Equal(t, 1, l.count("rec.unban 192.0.2.2"))
	assert.Equal(t, 0, a.BanManager().Size())
}

func TestActionList(t *testing.T) {
	j := newStubJail()
	a := newWorker(t, j)
	l := &callLog{}
	require.NoError(t, a.AddAction("a", newRecAction("a", l)))
	require.NoError(t, a.AddAction("b", newRecAction("b", l)))
	assert.ErrorIs(t, a.AddAction("a", newRecAction("a", l)), ErrDuplicateAction)
	assert.Equal(t, []string{"a", "b"}, a.Names())

	_, err := a.GetAction("c")
	assert.ErrorIs(t, err, ErrNoAction)
	require.NoError(t, a.DelAction("a"))
	assert.Equal(t, []string{"b"}, a.Names())
	assert.ErrorIs(t, a.DelAction("a"), ErrNoAction)
}

func TestSetBanTime(t *testing.T) {
	a := NewActions(newStubJail())
	tests := []struct {
		in      time.Duration
		wantErr bool
	}{
		{600 * time.Second, false},
		{ticket.Permanent, false},
		{0, true},
		{-5 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			err := a.SetBanTime(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, a.BanTime())
		})
	}
}

func TestStatus(t *testing.T) {
	clock.SetUnix(1000)
	j := newStubJail()
	a := newWorker(t, j)
	a.banTicket(context.Background(), failTicket(t, "192.0.2.1", 1000, 3))
	st := a.Status()
	require.Len(t, st, 3)
	assert.Equal(t, "Currently banned", st[0][0])
	assert.Equal(t, 1, st[0][1])
	assert.Equal(t, []string{"192.0.2.1"}, st[2][1])
}
