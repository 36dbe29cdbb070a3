package failmanager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

func fail(ip string, sec int64, line string) *ticket.Ticket {
	return ticket.NewFailTicket(ipaddr.New(ip), time.Unix(sec, 0), []string{line})
}

func TestThresholdPromotion(t *testing.T) {
	m := New()
	m.SetMaxRetry(3)
	m.SetMaxTime(600 * time.Second)

	assert.Equal(t, 1, m.AddFailure(fail("192.0.2.7", 1000, "l1"), 1))
	assert.Equal(t, 2, m.AddFailure(fail("192.0.2.7", 1001, "l2"), 1))
	assert.Nil(t, m.ToBan("192.0.2.7"))
	assert.Nil(t, m.ToBan(""))
	assert.Equal(t, 3, m.AddFailure(fail("192.0.2.7", 1002, "l3"), 1))

	tk := m.ToBan("192.0.2.7")
	require.NotNil(t, tk)
	assert.Equal(t, 3, tk.Attempts)
	assert.Equal(t, int64(1000), tk.FirstTime.Unix())
	assert.Equal(t, int64(1002), tk.Time.Unix())
	assert.Equal(t, []string{"l1", "l2", "l3"}, tk.Matches)
	assert.Equal(t, 0, m.Size())
	assert.Equal(t, 3, m.FailTotal())
	assert.Nil(t, m.ToBan("192.0.2.7"))
}

func TestWindowReset(t *testing.T) {
	m := New()
	m.SetMaxRetry(3)
	m.SetMaxTime(600 * time.Second)

	m.AddFailure(fail("192.0.2.7", 1000, "a"), 1)
	m.AddFailure(fail("192.0.2.7", 1000, "b"), 1)
	assert.Equal(t, 1, m.AddFailure(fail("192.0.2.7", 1700, "c"), 1))
	tk := m.Get("192.0.2.7")
	require.NotNil(t, tk)
	assert.Equal(t, 1, tk.Attempts)
	assert.Equal(t, []string{"c"}, tk.Matches)
	assert.Equal(t, int64(1700), tk.FirstTime.Unix())
	assert.Nil(t, m.ToBan(""))
}

func TestAttemptsMonotonicWithinWindow(t *testing.T) {
	m := New()
	m.SetMaxRetry(100)
	m.SetMaxTime(600 * time.Second)
	prev := 0
	for i := int64(0); i < 20; i++ {
		n := m.AddFailure(fail("192.0.2.7", 1000+i*10, "x"), 1)
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
	assert.Equal(t, 20, prev)
}

func TestCountAndMatchBound(t *testing.T) {
	m := New()
	m.SetMaxRetry(5)
	m.SetMaxMatches(2)
	assert.Equal(t, 4, m.AddFailure(fail("192.0.2.8", 1000, "m1"), 4))
	m.AddFailure(fail("192.0.2.8", 1001, "m2"), 1)
	m.AddFailure(fail("192.0.2.8", 1002, "m3"), 1)
	tk := m.ToBan("")
	require.NotNil(t, tk)
	assert.Equal(t, []string{"m2", "m3"}, tk.Matches)

	m.SetMaxMatches(0)
	m.AddFailure(fail("192.0.2.9", 1000, "dropped"), 1)
	assert.Empty(t, m.Get("192.0.2.9").Matches)
}

func TestCleanup(t *testing.T) {
	m := New()
	m.SetMaxTime(600 * time.Second)
	for i := 0; i < 9; i++ {
		m.AddFailure(fail(fmt.Sprintf("192.0.2.%d", i), 1000, "x"), 1)
	}
	m.AddFailure(fail("198.51.100.1", 1500, "x"), 1)

	m.Cleanup(time.Unix(1599, 0))
	assert.Equal(t, 10, m.Size())
	m.Cleanup(time.Unix(1600, 0))
	assert.Equal(t, 1, m.Size())
	assert.NotNil(t, m.Get("198.51.100.1"))

	m.Cleanup(time.Unix(2100, 0))
	assert.Equal(t, 0, m.Size())
}
