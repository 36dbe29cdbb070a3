package banmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

func banTicket(ip string, sec int64, bantime time.Duration) *ticket.Ticket {
	t := ticket.NewBanTicket(ticket.NewFailTicket(ipaddr.New(ip), time.Unix(sec, 0), nil))
	t.BanTime = bantime
	return t
}

func TestAddAndUnban(t *testing.T) {
	m := New()
	m.SetBanTime(600 * time.Second)

	added, stored := m.AddBanTicket(banTicket("192.0.2.7", 1000, 0))
	require.True(t, added)
	assert.Equal(t, 1, stored.BanCount)
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, int64(1600), m.NextUnbanTime().Unix())

	assert.Empty(t, m.UnBanList(time.Unix(1599, 0)))
	lst := m.UnBanList(time.Unix(1600, 0))
	require.Len(t, lst, 1)
	assert.Equal(t, "192.0.2.7", lst[0].ID)
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.NextUnbanTime().IsZero())
	assert.Equal(t, 1, m.BanTotal())
}

func TestProlongKeepsStart(t *testing.T) {
	m := New()
	m.SetBanTime(600 * time.Second)
	m.AddBanTicket(banTicket("192.0.2.7", 1000, 0))

	added, stored := m.AddBanTicket(banTicket("192.0.2.7", 1100, 600*time.Second))
	assert.False(t, added)
	assert.Equal(t, int64(1000), stored.Time.Unix())
	assert.Equal(t, 700*time.Second, stored.BanTime)
	assert.Equal(t, 1, m.ProlongTotal())
	eob, _ := stored.EndOfBan(m.BanTime())
	assert.Equal(t, int64(1700), eob.Unix())

	// earlier end of ban leaves the ticket alone
	added, stored = m.AddBanTicket(banTicket("192.0.2.7", 1001, 60*time.Second))
	assert.False(t, added)
	assert.Equal(t, 700*time.Second, stored.BanTime)
	assert.Equal(t, 1, m.ProlongTotal())
	assert.Equal(t, 1, m.BanTotal())

	assert.Empty(t, m.UnBanList(time.Unix(1600, 0)))
	assert.Len(t, m.UnBanList(time.Unix(1700, 0)), 1)
}

func TestProlongToPermanent(t *testing.T) {
	m := New()
	m.AddBanTicket(banTicket("192.0.2.7", 1000, 0))
	_, stored := m.AddBanTicket(banTicket("192.0.2.7", 1001, ticket.Permanent))
	assert.Equal(t, ticket.Permanent, stored.BanTime)
	assert.Empty(t, m.UnBanList(time.Unix(1<<40, 0)))
}

func TestPermanentJail(t *testing.T) {
	m := New()
	m.SetBanTime(ticket.Permanent)
	m.AddBanTicket(banTicket("192.0.2.7", 1000, 0))
	assert.Empty(t, m.UnBanList(time.Unix(1<<40, 0)))
	assert.Equal(t, 1, m.Size())
}

func TestNoTimedOutBansRemain(t *testing.T) {
	m := New()
	m.SetBanTime(100 * time.Second)
	for i, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"} {
		m.AddBanTicket(banTicket(ip, int64(1000+i*50), 0))
	}
	now := time.Unix(1200, 0)
	m.UnBanList(now)
	for _, tk := range m.Tickets() {
		assert.False(t, tk.IsTimedOut(now, m.BanTime()), tk.ID)
	}
	assert.Equal(t, []string{"192.0.2.4"}, m.BanList())
}

func TestFlushAndGetByID(t *testing.T) {
	m := New()
	m.AddBanTicket(banTicket("192.0.2.1", 1000, 0))
	m.AddBanTicket(banTicket("192.0.2.2", 1001, 0))
	m.AddBanTicket(banTicket("192.0.2.3", 1002, 0))

	tk := m.GetTicketByID("192.0.2.2")
	require.NotNil(t, tk)
	assert.Nil(t, m.GetTicketByID("192.0.2.2"))
	assert.False(t, m.Contains("192.0.2.2"))

	flushed := m.FlushBanList()
	require.Len(t, flushed, 2)
	assert.Equal(t, "192.0.2.1", flushed[0].ID)
	assert.Equal(t, 0, m.Size())
}

func TestRestoredKeepsBanCount(t *testing.T) {
	m := New()
	tk := banTicket("192.0.2.1", 1000, 0)
	tk.Restored = true
	tk.BanCount = 3
	_, stored := m.AddBanTicket(tk)
	assert.Equal(t, 3, stored.BanCount)
}

func TestProlongByID(t *testing.T) {
	m := New()
	m.AddBanTicket(banTicket("192.0.2.1", 1000, 0))
	tk, ok := m.Prolong("192.0.2.1", 1200*time.Second)
	require.True(t, ok)
	assert.Equal(t, 1200*time.Second, tk.BanTime)
	assert.Equal(t, int64(2200), m.NextUnbanTime().Unix())
	_, ok = m.Prolong("192.0.2.9", time.Second)
	assert.False(t, ok)
}
