package failregex

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(texts ...string) []Line {
	out := make([]Line, len(texts))
	for i, s := range texts {
		out[i] = Line{Suffix: s}
	}
	return out
}

func TestHostTag(t *testing.T) {
	r, err := CompileFail(`Failed password for .* from <HOST>( port \d+)?$`)
	require.NoError(t, err)

	tests := []struct {
		line string
		host string
	}{
		{"Failed password for root from 192.0.2.7 port 22", "192.0.2.7"},
		{"Failed password for root from ::ffff:192.0.2.8 port 22", "192.0.2.8"},
		{"Failed password for root from 2001:db8::1 port 22", "2001:db8::1"},
		{"Failed password for root from [2001:db8::2] port 22", "2001:db8::2"},
		{"Failed password for root from attacker.example.org", "attacker.example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			res := r.Search(lines(tt.line))
			require.NotNil(t, res)
			assert.Equal(t, tt.host, res.Group("host"))
		})
	}
	assert.Nil(t, r.Search(lines("Accepted password for root from 192.0.2.7")))
}

func TestNoHostGroup(t *testing.T) {
	_, err := CompileFail(`Failed password for .*`)
	assert.True(t, errors.Is(err, ErrNoHostGroup))

	_, err = Compile(`Failed password for .*`)
	assert.NoError(t, err)

	_, err = Compile(" ")
	assert.ErrorIs(t, err, ErrEmptyRegex)

	_, err = Compile(`broken (<HOST>`)
	assert.Error(t, err)

	_, err = Compile(`x </HOST>`)
	assert.Error(t, err)
}

func TestCustomTags(t *testing.T) {
	r, err := CompileFail(`user <F-USER>\w+</F-USER> from <ADDR> port <F-PORT/>`)
	require.NoError(t, err)
	res := r.Search(lines("user admin from 192.0.2.9 port 2222"))
	require.NotNil(t, res)
	assert.Equal(t, "admin", res.Group("user"))
	assert.Equal(t, "192.0.2.9", res.Group("ip4"))
	assert.Equal(t, "2222", res.Group("fport"))

	r, err = CompileFail(`session <F-ID>[0-9a-f]+</F-ID> rejected`)
	require.NoError(t, err)
	res = r.Search(lines("session deadbeef rejected"))
	require.NotNil(t, res)
	f := Failure{Groups: res.Groups}
	g, v := f.ID()
	assert.Equal(t, "fid", g)
	assert.Equal(t, "deadbeef", v)
	assert.Equal(t, map[string]string{"fid": "deadbeef"}, f.Data())
}

func TestMatchedAndUnmatchedLines(t *testing.T) {
	r, err := CompileFail(`^start <HOST><SKIPLINES>^end$`)
	require.NoError(t, err)
	buf := lines("noise", "start 192.0.2.3", "middle", "end", "tail")
	res := r.Search(buf)
	require.NotNil(t, res)
	assert.Equal(t, "192.0.2.3", res.Group("host"))
	assert.Equal(t, []string{"start 192.0.2.3", "end"}, res.MatchedLines())
	var unmatched []string
	for _, l := range res.Unmatched {
		unmatched = append(unmatched, l.Text())
	}
	assert.Equal(t, []string{"noise", "middle", "tail"}, unmatched)
}

func TestDateIsExcludedFromMatching(t *testing.T) {
	r, err := CompileFail(`^ sshd: fail from <HOST>$`)
	require.NoError(t, err)
	l := Line{Prefix: "", Date: "2026-03-01 10:00:00", Suffix: " sshd: fail from 192.0.2.7"}
	res := r.Search([]Line{l})
	require.NotNil(t, res)
	assert.Equal(t, []string{"2026-03-01 10:00:00 sshd: fail from 192.0.2.7"}, res.MatchedLines())
}

func TestEngineMultiLine(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.SetMaxLines(3))
	require.NoError(t, e.AddFailRegex(`connect from .* \(<HOST>\)\n.*rsync error`))

	now := time.Unix(1000, 0)
	f, ign := e.Process(Line{Suffix: "rsyncd[1]: connect from example.org (192.0.2.10)"}, now)
	assert.Empty(t, f)
	assert.Equal(t, -1, ign)

	f, _ = e.Process(Line{Suffix: "rsyncd[1]: rsync error: auth failed"}, now)
	require.Len(t, f, 1)
	_, host := f[0].ID()
	assert.Equal(t, "192.0.2.10", host)
	assert.Len(t, f[0].Matches, 2)

	// the matched lines left the buffer
	f, _ = e.Process(Line{Suffix: "rsyncd[1]: rsync error: again"}, now)
	assert.Empty(t, f)
}

func TestEngineIgnoreRegex(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.AddFailRegex(`fail from <HOST>`))
	require.NoError(t, e.AddIgnoreRegex(`trusted`))

	f, ign := e.Process(Line{Suffix: "fail from 192.0.2.1 trusted"}, time.Unix(1, 0))
	assert.Empty(t, f)
	assert.Equal(t, 0, ign)

	f, ign = e.Process(Line{Suffix: "fail from 192.0.2.1"}, time.Unix(1, 0))
	assert.Len(t, f, 1)
	assert.Equal(t, -1, ign)

	assert.Equal(t, []string{"trusted"}, e.IgnoreRegexes())
	require.NoError(t, e.DelIgnoreRegex(0))
	assert.Error(t, e.DelIgnoreRegex(0))
	assert.Empty(t, e.IgnoreRegexes())
}

func TestEngineRegexList(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.AddFailRegex(`a <HOST>`))
	require.NoError(t, e.AddFailRegex(`b <HOST>`))
	assert.Error(t, e.AddFailRegex(`c only`))
	assert.Equal(t, []string{"a <HOST>", "b <HOST>"}, e.FailRegexes())
	require.NoError(t, e.DelFailRegex(0))
	assert.Equal(t, []string{"b <HOST>"}, e.FailRegexes())
	assert.Error(t, e.DelFailRegex(5))
	assert.Error(t, e.SetMaxLines(0))
}
