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

package datedetector

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =========================================================================
//  Templates
// =========================================================================

// Finds and parses a timestamp inside a log line.
type Template interface {
	Name() string
	// Returns the byte span of the date in line and the instant it denotes.
	Match(line string, now time.Time, loc *time.Location) (start, end int, t time.Time, ok bool)
}

// Directive expansions; duplicate group names are allowed and the first
// non-empty capture wins.
var directives = map[byte]string{
	'Y': `(?P<Y>\d{4})`,
	'y': `(?P<y>\d{2})`,
	'm': `(?P<m>1[0-2]|0?[1-9])`,
	'd': `(?P<d>3[01]|[12]\d|0?[1-9])`,
	'e': `(?P<d>3[01]|[12]\d| ?[1-9])`,
	'H': `(?P<H>2[0-3]|[01]\d|\d)`,
	'I': `(?P<I>1[0-2]|0?[1-9])`,
	'M': `(?P<M>[0-5]\d)`,
	'S': `(?P<S>6[01]|[0-5]\d)`,
	'f': `(?P<f>\d+)`,
	'b': `(?P<b>(?i:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?)`,
	'B': `(?P<b>(?i:january|february|march|april|may|june|july|august|september|october|november|december))`,
	'a': `(?i:mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?`,
	'A': `(?i:monday|tuesday|wednesday|thursday|friday|saturday|sunday)`,
	'p': `(?P<p>[AaPp][Mm])`,
	'z': `(?P<z>Z|[+-]\d{2}(?::?\d{2})?)`,
	'Z': `(?P<Z>[A-Z]{3,5})`,
	's': `(?P<s>\d{10}(?:\.\d{1,9})?)`,
	'%': `%`,
}

// Expands %-directives inside a regular expression.
func expandPattern(pattern string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(pattern) {
			return "", fmt.Errorf("dangling %% in date pattern %q", pattern)
		}
		i++
		exp, ok := directives[pattern[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in date pattern %q", pattern[i], pattern)
		}
		b.WriteString(exp)
	}
	return b.String(), nil
}

// A template driven by a regular expression with strptime-like directives.
type patternTemplate struct {
	name  string
	re    *regexp.Regexp
	group int // sub-match whose span is reported; 0 is the whole match
}

// Compiles a template from a pattern such as `%Y-%m-%d %H:%M:%S`.
// A leading "{^LN-BEG}" anchors the date at the start of the line.
func NewPatternTemplate(name, pattern string) (Template, error) {
	anchor := ""
	if rest, ok := strings.CutPrefix(pattern, "{^LN-BEG}"); ok {
		anchor, pattern = `^\s*`, rest
	}
	expanded, err := expandPattern(pattern)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(anchor + "(" + expanded + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid date pattern %q: %w", pattern, err)
	}
	if name == "" {
		name = pattern
	}
	return &patternTemplate{name: name, re: re, group: 1}, nil
}

func mustPattern(name, pattern string) Template {
	t, err := NewPatternTemplate(name, pattern)
	if err != nil {
		panic(err)
	}
	return t
}

func (p *patternTemplate) Name() string {
	return p.name
}

func (p *patternTemplate) Match(line string, now time.Time, loc *time.Location) (int, int, time.Time, bool) {
	idx := p.re.FindStringSubmatchIndex(line)
	if idx == nil {
		return 0, 0, time.Time{}, false
	}
	groups := make(map[string]string)
	for i, name := range p.re.SubexpNames() {
		if name == "" || idx[2*i] < 0 {
			continue
		}
		if _, seen := groups[name]; !seen {
			groups[name] = line[idx[2*i]:idx[2*i+1]]
		}
	}
	t, err := buildTime(groups, now, loc)
	if err != nil {
		return 0, 0, time.Time{}, false
	}
	return idx[2*p.group], idx[2*p.group+1], t, true
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// Turns captured fields into an instant; missing year follows the year elision rule.
func buildTime(g map[string]string, now time.Time, loc *time.Location) (time.Time, error) {
	if s, ok := g["s"]; ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	}

	if z, ok := g["z"]; ok {
		zone, err := parseZone(z)
		if err != nil {
			return time.Time{}, err
		}
		loc = zone
	} else if z, ok := g["Z"]; ok && (z == "UTC" || z == "GMT") {
		loc = time.UTC
	}

	year, hasYear := 0, false
	if y, ok := g["Y"]; ok {
		year, _ = strconv.Atoi(y)
		hasYear = true
	} else if y, ok := g["y"]; ok {
		v, _ := strconv.Atoi(y)
		year, hasYear = 2000+v, true
	}
	month := time.January
	if m, ok := g["m"]; ok {
		v, _ := strconv.Atoi(m)
		month = time.Month(v)
	} else if b, ok := g["b"]; ok && len(b) >= 3 {
		mm, found := monthNames[strings.ToLower(b[:3])]
		if !found {
			return time.Time{}, fmt.Errorf("unknown month %q", b)
		}
		month = mm
	}
	day := 1
	if d, ok := g["d"]; ok {
		day, _ = strconv.Atoi(strings.TrimSpace(d))
	}
	hour := 0
	if h, ok := g["H"]; ok {
		hour, _ = strconv.Atoi(h)
	} else if h, ok := g["I"]; ok {
		hour, _ = strconv.Atoi(h)
		hour %= 12
		if p, ok := g["p"]; ok && strings.EqualFold(p, "pm") {
			hour += 12
		}
	}
	minute, _ := strconv.Atoi(g["M"])
	second, _ := strconv.Atoi(g["S"])
	nsec := 0
	if f, ok := g["f"]; ok {
		if len(f) > 9 {
			f = f[:9]
		}
		v, _ := strconv.Atoi(f)
		nsec = v * int(math.Pow10(9-len(f)))
	}

	if !hasYear {
		year = now.In(loc).Year()
	}
	t := time.Date(year, month, day, hour, minute, second, nsec, loc)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid day %d for %s", day, month)
	}
	if !hasYear && t.After(now.Add(time.Minute)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

func parseZone(z string) (*time.Location, error) {
	if z == "Z" {
		return time.UTC, nil
	}
	sign := 1
	if z[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(z[1:], ":", "")
	if len(digits) == 2 {
		digits += "00"
	}
	if len(digits) != 4 {
		return nil, fmt.Errorf("invalid zone %q", z)
	}
	hh, err1 := strconv.Atoi(digits[:2])
	mm, err2 := strconv.Atoi(digits[2:])
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("invalid zone %q", z)
	}
	offset := sign * (hh*3600 + mm*60)
	if offset == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(z, offset), nil
}

// TAI64N labels: '@' followed by 24 hex digits.
type tai64nTemplate struct {
	re *regexp.Regexp
}

func newTAI64NTemplate() Template {
	return &tai64nTemplate{re: regexp.MustCompile(`@([0-9a-fA-F]{16})([0-9a-fA-F]{8})`)}
}

func (t *tai64nTemplate) Name() string {
	return "TAI64N"
}

func (t *tai64nTemplate) Match(line string, _ time.Time, _ *time.Location) (int, int, time.Time, bool) {
	idx := t.re.FindStringSubmatchIndex(line)
	if idx == nil {
		return 0, 0, time.Time{}, false
	}
	secs, err := strconv.ParseUint(line[idx[2]:idx[3]], 16, 64)
	if err != nil || secs < 1<<62 {
		return 0, 0, time.Time{}, false
	}
	nsec, err := strconv.ParseUint(line[idx[4]:idx[5]], 16, 32)
	if err != nil {
		return 0, 0, time.Time{}, false
	}
	return idx[0], idx[1], time.Unix(int64(secs-(1<<62)), int64(nsec)), true
}

// Built-in templates in their initial order.
func defaultTemplates() []Template {
	return []Template{
		mustPattern("ISO8601", `\b%Y-%m-%d[T ]%H:%M:%S(?:[.,]%f)?(?:\s?%z)?`),
		mustPattern("YYYY/MM/DD", `\b%Y/%m/%d[T ]%H:%M:%S(?:[.,]%f)?`),
		mustPattern("SYSLOG", `\b(?:%a\s+)?%b\s+%e(?:\s+%Y)?\s+%H:%M:%S(?:\.%f)?(?:\s+%Y\b)?`),
		mustPattern("DD/Mon/YYYY", `\b%d/%b/%Y:%H:%M:%S(?:\s*%z)?`),
		mustPattern("DD-MM-YYYY", `\b%d-%m-%Y\s+%H:%M:%S`),
		mustPattern("YYMMDD", `\b%y%m%d {1,2}%H:%M:%S`),
		newTAI64NTemplate(),
		mustPattern("EPOCH", `(?:^|\[|audit\(|\b)%s(?:\]|:\d+\)|\b)`),
	}
}

// Named single-template shortcuts accepted as date patterns.
func namedTemplate(name string) (Template, bool) {
	switch strings.Trim(strings.ToUpper(name), "{}") {
	case "EPOCH":
		return mustPattern("EPOCH", `(?:^|\[|audit\(|\b)%s(?:\]|:\d+\)|\b)`), true
	case "TAI64N":
		return newTAI64NTemplate(), true
	case "ISO8601":
		return mustPattern("ISO8601", `\b%Y-%m-%d[T ]%H:%M:%S(?:[.,]%f)?(?:\s?%z)?`), true
	}
	return nil, false
}
