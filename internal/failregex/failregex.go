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

// Package failregex compiles failure patterns with <HOST>-style tags and
// matches them over a rolling multi-line buffer.
package failregex

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNoHostGroup = errors.New("no host group found in regex")
	ErrEmptyRegex  = errors.New("empty regex")
)

// Address sub-expressions. Go regexp has no look-behind, so the IPv6 form
// is permissive and validated later by the address parser.
const (
	reIP4 = `(?:\d{1,3}\.){3}\d{1,3}`
	reIP6 = `[0-9a-fA-F]{0,4}(?::[0-9a-fA-F]{0,4}){2,7}(?:%\w+)?`
	reDNS = `[\w\-.^]*\w`
)

var tagExpansions = map[string]string{
	"HOST": `(?:::f{4,6}:)?\[?(?P<host>` + reIP4 + `|` + reIP6 + `|` + reDNS + `)\]?`,
	"ADDR": `(?:::f{4,6}:)?(?:(?P<ip4>` + reIP4 + `)|\[?(?P<ip6>` + reIP6 + `)\]?)`,
	"IP4":  `(?:::f{4,6}:)?(?P<ip4>` + reIP4 + `)`,
	"IP6":  `\[?(?P<ip6>` + reIP6 + `)\]?`,
	"DNS":  `(?P<dns>` + reDNS + `)`,
}

// Group names that identify the failing origin, in resolution order.
var IDGroups = []string{"fid", "ip4", "ip6", "host", "dns"}

var tagPattern = regexp.MustCompile(`<(/?)(HOST|ADDR|IP4|IP6|DNS|SKIPLINES|F-[A-Za-z0-9_-]+)(/?)>`)

const skipPrefix = "skiplines"

func customGroupName(tag string) string {
	name := strings.TrimPrefix(tag, "F-")
	switch name {
	case "ID":
		return "fid"
	case "PORT":
		return "fport"
	}
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

// Rewrites an author-facing pattern into Go regexp syntax. Returns the
// rewritten text and the number of <SKIPLINES> splice points.
func Expand(pattern string) (string, int, error) {
	var firstErr error
	skips := 0
	out := tagPattern.ReplaceAllStringFunc(pattern, func(tag string) string {
		m := tagPattern.FindStringSubmatch(tag)
		closing, name, selfClosing := m[1] == "/", m[2], m[3] == "/"
		if closing && !strings.HasPrefix(name, "F-") {
			if firstErr == nil {
				firstErr = fmt.Errorf("unexpected closing tag %s in %q", tag, pattern)
			}
			return tag
		}
		if exp, ok := tagExpansions[name]; ok {
			return exp
		}
		if name == "SKIPLINES" {
			g := fmt.Sprintf(`\n(?P<%s%d>(?:.*\n)*?)`, skipPrefix, skips)
			skips++
			return g
		}
		group := customGroupName(name)
		switch {
		case closing:
			return ")"
		case selfClosing && group == "fport":
			return `(?P<fport>\w+)`
		case selfClosing:
			return `(?P<` + group + `>\S+)`
		}
		return `(?P<` + group + `>`
	})
	if firstErr != nil {
		return "", 0, firstErr
	}
	return out, skips, nil
}

// A physical log line split around its timestamp.
type Line struct {
	Prefix, Date, Suffix string
}

// Returns the line without its timestamp, the text patterns are matched on.
func (l Line) Text() string {
	return l.Prefix + l.Suffix
}

// Returns the original line.
func (l Line) Full() string {
	return l.Prefix + l.Date + l.Suffix
}

// A compiled pattern.
type Regex struct {
	pattern string
	re      *regexp.Regexp
	skips   int
}

// Compiles a pattern. Lines are matched with ^ and $ bound to line edges.
func Compile(pattern string) (*Regex, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, ErrEmptyRegex
	}
	expanded, skips, err := Expand(pattern)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?m)" + expanded)
	if err != nil {
		return nil, fmt.Errorf("unable to compile regular expression %q: %w", pattern, err)
	}
	return &Regex{pattern: pattern, re: re, skips: skips}, nil
}

// Compiles a failure pattern, which must capture an origin.
func CompileFail(pattern string) (*Regex, error) {
	r, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	if !r.HasIDGroup() {
		return nil, fmt.Errorf("%w: %q", ErrNoHostGroup, pattern)
	}
	return r, nil
}

// Returns the author-facing pattern.
func (r *Regex) String() string {
	return r.pattern
}

// Returns true when the pattern names at least one origin group.
func (r *Regex) HasIDGroup() bool {
	for _, g := range IDGroups {
		if r.re.SubexpIndex(g) >= 0 {
			return true
		}
	}
	return false
}

// Outcome of a successful search.
type Result struct {
	Groups    map[string]string
	Matched   []Line
	Unmatched []Line
}

// Returns a captured group, or "" when it did not participate.
func (res *Result) Group(name string) string {
	return res.Groups[name]
}

// Returns the matched lines in their original form.
func (res *Result) MatchedLines() []string {
	out := make([]string, len(res.Matched))
	for i, l := range res.Matched {
		out[i] = l.Full()
	}
	return out
}

// Searches the lines, joined by newlines, for the pattern. Returns nil on
// no match. Lines captured by <SKIPLINES> count as unmatched.
func (r *Regex) Search(lines []Line) *Result {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text())
		b.WriteByte('\n')
	}
	text := b.String()
	idx := r.re.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil
	}

	res := &Result{Groups: make(map[string]string)}
	var skipped []string
	for i, name := range r.re.SubexpNames() {
		if name == "" || idx[2*i] < 0 {
			continue
		}
		v := text[idx[2*i]:idx[2*i+1]]
		if strings.HasPrefix(name, skipPrefix) {
			if v != "" {
				skipped = append(skipped, strings.Split(strings.TrimSuffix(v, "\n"), "\n")...)
			}
			continue
		}
		if res.Groups[name] == "" {
			res.Groups[name] = v
		}
	}

	start, end := idx[0], idx[1]
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	lineEnd := len(text)
	if end > 0 {
		if i := strings.IndexByte(text[end-1:], '\n'); i >= 0 {
			lineEnd = end - 1 + i + 1
		}
	}
	first := strings.Count(text[:lineStart], "\n")
	last := strings.Count(text[:lineEnd], "\n")
	if last < first {
		last = first
	}

	res.Matched = append([]Line(nil), lines[first:last]...)
	res.Unmatched = append([]Line(nil), lines[:first]...)
	n := 0
	for _, s := range skipped {
		for m := n; m < len(res.Matched); m++ {
			if res.Matched[m].Text() == s {
				res.Unmatched = append(res.Unmatched, res.Matched[m])
				res.Matched = append(res.Matched[:m], res.Matched[m+1:]...)
				n = m
				break
			}
		}
	}
	res.Unmatched = append(res.Unmatched, lines[last:]...)
	return res
}

// Reports whether the pattern matches any of the lines.
func (r *Regex) MatchLines(lines []Line) bool {
	return r.Search(lines) != nil
}
