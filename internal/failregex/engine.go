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

package failregex

import (
	"fmt"
	"sync"
	"time"
)

// One fail-regex hit.
type Failure struct {
	RegexIndex int
	Groups     map[string]string
	Time       time.Time
	Matches    []string
}

// Returns the first non-empty origin group and its name.
func (f Failure) ID() (group, value string) {
	for _, g := range IDGroups {
		if v := f.Groups[g]; v != "" {
			return g, v
		}
	}
	return "", ""
}

// Returns the captures that are not origin groups, stored as ticket data.
func (f Failure) Data() map[string]string {
	out := make(map[string]string)
	for k, v := range f.Groups {
		switch k {
		case "host", "ip4", "ip6", "dns":
			continue
		}
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Fail and ignore patterns plus the rolling line buffer of one jail.
type Engine struct {
	mu       sync.Mutex
	fail     []*Regex
	ignore   []*Regex
	maxLines int
	buffer   []Line
}

func NewEngine() *Engine {
	return &Engine{maxLines: 1}
}

func (e *Engine) AddFailRegex(pattern string) error {
	r, err := CompileFail(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.fail = append(e.fail, r)
	e.mu.Unlock()
	return nil
}

func (e *Engine) DelFailRegex(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.fail) {
		return fmt.Errorf("cannot remove regular expression. Index %d is not valid", index)
	}
	e.fail = append(e.fail[:index], e.fail[index+1:]...)
	return nil
}

func (e *Engine) FailRegexes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return patterns(e.fail)
}

func (e *Engine) AddIgnoreRegex(pattern string) error {
	r, err := Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ignore = append(e.ignore, r)
	e.mu.Unlock()
	return nil
}

func (e *Engine) DelIgnoreRegex(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.ignore) {
		return fmt.Errorf("cannot remove regular expression. Index %d is not valid", index)
	}
	e.ignore = append(e.ignore[:index], e.ignore[index+1:]...)
	return nil
}

func (e *Engine) IgnoreRegexes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return patterns(e.ignore)
}

func patterns(rs []*Regex) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

// Sets the number of physical lines kept for multi-line patterns.
func (e *Engine) SetMaxLines(n int) error {
	if n < 1 {
		return fmt.Errorf("maxlines must be at least 1, got %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxLines = n
	if len(e.buffer) > n {
		e.buffer = e.buffer[len(e.buffer)-n:]
	}
	return nil
}

func (e *Engine) MaxLines() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLines
}

// Drops buffered lines, e.g. after a rotation.
func (e *Engine) ResetBuffer() {
	e.mu.Lock()
	e.buffer = nil
	e.mu.Unlock()
}

// Returns the index of the first ignore pattern matching lines, or -1.
func (e *Engine) ignoredBy(lines []Line) int {
	for i, r := range e.ignore {
		if r.MatchLines(lines) {
			return i
		}
	}
	return -1
}

// Pushes line into the buffer and returns the failures it completes.
// ignoredBy reports the ignore pattern that discarded the line or a
// match, -1 if none did.
func (e *Engine) Process(line Line, t time.Time) (failures []Failure, ignoredBy int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, line)
	if len(e.buffer) > e.maxLines {
		e.buffer = append([]Line(nil), e.buffer[len(e.buffer)-e.maxLines:]...)
	}
	ignoredBy = -1
	if i := e.ignoredBy([]Line{line}); i >= 0 {
		return nil, i
	}
	for idx, r := range e.fail {
		res := r.Search(e.buffer)
		if res == nil {
			continue
		}
		e.buffer = res.Unmatched
		if i := e.ignoredBy(res.Matched); i >= 0 {
			ignoredBy = i
			continue
		}
		failures = append(failures, Failure{
			RegexIndex: idx,
			Groups:     res.Groups,
			Time:       t,
			Matches:    res.MatchedLines(),
		})
	}
	return failures, ignoredBy
}
