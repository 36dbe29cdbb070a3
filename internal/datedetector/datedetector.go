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

// Package datedetector locates and parses timestamps in log lines.
package datedetector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var log = logging.GetLogger("fail2ban.datedetector")

// A located timestamp.
type Match struct {
	Start, End int
	Time       time.Time
	Template   string
}

type entry struct {
	tpl  Template
	hits uint64
}

// Ordered template list; templates that hit often move to the front.
type Detector struct {
	mu        sync.Mutex
	templates []*entry
	disabled  bool
	pattern   string
	loc       *time.Location
}

// Returns a detector with the built-in templates in local time.
func New() *Detector {
	d := &Detector{loc: time.Local}
	d.reset()
	return d
}

func (d *Detector) reset() {
	d.templates = d.templates[:0]
	for _, t := range defaultTemplates() {
		d.templates = append(d.templates, &entry{tpl: t})
	}
	d.disabled = false
}

// Replaces the templates by a single pattern. "" restores the defaults,
// "none" or "{NONE}" disables detection so every line gets the current time.
func (d *Detector) SetPattern(pattern string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := strings.TrimSpace(pattern)
	switch {
	case p == "":
		d.reset()
	case strings.EqualFold(p, "none") || strings.EqualFold(p, "{NONE}"):
		d.templates = nil
		d.disabled = true
	default:
		tpl, ok := namedTemplate(p)
		if !ok {
			var err error
			tpl, err = NewPatternTemplate("", p)
			if err != nil {
				return err
			}
		}
		d.templates = []*entry{{tpl: tpl}}
		d.disabled = false
	}
	d.pattern = p
	log.Debugf("  date pattern set to %q", p)
	return nil
}

// Returns the configured pattern ("" for the defaults).
func (d *Detector) Pattern() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pattern
}

// Returns true when date detection is switched off.
func (d *Detector) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

// Appends a template after the existing ones.
func (d *Detector) AppendTemplate(t Template) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.templates = append(d.templates, &entry{tpl: t})
	d.disabled = false
}

// Sets the zone applied to dates without an explicit offset.
// Accepts "", "UTC", "UTC+HHMM", "UTC-HH:MM" or an IANA name.
func (d *Detector) SetTimezone(tz string) error {
	loc, err := ParseTimezone(tz)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.loc = loc
	d.mu.Unlock()
	return nil
}

// Returns the zone applied to dates without an explicit offset.
func (d *Detector) Timezone() *time.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loc
}

var utcOffset = regexp.MustCompile(`^(?:UTC|GMT)?\s*([+-])(\d{2}):?(\d{2})?$`)

// Parses a log timezone specification.
func ParseTimezone(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	switch strings.ToUpper(tz) {
	case "", "LOCAL":
		return time.Local, nil
	case "UTC", "GMT", "Z":
		return time.UTC, nil
	}
	if m := utcOffset.FindStringSubmatch(strings.ToUpper(tz)); m != nil {
		hh, _ := strconv.Atoi(m[2])
		mm := 0
		if m[3] != "" {
			mm, _ = strconv.Atoi(m[3])
		}
		off := hh*3600 + mm*60
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(tz, off), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid log timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Finds the first template that matches line. The matching template's hit
// counter is bumped and it moves ahead of templates with fewer hits.
func (d *Detector) MatchTime(line string) (Match, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disabled {
		return Match{}, false
	}
	now := clock.Now()
	for i, e := range d.templates {
		start, end, t, ok := e.tpl.Match(line, now, d.loc)
		if !ok {
			continue
		}
		e.hits++
		for j := i; j > 0 && d.templates[j].hits > d.templates[j-1].hits; j-- {
			d.templates[j], d.templates[j-1] = d.templates[j-1], d.templates[j]
		}
		return Match{Start: start, End: end, Time: t, Template: e.tpl.Name()}, true
	}
	return Match{}, false
}

// Returns only the instant found in line.
func (d *Detector) GetTime(line string) (time.Time, bool) {
	m, ok := d.MatchTime(line)
	return m.Time, ok
}

// Returns template names in their current order.
func (d *Detector) Templates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.templates))
	for i, e := range d.templates {
		out[i] = e.tpl.Name()
	}
	return out
}
