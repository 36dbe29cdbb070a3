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

package config

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
)

// =========================================================================
//  Jail definitions
// =========================================================================

type JailSettings struct {
	Name          string   `yaml:"name"`
	Enabled       *bool    `yaml:"enabled"`
	Backend       string   `yaml:"backend" validate:"omitempty,backend"`
	LogPath       []string `yaml:"logpath"`
	LogTail       bool     `yaml:"logtail"`
	LogEncoding   string   `yaml:"logencoding"`
	JournalMatch  []string `yaml:"journalmatch"`
	FailRegex     []string `yaml:"failregex"`
	IgnoreRegex   []string `yaml:"ignoreregex"`
	IgnoreIP      []string `yaml:"ignoreip"`
	IgnoreSelf    *bool    `yaml:"ignoreself"`
	IgnoreCommand string   `yaml:"ignorecommand"`
	MaxRetry      int      `yaml:"maxretry" validate:"gte=0"`
	FindTime      string   `yaml:"findtime" validate:"omitempty,duration"`
	BanTime       string   `yaml:"bantime" validate:"omitempty,duration"`
	MaxLines      int      `yaml:"maxlines" validate:"gte=0"`
	MaxMatches    int      `yaml:"maxmatches" validate:"gte=0"`
	DatePattern   string   `yaml:"datepattern"`
	LogTimezone   string   `yaml:"logtimezone"`
	UseDNS        string   `yaml:"usedns" validate:"omitempty,oneof=yes warn no raw"`

	Increment *IncrementSettings `yaml:"bantime_increment"`
	Actions   []ActionSettings   `yaml:"actions" validate:"dive"`
}

type IncrementSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Factor       float64 `yaml:"factor" validate:"gte=0"`
	Formula      string  `yaml:"formula" validate:"omitempty,oneof=pow2 exp default"`
	Multipliers  string  `yaml:"multipliers"`
	MaxTime      string  `yaml:"maxtime" validate:"omitempty,duration"`
	RndTime      string  `yaml:"rndtime" validate:"omitempty,duration"`
	OverallJails bool    `yaml:"overalljails"`
}

type ActionSettings struct {
	Name    string            `yaml:"name" validate:"required"`
	Kind    string            `yaml:"kind" validate:"omitempty,actionkind"`
	Options map[string]string `yaml:"options"`
}

func (j JailSettings) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// Returns j with unset fields taken from def.
func (j JailSettings) Merge(def JailSettings) JailSettings {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	pickInt := func(v, d int) int {
		if v == 0 {
			return d
		}
		return v
	}
	pickList := func(v, d []string) []string {
		if len(v) == 0 {
			return slices.Clone(d)
		}
		return v
	}
	j.Backend = pick(j.Backend, def.Backend)
	j.LogEncoding = pick(j.LogEncoding, def.LogEncoding)
	j.IgnoreCommand = pick(j.IgnoreCommand, def.IgnoreCommand)
	j.FindTime = pick(j.FindTime, def.FindTime)
	j.BanTime = pick(j.BanTime, def.BanTime)
	j.DatePattern = pick(j.DatePattern, def.DatePattern)
	j.LogTimezone = pick(j.LogTimezone, def.LogTimezone)
	j.UseDNS = pick(j.UseDNS, def.UseDNS)
	j.MaxRetry = pickInt(j.MaxRetry, def.MaxRetry)
	j.MaxLines = pickInt(j.MaxLines, def.MaxLines)
	j.MaxMatches = pickInt(j.MaxMatches, def.MaxMatches)
	j.IgnoreIP = pickList(j.IgnoreIP, def.IgnoreIP)
	j.IgnoreRegex = pickList(j.IgnoreRegex, def.IgnoreRegex)
	if j.IgnoreSelf == nil {
		j.IgnoreSelf = def.IgnoreSelf
	}
	if j.Increment == nil {
		j.Increment = def.Increment
	}
	if len(j.Actions) == 0 {
		j.Actions = slices.Clone(def.Actions)
	}
	return j
}

// Returns the enabled jails with defaults applied.
func (s Settings) EnabledJails() []JailSettings {
	var out []JailSettings
	for _, j := range s.Jails {
		if j.IsEnabled() {
			out = append(out, j.Merge(s.Defaults))
		}
	}
	return out
}

// Looks up an enabled jail by name.
func (s Settings) Jail(name string) (JailSettings, bool) {
	for _, j := range s.EnabledJails() {
		if j.Name == name {
			return j, true
		}
	}
	return JailSettings{}, false
}

// =========================================================================
//  Command streams
// =========================================================================

// Returns the stream creating and starting the jail.
func (j JailSettings) Commands() [][]string {
	backend := j.Backend
	if backend == "" {
		backend = "auto"
	}
	cmds := [][]string{{"add", j.Name, backend}}
	cmds = append(cmds, j.SetCommands(nil)...)
	return append(cmds, []string{"start", j.Name})
}

// Returns the "set" commands configuring the jail. Actions listed in
// existing are reconfigured instead of added.
func (j JailSettings) SetCommands(existing []string) [][]string {
	var cmds [][]string
	set := func(args ...string) {
		cmds = append(cmds, append([]string{"set", j.Name}, args...))
	}
	setIf := func(key, val string) {
		if val != "" {
			set(key, val)
		}
	}
	setInt := func(key string, val int) {
		if val > 0 {
			set(key, strconv.Itoa(val))
		}
	}

	setIf("usedns", j.UseDNS)
	setIf("logencoding", j.LogEncoding)
	setIf("datepattern", j.DatePattern)
	setIf("logtimezone", j.LogTimezone)
	setIf("ignorecommand", j.IgnoreCommand)
	if j.IgnoreSelf != nil {
		set("ignoreself", strconv.FormatBool(*j.IgnoreSelf))
	}
	if len(j.IgnoreIP) > 0 {
		set(append([]string{"addignoreip"}, j.IgnoreIP...)...)
	}
	setInt("maxretry", j.MaxRetry)
	setInt("maxlines", j.MaxLines)
	setInt("maxmatches", j.MaxMatches)
	setIf("findtime", j.FindTime)
	setIf("bantime", j.BanTime)
	if inc := j.Increment; inc != nil {
		set("bantime.increment", strconv.FormatBool(inc.Enabled))
		if inc.Factor > 0 {
			set("bantime.factor", strconv.FormatFloat(inc.Factor, 'g', -1, 64))
		}
		setIf("bantime.formula", inc.Formula)
		setIf("bantime.multipliers", inc.Multipliers)
		setIf("bantime.maxtime", inc.MaxTime)
		setIf("bantime.rndtime", inc.RndTime)
		set("bantime.overalljails", strconv.FormatBool(inc.OverallJails))
	}
	for _, re := range j.FailRegex {
		set("addfailregex", re)
	}
	for _, re := range j.IgnoreRegex {
		set("addignoreregex", re)
	}
	for _, m := range j.JournalMatch {
		set(append([]string{"addjournalmatch"}, strings.Fields(m)...)...)
	}
	pos := "head"
	if j.LogTail {
		pos = "tail"
	}
	for _, p := range j.LogPath {
		set("addlogpath", p, pos)
	}
	for _, a := range j.Actions {
		if slices.Contains(existing, a.Name) {
			for _, k := range sortedKeys(a.Options) {
				set("action", a.Name, k, a.Options[k])
			}
			continue
		}
		kind := a.Kind
		if kind == "" {
			kind = "command"
		}
		args := []string{"addaction", a.Name, kind}
		if len(a.Options) > 0 {
			raw, _ := json.Marshal(a.Options)
			args = append(args, string(raw))
		}
		set(args...)
	}
	return cmds
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
