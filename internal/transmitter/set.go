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

package transmitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/ticket"
)

var errNoDatabase = errors.New("no database configured")

// =========================================================================
//  Helpers
// =========================================================================

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func parseInt(key, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

// Parses a duration and reports it back in seconds.
func parseSeconds(key, s string) (time.Duration, error) {
	d, err := bantime.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, usage)
	}
	return nil
}

// =========================================================================
//  set
// =========================================================================

func (t *Transmitter) set(args []string) (any, error) {
	if err := need(args, 2, "set <key|jail> ..."); err != nil {
		return nil, err
	}
	if res, handled, err := t.setGlobal(args[0], args[1:]); handled {
		return res, err
	}
	j, err := t.jail(args[0])
	if err != nil {
		return nil, err
	}
	return t.setJail(j, args[1], args[2:])
}

func (t *Transmitter) setGlobal(key string, args []string) (any, bool, error) {
	val := args[0]
	switch key {
	case "loglevel":
		lvl, err := logging.ParseLevel(val)
		if err != nil {
			return nil, true, err
		}
		logging.SetLevel(lvl)
		return lvl.String(), true, nil
	case "logtarget":
		if err := logging.SetTarget(val); err != nil {
			return nil, true, err
		}
		return logging.Target(), true, nil
	case "syslogsocket":
		if err := logging.SetSyslogSocket(val); err != nil {
			return nil, true, err
		}
		return logging.SyslogSocket(), true, nil
	case "dbfile":
		if err := t.server.SetDatabase(val); err != nil {
			return nil, true, err
		}
		return t.dbFile(), true, nil
	case "dbmaxmatches":
		db := t.server.Database()
		if db == nil {
			return nil, true, errNoDatabase
		}
		n, err := parseInt(key, val)
		if err != nil {
			return nil, true, err
		}
		db.SetMaxMatches(n)
		return db.MaxMatches(), true, nil
	case "dbpurgeage":
		db := t.server.Database()
		if db == nil {
			return nil, true, errNoDatabase
		}
		d, err := parseSeconds(key, val)
		if err != nil {
			return nil, true, err
		}
		db.SetPurgeAge(d)
		return bantime.Seconds(db.PurgeAge()), true, nil
	}
	return nil, false, nil
}

func (t *Transmitter) dbFile() any {
	if db := t.server.Database(); db != nil {
		return db.Filename()
	}
	return nil
}

func (t *Transmitter) setJail(j *jail.Jail, key string, args []string) (any, error) {
	f := j.Filter()
	usage := fmt.Sprintf("set %s %s <value>", j.Name(), key)
	if key != "idle" && key != "ignoreself" && !strings.HasPrefix(key, "bantime.") {
		if err := need(args, 1, usage); err != nil {
			return nil, err
		}
	}
	val := ""
	if len(args) > 0 {
		val = args[0]
	}
	switch key {
	case "idle":
		v, err := parseBool(val)
		if err != nil {
			return nil, err
		}
		j.SetIdle(v)
		return j.Idle(), nil
	case "ignoreself":
		v, err := parseBool(val)
		if err != nil {
			return nil, err
		}
		f.SetIgnoreSelf(v)
		return f.IgnoreSelf(), nil
	case "addignoreip":
		for _, a := range args {
			if err := f.AddIgnoreIP(a); err != nil {
				return nil, err
			}
		}
		return f.IgnoreIPs(), nil
	case "delignoreip":
		for _, a := range args {
			if err := f.DelIgnoreIP(a); err != nil {
				return nil, err
			}
		}
		return f.IgnoreIPs(), nil
	case "ignorecommand":
		if err := f.SetIgnoreCommand(strings.Join(args, " ")); err != nil {
			return nil, err
		}
		return f.IgnoreCommand(), nil
	case "addlogpath":
		tail := false
		if len(args) > 1 {
			switch args[1] {
			case "tail":
				tail = true
			case "head":
			default:
				return nil, fmt.Errorf("%w: set %s addlogpath <path> [tail|head]", ErrInvalidCommand, j.Name())
			}
		}
		if err := f.AddLogPath(val, tail); err != nil {
			return nil, err
		}
		return f.GetLogPaths(), nil
	case "dellogpath":
		if err := f.DelLogPath(val); err != nil {
			return nil, err
		}
		return f.GetLogPaths(), nil
	case "logencoding":
		if err := f.SetLogEncoding(val); err != nil {
			return nil, err
		}
		return f.LogEncoding(), nil
	case "addjournalmatch":
		if err := f.AddJournalMatch(args); err != nil {
			return nil, err
		}
		return f.JournalMatches(), nil
	case "deljournalmatch":
		if err := f.DelJournalMatch(args); err != nil {
			return nil, err
		}
		return f.JournalMatches(), nil
	case "addfailregex":
		if err := f.AddFailRegex(val); err != nil {
			return nil, err
		}
		return f.Engine().FailRegexes(), nil
	case "delfailregex":
		i, err := parseInt("index", val)
		if err != nil {
			return nil, err
		}
		if err := f.DelFailRegex(i); err != nil {
			return nil, err
		}
		return f.Engine().FailRegexes(), nil
	case "addignoreregex":
		if err := f.AddIgnoreRegex(val); err != nil {
			return nil, err
		}
		return f.Engine().IgnoreRegexes(), nil
	case "delignoreregex":
		i, err := parseInt("index", val)
		if err != nil {
			return nil, err
		}
		if err := f.DelIgnoreRegex(i); err != nil {
			return nil, err
		}
		return f.Engine().IgnoreRegexes(), nil
	case "findtime":
		d, err := parseSeconds(key, val)
		if err != nil {
			return nil, err
		}
		if err := f.SetFindTime(d); err != nil {
			return nil, err
		}
		return bantime.Seconds(f.FindTime()), nil
	case "bantime":
		d, err := parseSeconds(key, val)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			d = ticket.Permanent
		}
		if err := j.Actions().SetBanTime(d); err != nil {
			return nil, err
		}
		return bantime.Seconds(j.Actions().BanTime()), nil
	case "datepattern":
		if err := f.SetDatePattern(val); err != nil {
			return nil, err
		}
		return f.DatePattern(), nil
	case "logtimezone":
		if err := f.SetLogTimezone(val); err != nil {
			return nil, err
		}
		return val, nil
	case "usedns":
		if err := f.SetUseDNS(val); err != nil {
			return nil, err
		}
		return f.UseDNS(), nil
	case "maxretry":
		n, err := parseInt(key, val)
		if err != nil {
			return nil, err
		}
		if err := f.SetMaxRetry(n); err != nil {
			return nil, err
		}
		return f.MaxRetry(), nil
	case "maxmatches":
		n, err := parseInt(key, val)
		if err != nil {
			return nil, err
		}
		f.SetMaxMatches(n)
		return f.MaxMatches(), nil
	case "maxlines":
		n, err := parseInt(key, val)
		if err != nil {
			return nil, err
		}
		if err := f.SetMaxLines(n); err != nil {
			return nil, err
		}
		return f.MaxLines(), nil
	case "attempt":
		return f.AddAttempt(val, args[1:]...)
	case "banip":
		n := 0
		for _, id := range args {
			banned, err := f.AddBannedIP(id)
			if err != nil {
				return nil, err
			}
			if banned {
				n++
			}
		}
		return n, nil
	case "unbanip":
		return unbanIP(j, args)
	case "addaction":
		return t.addAction(j, args)
	case "delaction":
		if err := j.Actions().DelAction(val); err != nil {
			return nil, err
		}
		return j.Actions().Names(), nil
	case "action":
		if err := need(args, 3, fmt.Sprintf("set %s action <name> <property> <value>", j.Name())); err != nil {
			return nil, err
		}
		c, err := configurable(j, args[0])
		if err != nil {
			return nil, err
		}
		value := strings.Join(args[2:], " ")
		if err := c.SetProperty(args[1], value); err != nil {
			return nil, err
		}
		return c.Property(args[1])
	}
	if strings.HasPrefix(key, "bantime.") {
		if err := need(args, 1, usage); err != nil {
			return nil, err
		}
		return setIncrement(j, strings.TrimPrefix(key, "bantime."), val)
	}
	return nil, fmt.Errorf("%w: unknown jail property %q", ErrInvalidCommand, key)
}

func unbanIP(j *jail.Jail, args []string) (any, error) {
	report := false
	if len(args) > 0 && args[0] == "--report-absent" {
		report = true
		args = args[1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: set %s unbanip [--report-absent] <ip...>", ErrInvalidCommand, j.Name())
	}
	if report {
		var absent []string
		for _, id := range args {
			if !j.IsBanned(id) {
				absent = append(absent, id)
			}
		}
		if len(absent) > 0 {
			return nil, fmt.Errorf("%s is %w", strings.Join(absent, ", "), actions.ErrNotBanned)
		}
	}
	n, err := j.RemoveBannedIP(args...)
	if err != nil && report {
		return nil, err
	}
	return n, nil
}

// Creates and attaches an action: addaction <name> [kind [json options]].
func (t *Transmitter) addAction(j *jail.Jail, args []string) (any, error) {
	name, kind := args[0], "command"
	if len(args) > 1 {
		kind = args[1]
	}
	opts := map[string]string{}
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(strings.Join(args[2:], " ")), &opts); err != nil {
			return nil, fmt.Errorf("invalid options of action %s: %w", name, err)
		}
	}
	act, err := actions.New(kind, j.Name(), name, opts)
	if err != nil {
		return nil, err
	}
	if err := j.Actions().AddAction(name, act); err != nil {
		return nil, err
	}
	return name, nil
}

func configurable(j *jail.Jail, name string) (actions.Configurable, error) {
	act, err := j.Actions().GetAction(name)
	if err != nil {
		return nil, err
	}
	c, ok := act.(actions.Configurable)
	if !ok {
		return nil, fmt.Errorf("action %s has no properties", name)
	}
	return c, nil
}

func setIncrement(j *jail.Jail, key, val string) (any, error) {
	var apply func(c *bantime.Config)
	switch key {
	case "increment", "overalljails":
		v, err := parseBool(val)
		if err != nil {
			return nil, err
		}
		apply = func(c *bantime.Config) {
			if key == "increment" {
				c.Increment = v
			} else {
				c.OverallJails = v
			}
		}
	case "factor":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bantime.factor %q", val)
		}
		apply = func(c *bantime.Config) { c.Factor = v }
	case "formula":
		apply = func(c *bantime.Config) { c.Formula = val }
	case "multipliers":
		m, err := bantime.ParseMultipliers(val)
		if err != nil {
			return nil, err
		}
		apply = func(c *bantime.Config) { c.Multipliers = m }
	case "maxtime", "rndtime":
		d, err := parseSeconds("bantime."+key, val)
		if err != nil {
			return nil, err
		}
		apply = func(c *bantime.Config) {
			if key == "maxtime" {
				c.MaxTime = d
			} else {
				c.RndTime = d
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown jail property %q", ErrInvalidCommand, "bantime."+key)
	}
	if err := j.UpdateBanTimeIncrement(apply); err != nil {
		return nil, err
	}
	return incrementValue(j.BanTimeIncrement(), key), nil
}

func incrementValue(c bantime.Config, key string) any {
	switch key {
	case "increment":
		return c.Increment
	case "overalljails":
		return c.OverallJails
	case "factor":
		return c.Factor
	case "formula":
		return c.Formula
	case "multipliers":
		return bantime.FormatMultipliers(c.Multipliers)
	case "maxtime":
		return bantime.Seconds(c.MaxTime)
	case "rndtime":
		return bantime.Seconds(c.RndTime)
	}
	return nil
}
