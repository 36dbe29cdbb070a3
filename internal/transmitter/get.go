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
	"fmt"
	"sort"
	"strings"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

// =========================================================================
//  get
// =========================================================================

func (t *Transmitter) get(args []string) (any, error) {
	if err := need(args, 1, "get <key|jail> ..."); err != nil {
		return nil, err
	}
	switch args[0] {
	case "loglevel":
		return logging.GetLevel().String(), nil
	case "logtarget":
		return logging.Target(), nil
	case "syslogsocket":
		return logging.SyslogSocket(), nil
	case "dbfile":
		return t.dbFile(), nil
	case "dbmaxmatches":
		if db := t.server.Database(); db != nil {
			return db.MaxMatches(), nil
		}
		return nil, nil
	case "dbpurgeage":
		if db := t.server.Database(); db != nil {
			return bantime.Seconds(db.PurgeAge()), nil
		}
		return nil, nil
	}
	if err := need(args, 2, "get <jail> <key>"); err != nil {
		return nil, err
	}
	j, err := t.jail(args[0])
	if err != nil {
		return nil, err
	}
	return getJail(j, args[1], args[2:])
}

func getJail(j *jail.Jail, key string, args []string) (any, error) {
	f := j.Filter()
	switch key {
	case "idle":
		return j.Idle(), nil
	case "ignoreself":
		return f.IgnoreSelf(), nil
	case "ignoreip":
		return f.IgnoreIPs(), nil
	case "ignorecommand":
		return f.IgnoreCommand(), nil
	case "logpath":
		return f.GetLogPaths(), nil
	case "logencoding":
		return f.LogEncoding(), nil
	case "journalmatch":
		return f.JournalMatches(), nil
	case "failregex":
		return f.Engine().FailRegexes(), nil
	case "ignoreregex":
		return f.Engine().IgnoreRegexes(), nil
	case "findtime":
		return bantime.Seconds(f.FindTime()), nil
	case "bantime":
		return bantime.Seconds(j.Actions().BanTime()), nil
	case "datepattern":
		return f.DatePattern(), nil
	case "logtimezone":
		if loc := f.DateDetector().Timezone(); loc != nil {
			return loc.String(), nil
		}
		return nil, nil
	case "usedns":
		return f.UseDNS(), nil
	case "maxretry":
		return f.MaxRetry(), nil
	case "maxmatches":
		return f.MaxMatches(), nil
	case "maxlines":
		return f.MaxLines(), nil
	case "banip":
		return bannedIPs(j, args), nil
	case "actions":
		return j.Actions().Names(), nil
	case "action":
		if err := need(args, 2, fmt.Sprintf("get %s action <name> <property>", j.Name())); err != nil {
			return nil, err
		}
		c, err := configurable(j, args[0])
		if err != nil {
			return nil, err
		}
		return c.Property(args[1])
	case "actionproperties":
		if err := need(args, 1, fmt.Sprintf("get %s actionproperties <name>", j.Name())); err != nil {
			return nil, err
		}
		c, err := configurable(j, args[0])
		if err != nil {
			return nil, err
		}
		return c.Properties(), nil
	case "actionmethods":
		if err := need(args, 1, fmt.Sprintf("get %s actionmethods <name>", j.Name())); err != nil {
			return nil, err
		}
		return actionMethods(j, args[0])
	}
	if strings.HasPrefix(key, "bantime.") {
		v := incrementValue(j.BanTimeIncrement(), strings.TrimPrefix(key, "bantime."))
		if v == nil {
			return nil, fmt.Errorf("%w: unknown jail property %q", ErrInvalidCommand, key)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: unknown jail property %q", ErrInvalidCommand, key)
}

// Lists the banned ids of j. With --with-time each entry carries the start
// and end of its ban; any other argument joins the list with it.
func bannedIPs(j *jail.Jail, args []string) any {
	bm := j.Actions().BanManager()
	if len(args) > 0 && args[0] == "--with-time" {
		tickets := bm.Tickets()
		sort.Slice(tickets, func(a, b int) bool { return tickets[a].Time.Before(tickets[b].Time) })
		out := make([]string, 0, len(tickets))
		for _, tk := range tickets {
			bt := tk.GetBanTime(bm.BanTime())
			end := "+inf"
			if e, ok := tk.EndOfBan(bm.BanTime()); ok {
				end = formatTime(e)
			}
			out = append(out, fmt.Sprintf("%s \t%s + %d = %s", tk.ID, formatTime(tk.Time), bantime.Seconds(bt), end))
		}
		return out
	}
	list := bm.BanList()
	if len(args) > 0 {
		return strings.Join(list, args[0])
	}
	return list
}

func actionMethods(j *jail.Jail, name string) (any, error) {
	act, err := j.Actions().GetAction(name)
	if err != nil {
		return nil, err
	}
	methods := []string{"ban", "check", "start", "stop", "unban"}
	if _, ok := act.(actions.Flusher); ok {
		methods = append(methods, "flush")
	}
	if _, ok := act.(actions.Prolonger); ok {
		methods = append(methods, "prolong")
	}
	sort.Strings(methods)
	return methods, nil
}
