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

package integrations

import (
	"context"
	"sync"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
)

// One recorded dummy call.
type Call struct {
	Op   string
	IP   string
	Info map[string]string
}

// Records every call instead of enforcing anything. Used for dry runs.
type Dummy struct {
	jail  string
	name  string
	props *actions.Properties

	mu    sync.Mutex
	calls []Call
	bans  map[string]bool
}

func init() {
	actions.Register("dummy", func(jail, name string, opts map[string]string) (actions.Action, error) {
		return NewDummy(jail, name, opts), nil
	})
}

func NewDummy(jail, name string, opts map[string]string) *Dummy {
	d := &Dummy{jail: jail, name: name, props: actions.NewProperties(), bans: make(map[string]bool)}
	for k, v := range opts {
		d.props.Set(k, v)
	}
	return d
}

func (d *Dummy) record(op string, info *actions.Info) {
	c := Call{Op: op}
	if info != nil {
		c.IP = info.Get("ip")
		c.Info = info.Map("ip", "failures", "bantime", "bancount", "restored", "matches")
	}
	d.mu.Lock()
	d.calls = append(d.calls, c)
	switch op {
	case "ban":
		d.bans[c.IP] = true
	case "unban":
		delete(d.bans, c.IP)
	case "flush", "stop":
		d.bans = make(map[string]bool)
	}
	d.mu.Unlock()
	log.Infof("[%s] %s: %s %s", d.jail, d.name, op, c.IP)
}

func (d *Dummy) Start(context.Context) error { d.record("start", nil); return nil }
func (d *Dummy) Stop(context.Context) error  { d.record("stop", nil); return nil }
func (d *Dummy) Check(context.Context) bool  { return true }

func (d *Dummy) Ban(_ context.Context, info *actions.Info) error {
	d.record("ban", info)
	return nil
}

func (d *Dummy) Unban(_ context.Context, info *actions.Info) error {
	d.record("unban", info)
	return nil
}

func (d *Dummy) Prolong(_ context.Context, info *actions.Info) error {
	d.record("prolong", info)
	return nil
}

func (d *Dummy) SetProperty(k, v string) error     { return d.props.Set(k, v) }
func (d *Dummy) Property(k string) (string, error) { return d.props.Get(k) }
func (d *Dummy) Properties() []string              { return d.props.Names() }

// Returns a copy of the recorded calls.
func (d *Dummy) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Returns the recorded calls of one operation.
func (d *Dummy) CallsOf(op string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reports whether ip is currently banned by this action.
func (d *Dummy) Banned(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bans[ip]
}
