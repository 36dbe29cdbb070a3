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
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/bantime"
)

const (
	PropStart   = "actionstart"
	PropStop    = "actionstop"
	PropCheck   = "actioncheck"
	PropBan     = "actionban"
	PropUnban   = "actionunban"
	PropProlong = "actionprolong"
	PropFlush   = "actionflush"
	PropTimeout = "timeout"

	maxTagDepth = 10
)

var (
	ErrRecursiveTag = errors.New("recursive tag definition")

	tagRE = regexp.MustCompile(`<([^ <>]+)>`)
)

func init() {
	actions.Register("command", newCommand)
}

// =========================================================================
//  Command action
// =========================================================================

// Runs templated shell commands. Tags like <port> resolve against the
// action properties first (recursively), then against the action info,
// whose values are shell quoted.
type Command struct {
	jail  string
	name  string
	props *actions.Properties
}

func newCommand(jail, name string, opts map[string]string) (actions.Action, error) {
	return NewCommand(jail, name, opts)
}

// Creates a command action with the given properties.
func NewCommand(jail, name string, opts map[string]string) (*Command, error) {
	c := &Command{jail: jail, name: name, props: actions.NewProperties()}
	c.props.Set("name", jail)
	c.props.Set("actname", name)
	for k, v := range opts {
		if err := c.SetProperty(k, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Command) SetProperty(key, value string) error {
	if key == PropTimeout && value != "" {
		if _, err := bantime.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}
	}
	return c.props.Set(key, value)
}

func (c *Command) Property(key string) (string, error) { return c.props.Get(key) }
func (c *Command) Properties() []string                { return c.props.Names() }

// Returns the configured per command timeout, 0 meaning the worker's.
func (c *Command) timeout() time.Duration {
	v := c.props.Value(PropTimeout, "")
	if v == "" {
		return 0
	}
	d, _ := bantime.ParseDuration(v)
	return d
}

// Substitutes the tags of tmpl. info may be nil.
func (c *Command) Render(tmpl string, info *actions.Info) (string, error) {
	s := tmpl
	for depth := 0; ; depth++ {
		if depth >= maxTagDepth {
			return "", fmt.Errorf("%w in %q", ErrRecursiveTag, tmpl)
		}
		changed := false
		s = tagRE.ReplaceAllStringFunc(s, func(m string) string {
			key := m[1 : len(m)-1]
			if strings.HasPrefix(key, "action") {
				return m
			}
			v, err := c.props.Get(key)
			if err != nil {
				return m
			}
			changed = true
			return v
		})
		if !changed {
			break
		}
	}
	if info == nil {
		return s, nil
	}
	return tagRE.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := info.Lookup(m[1 : len(m)-1])
		if !ok {
			return m
		}
		return shellquote.Join(v)
	}), nil
}

// Renders and runs the command of prop; an unset property is a no-op.
func (c *Command) run(ctx context.Context, prop string, info *actions.Info) error {
	tmpl := strings.TrimSpace(c.props.Value(prop, ""))
	if tmpl == "" {
		return nil
	}
	cmd, err := c.Render(tmpl, info)
	if err != nil {
		return err
	}
	log.Debugf("[%s] %s: %s", c.jail, prop, cmd)
	_, err = actions.ExecuteCmd(ctx, cmd, c.timeout())
	return err
}

func (c *Command) Start(ctx context.Context) error { return c.run(ctx, PropStart, nil) }
func (c *Command) Stop(ctx context.Context) error  { return c.run(ctx, PropStop, nil) }

// Runs actioncheck; no check command means the environment is fine.
func (c *Command) Check(ctx context.Context) bool {
	return c.run(ctx, PropCheck, nil) == nil
}

func (c *Command) Ban(ctx context.Context, info *actions.Info) error {
	return c.run(ctx, PropBan, info)
}

func (c *Command) Unban(ctx context.Context, info *actions.Info) error {
	return c.run(ctx, PropUnban, info)
}

// Runs actionprolong when set.
func (c *Command) Prolong(ctx context.Context, info *actions.Info) error {
	return c.run(ctx, PropProlong, info)
}

func (c *Command) CanFlush() bool {
	return strings.TrimSpace(c.props.Value(PropFlush, "")) != ""
}

func (c *Command) Flush(ctx context.Context) error {
	return c.run(ctx, PropFlush, nil)
}
