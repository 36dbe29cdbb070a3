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

// Package transmitter executes control commands against a server.
// A command is a list of string tokens; every reply is a (code, result)
// pair where code 0 means success and code 1 carries an error message.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
)

var log = logging.GetLogger("fail2ban.transmitter")

// =========================================================================
//  Types and Constants
// =========================================================================

const (
	// Format of times in replies.
	timeFormat = "%Y-%m-%d %H:%M:%S"

	// Verb of a request carrying many commands.
	StreamVerb = "server-stream"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrReservedName   = errors.New("reserved name")
)

// Reply to one command.
type Reply struct {
	Code   int
	Result any
}

func ok(v any) Reply { return Reply{Code: 0, Result: v} }

func fail(err error) Reply { return Reply{Code: 1, Result: err.Error()} }

// Flags of the reload command.
type ReloadOptions struct {
	Restart  bool
	Unban    bool
	IfExists bool
}

// Static facts reported by server-status.
type Info struct {
	Version   string
	StartTime time.Time
	Socket    string
	PidFile   string
	Observer  string
}

// What the transmitter drives; implemented by the server.
type Server interface {
	Jails() *jail.Jails
	AddJail(name, backend string) error
	StartJail(name string) error
	// Stops the jail and removes it.
	StopJail(name string) error
	StopAllJails() error
	// Initiates a shutdown after the current reply is sent.
	Quit()
	// Reloads one jail, or all when name is empty, from the configuration.
	Reload(name string, opts ReloadOptions) error
	SetDatabase(path string) error
	// Returns nil when persistence is disabled.
	Database() *storage.DB
	FlushLogs() (string, error)
	Info() Info
}

// Executes commands against a server.
type Transmitter struct {
	server Server
}

func New(s Server) *Transmitter {
	return &Transmitter{server: s}
}

// =========================================================================
//  Dispatch
// =========================================================================

// Executes one command.
func (t *Transmitter) Proceed(cmd []string) Reply {
	log.Debugf("Command: %q", cmd)
	res, err := t.handle(cmd)
	if err != nil {
		log.Warningf("Command %q has failed. Received %v", cmd, err)
		return fail(err)
	}
	return ok(res)
}

// Executes a stream of commands quietly; the first failure aborts the
// stream and is returned.
func (t *Transmitter) ProceedStream(cmds [][]string) Reply {
	log.Debugf("Command stream of %d commands", len(cmds))
	for _, cmd := range cmds {
		if _, err := t.handle(cmd); err != nil {
			log.Errorf("Command %q has failed. Received %v", cmd, err)
			return fail(err)
		}
	}
	return ok(nil)
}

// Executes a decoded request: a list of tokens, or "server-stream"
// followed by a list of commands. Anything else is an invalid command.
func (t *Transmitter) ProceedRequest(req any) Reply {
	items, isList := req.([]any)
	if !isList {
		return t.reject(req, fmt.Errorf("%w: expected a list of strings, got %T", ErrInvalidCommand, req))
	}
	if len(items) > 0 && items[0] == StreamVerb {
		cmds, err := streamCommands(items[1:])
		if err != nil {
			return t.reject(req, err)
		}
		return t.ProceedStream(cmds)
	}
	cmd, err := tokens(items)
	if err != nil {
		return t.reject(req, err)
	}
	return t.Proceed(cmd)
}

func (t *Transmitter) reject(req any, err error) Reply {
	log.Warningf("Command %v has failed. Received %v", req, err)
	return fail(err)
}

// Accepts both ["server-stream", [cmd, ...]] and ["server-stream", cmd, ...].
func streamCommands(args []any) ([][]string, error) {
	if len(args) == 1 {
		if inner, isList := args[0].([]any); isList && !slices.ContainsFunc(inner, func(v any) bool {
			_, isList := v.([]any)
			return !isList
		}) {
			args = inner
		}
	}
	cmds := make([][]string, 0, len(args))
	for i, a := range args {
		items, isList := a.([]any)
		if !isList {
			return nil, fmt.Errorf("%w: %s entry %d is not a command", ErrInvalidCommand, StreamVerb, i)
		}
		cmd, err := tokens(items)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Converts decoded scalars to command tokens.
func tokens(items []any) ([]string, error) {
	cmd := make([]string, len(items))
	for i, v := range items {
		switch v := v.(type) {
		case string:
			cmd[i] = v
		case []byte:
			cmd[i] = string(v)
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			cmd[i] = fmt.Sprint(v)
		default:
			return nil, fmt.Errorf("%w: argument %d has type %T", ErrInvalidCommand, i, v)
		}
	}
	return cmd, nil
}

func (t *Transmitter) handle(cmd []string) (any, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	args := cmd[1:]
	switch cmd[0] {
	case "ping":
		return "pong", nil
	case "version":
		return t.server.Info().Version, nil
	case "echo":
		return args, nil
	case "sleep":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: sleep <seconds>", ErrInvalidCommand)
		}
		sec, err := strconv.ParseFloat(args[0], 64)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid sleep value %q", args[0])
		}
		time.Sleep(time.Duration(sec * float64(time.Second)))
		return nil, nil
	case "add":
		return t.add(args)
	case "start":
		return nil, t.start(args)
	case "stop":
		return nil, t.stop(args)
	case "reload":
		return nil, t.reload(args)
	case "unban":
		return t.unban(args)
	case "banned":
		return t.banned(args)
	case "status":
		return t.status(args)
	case "server-status":
		return t.serverStatus(), nil
	case "flushlogs":
		return t.server.FlushLogs()
	case StreamVerb:
		return nil, fmt.Errorf("%w: %s expects a list of commands", ErrInvalidCommand, StreamVerb)
	case "set":
		return t.set(args)
	case "get":
		return t.get(args)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd[0])
}

func (t *Transmitter) jail(name string) (*jail.Jail, error) {
	return t.server.Jails().Get(name)
}

// =========================================================================
//  Top level verbs
// =========================================================================

func (t *Transmitter) add(args []string) (any, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("%w: add <jail> [backend]", ErrInvalidCommand)
	}
	name, backend := args[0], "auto"
	if name == "--all" || name == "all" {
		return nil, fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	if len(args) == 2 {
		backend = args[1]
	}
	if err := t.server.AddJail(name, backend); err != nil {
		return nil, err
	}
	return name, nil
}

func (t *Transmitter) start(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: start [jail]", ErrInvalidCommand)
	}
	if len(args) == 1 {
		return t.server.StartJail(args[0])
	}
	var errs []error
	for _, name := range t.server.Jails().Names() {
		errs = append(errs, t.server.StartJail(name))
	}
	return errors.Join(errs...)
}

func (t *Transmitter) stop(args []string) error {
	switch {
	case len(args) == 0:
		t.server.Quit()
		return nil
	case len(args) > 1:
		return fmt.Errorf("%w: stop [jail|--all]", ErrInvalidCommand)
	case args[0] == "--all" || args[0] == "all":
		return t.server.StopAllJails()
	}
	return t.server.StopJail(args[0])
}

func (t *Transmitter) reload(args []string) error {
	var (
		opts ReloadOptions
		name string
		all  bool
	)
	for _, a := range args {
		switch a {
		case "--restart":
			opts.Restart = true
		case "--unban":
			opts.Unban = true
		case "--if-exists":
			opts.IfExists = true
		case "--all":
			all = true
		default:
			if strings.HasPrefix(a, "--") || name != "" {
				return fmt.Errorf("%w: reload [jail|--all] [--restart] [--unban] [--if-exists]", ErrInvalidCommand)
			}
			name = a
		}
	}
	if all {
		name = ""
	}
	if name != "" && !opts.IfExists && !t.server.Jails().Exists(name) {
		return fmt.Errorf("%w: %s", jail.ErrUnknownJail, name)
	}
	return t.server.Reload(name, opts)
}

// Lifts bans of the given ids, or every ban with --all, in all jails.
func (t *Transmitter) unban(args []string) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: unban <ip...>|--all", ErrInvalidCommand)
	}
	jails := t.server.Jails().All()
	if len(args) == 1 && (args[0] == "--all" || args[0] == "all") {
		n := 0
		for _, j := range jails {
			n += j.UnbanAll()
		}
		return n, nil
	}
	n := 0
	for _, j := range jails {
		c, _ := j.RemoveBannedIP(args...)
		n += c
	}
	if db := t.server.Database(); db != nil {
		if err := db.DelBan(context.Background(), "", args...); err != nil {
			log.Errorf("Unable to remove bans from database: %v", err)
		}
	}
	return n, nil
}

// Without ids returns the banned ids per jail, otherwise the jails
// banning each id.
func (t *Transmitter) banned(args []string) (any, error) {
	jails := t.server.Jails().All()
	if len(args) == 0 {
		out := make([]map[string][]string, 0, len(jails))
		for _, j := range jails {
			out = append(out, map[string][]string{j.Name(): j.Actions().BanManager().BanList()})
		}
		return out, nil
	}
	out := make([][]string, len(args))
	for i, id := range args {
		out[i] = []string{}
		for _, j := range jails {
			if j.IsBanned(id) {
				out[i] = append(out[i], j.Name())
			}
		}
	}
	return out, nil
}

func (t *Transmitter) status(args []string) (any, error) {
	switch len(args) {
	case 0:
		names := t.server.Jails().Names()
		return [][2]any{
			{"Number of jail", len(names)},
			{"Jail list", strings.Join(names, ", ")},
		}, nil
	case 1, 2:
		j, err := t.jail(args[0])
		if err != nil {
			return nil, err
		}
		flavor := "basic"
		if len(args) == 2 {
			flavor = args[1]
		}
		return j.Status(flavor), nil
	}
	return nil, fmt.Errorf("%w: status [jail [flavor]]", ErrInvalidCommand)
}

func (t *Transmitter) serverStatus() [][2]any {
	info := t.server.Info()
	dbFile := storage.Disabled
	if db := t.server.Database(); db != nil {
		dbFile = db.Filename()
	}
	return [][2]any{
		{"Version", info.Version},
		{"Started", formatTime(info.StartTime)},
		{"Number of jail", t.server.Jails().Len()},
		{"Socket", info.Socket},
		{"Database", dbFile},
		{"Observer", info.Observer},
		{"Log level", logging.GetLevel().String()},
		{"Log target", logging.Target()},
	}
}

func formatTime(tm time.Time) string {
	return strftime.Format(timeFormat, tm)
}
