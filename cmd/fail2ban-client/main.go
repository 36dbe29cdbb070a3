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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/protocol"
)

// Exit status of a failed command.
const exitFailure = 255

var errFailed = errors.New("command failed")

func main() {
	err := newApp(os.Stdout).Run(context.Background(), os.Args)
	if err == nil {
		return
	}
	if !errors.Is(err, errFailed) {
		fmt.Fprintf(os.Stderr, "ERROR  %v\n", err)
	}
	os.Exit(exitFailure)
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "fail2ban-client",
		Usage:     "Send a command to a running fail2ban-server",
		ArgsUsage: "<command> [args...]",
		Version:   config.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Value:   config.DefaultSocket,
				Usage:   "control socket path",
				Sources: cli.EnvVars("F2B_SOCKET"),
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   protocol.DefaultTimeout,
				Usage:   "time to wait for the reply",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "wait for the server to answer ping before sending",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return cli.ShowAppHelp(cmd)
			}
			client := protocol.NewClient(cmd.String("socket"))
			client.Timeout = cmd.Duration("timeout")
			if cmd.Bool("wait") {
				if err := waitForServer(ctx, client, client.Timeout); err != nil {
					return err
				}
			}
			reply, err := client.Send(ctx, args)
			if err != nil {
				return err
			}
			return printReply(out, reply)
		},
	}
}

// Polls with ping until the server answers or timeout elapses.
func waitForServer(ctx context.Context, c *protocol.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !c.Ping(ctx) {
		if time.Now().After(deadline) {
			return fmt.Errorf("no server answered on %s within %s", c.Socket, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// Writes the reply as JSON; a failed command yields errFailed.
func printReply(w io.Writer, r protocol.Reply) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"code": r.Code, "result": r.Result}); err != nil {
		return err
	}
	if !r.OK() {
		return errFailed
	}
	return nil
}
