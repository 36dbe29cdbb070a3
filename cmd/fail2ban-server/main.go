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
	"errors"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/swissmakers/fail2ban-ng/internal/auth"
	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/server"
	"github.com/swissmakers/fail2ban-ng/pkg/web"
)

var log = logging.GetLogger("fail2ban.main")

// =========================================================================
//  Entrypoint
// =========================================================================

func main() {
	if err := newApp(run).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR  %v\n", err)
		os.Exit(255)
	}
}

type runFunc func(ctx context.Context, st config.Settings, opts server.Options) error

func newApp(run runFunc) *cli.Command {
	return &cli.Command{
		Name:    "fail2ban-server",
		Usage:   "Scan log files and ban addresses that show malicious signs",
		Version: config.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "conf",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "configuration file",
				Sources: cli.EnvVars("F2B_CONFIG"),
			},
			&cli.StringFlag{Name: "socket", Aliases: []string{"s"}, Usage: "control socket path"},
			&cli.StringFlag{Name: "pidfile", Aliases: []string{"p"}, Usage: "pid file path"},
			&cli.StringFlag{Name: "loglevel", Aliases: []string{"l"}, Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG or TRACE"},
			&cli.StringFlag{Name: "logtarget", Usage: "STDOUT, STDERR, SYSLOG or a file path"},
			&cli.StringFlag{Name: "dbfile", Usage: `database file, "none" disables persistence`},
			&cli.StringFlag{Name: "http", Usage: "address of the HTTP API, e.g. 127.0.0.1:9191"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"x"}, Usage: "remove a stale socket file"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose debug logging"},
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Value: server.DefaultStopTimeout,
				Usage: "time allowed for the jails to stop",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return run(ctx, st, server.Options{
				ConfigPath:  cmd.String("conf"),
				Force:       cmd.Bool("force"),
				StopTimeout: cmd.Duration("stop-timeout"),
			})
		},
	}
}

// Loads the configuration and applies the flags given on the command line.
func loadSettings(cmd *cli.Command) (config.Settings, error) {
	st, err := config.Load(cmd.String("conf"))
	if err != nil {
		return st, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"socket", &st.Socket},
		{"pidfile", &st.PidFile},
		{"loglevel", &st.LogLevel},
		{"logtarget", &st.LogTarget},
		{"dbfile", &st.DBFile},
		{"http", &st.HTTP.Address},
	}
	for _, o := range overrides {
		if cmd.IsSet(o.flag) {
			*o.dst = cmd.String(o.flag)
		}
	}
	if cmd.IsSet("debug") {
		st.Debug = cmd.Bool("debug")
	}
	return st, st.Validate()
}

// =========================================================================
//  Daemon
// =========================================================================

func run(ctx context.Context, st config.Settings, opts server.Options) error {
	srv := server.New(st, opts)
	if err := srv.Start(); err != nil {
		return err
	}
	if st.HTTP.Address == "" {
		return srv.Serve(ctx)
	}

	// The API lives as long as the control socket.
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-srv.Done()
		cancel()
	}()

	handler, err := newAPI(actx, srv, st)
	if err != nil {
		srv.Quit()
		return errors.Join(err, srv.Serve(ctx))
	}
	var g errgroup.Group
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		if err := web.Serve(actx, st.HTTP.Address, handler); err != nil {
			log.Errorf("HTTP API failed: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func newAPI(ctx context.Context, srv *server.Server, st config.Settings) (*gin.Engine, error) {
	if st.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var tv web.TokenVerifier
	v, err := auth.NewVerifier(ctx, st.HTTP.OIDC)
	if err != nil {
		return nil, err
	}
	if v != nil {
		tv = v
	} else {
		log.Warningf("HTTP API at %s has no authentication, configure http.oidc to protect it", st.HTTP.Address)
	}

	hub := web.NewHub()
	go hub.Run(ctx)
	srv.AddListener(hub.JailEvent)
	web.SetupConsoleLog(hub, st.Debug)
	return web.NewRouter(srv, hub, tv), nil
}
