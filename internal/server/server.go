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

// Package server owns the jails, the database and the control socket of a
// running daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/lookup"
	"github.com/swissmakers/fail2ban-ng/internal/metrics"
	"github.com/swissmakers/fail2ban-ng/internal/observer"
	"github.com/swissmakers/fail2ban-ng/internal/protocol"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
	"github.com/swissmakers/fail2ban-ng/internal/transmitter"

	// Action kinds available to jails.
	_ "github.com/swissmakers/fail2ban-ng/internal/integrations"
)

var log = logging.GetLogger("fail2ban.server")

// =========================================================================
//  Types
// =========================================================================

var ErrSocketExists = errors.New("socket file already exists")

const (
	// Time allowed for all jails to stop on shutdown.
	DefaultStopTimeout = 30 * time.Second

	connTimeout     = 60 * time.Second
	observerTimeout = 10 * time.Second
)

type Options struct {
	// Path of the configuration, re-read on reload.
	ConfigPath string
	// Remove a stale socket file instead of refusing to start.
	Force       bool
	StopTimeout time.Duration
}

type Server struct {
	opts Options
	load func(path string) (config.Settings, error)

	mu       sync.RWMutex
	settings config.Settings
	db       *storage.DB

	jails   *jail.Jails
	obs     *observer.Observer
	tr      *transmitter.Transmitter
	metrics *metrics.Metrics
	lookup  *lookup.Lookup

	lmu       sync.Mutex
	listeners []jail.Listener

	started  time.Time
	ln       net.Listener
	quit     chan struct{}
	quitOnce sync.Once
	sigs     chan os.Signal
}

// Creates a server for settings; nothing is started yet.
func New(settings config.Settings, opts Options) *Server {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	s := &Server{
		opts:     opts,
		load:     config.Load,
		settings: settings,
		jails:    jail.NewJails(),
		obs:      observer.New(),
		quit:     make(chan struct{}),
	}
	s.metrics = metrics.New(s.jails)
	s.tr = transmitter.New(s)
	return s
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Executes one control command.
func (s *Server) Proceed(cmd []string) transmitter.Reply {
	return s.tr.Proceed(cmd)
}

// Subscribes l to the events of every current and future jail.
func (s *Server) AddListener(l jail.Listener) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
	for _, j := range s.jails.All() {
		j.AddListener(l)
	}
}

// Closed once a shutdown was requested.
func (s *Server) Done() <-chan struct{} { return s.quit }

// =========================================================================
//  Lifecycle
// =========================================================================

// Applies the settings, opens the socket and starts the configured jails.
func (s *Server) Start() error {
	s.started = time.Now()
	st := s.Settings()
	if err := applyLogging(st); err != nil {
		return err
	}
	log.Infof("Starting Fail2ban NG v%s", config.Version)

	ln, err := createSocket(st.Socket, s.opts.Force)
	if err != nil {
		return err
	}
	if st.PidFile != "" {
		if err := writePidFile(st.PidFile); err != nil {
			ln.Close()
			os.Remove(st.Socket)
			return fmt.Errorf("unable to write pid file %s: %w", st.PidFile, err)
		}
	}
	s.ln = ln

	s.obs.Start()
	if err := s.SetDatabase(st.DBFile); err != nil {
		log.Warningf("Persistence disabled: %v", err)
	}
	s.setupLookup(st)
	s.installSignals()

	for _, js := range st.EnabledJails() {
		s.startConfigured(js)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
		log.Debugf("Notified systemd of readiness")
	} else if err != nil {
		log.Debugf("systemd notification failed: %v", err)
	}
	return nil
}

func applyLogging(st config.Settings) error {
	lvl, err := logging.ParseLevel(st.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(lvl)
	config.SetDebug(st.Debug)
	if st.SyslogSocket != "" {
		if err := logging.SetSyslogSocket(st.SyslogSocket); err != nil {
			return err
		}
	}
	return logging.SetTarget(st.LogTarget)
}

func (s *Server) setupLookup(st config.Settings) {
	if st.GeoIPDB == "" && !st.Whois {
		return
	}
	s.lookup = lookup.New()
	if st.GeoIPDB != "" {
		if err := s.lookup.OpenGeoIP(st.GeoIPDB); err != nil {
			log.Warningf("GeoIP database unavailable: %v", err)
		}
	}
	s.lookup.Register()
}

// Serves control connections until a shutdown is requested, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.acceptLoop() }()
	select {
	case <-ctx.Done():
		s.Quit()
	case <-s.quit:
	case err := <-errc:
		if err != nil {
			log.Errorf("Control socket failed: %v", err)
		}
		s.Quit()
		errc <- nil
	}
	// The request in flight is answered before the jails go down.
	s.ln.Close()
	<-errc
	return s.shutdown()
}

// Starts and serves; returns after a complete shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Requests a shutdown.
func (s *Server) Quit() {
	s.quitOnce.Do(func() {
		log.Noticef("Shutdown in progress...")
		close(s.quit)
	})
}

func (s *Server) shutdown() error {
	st := s.Settings()
	err := s.StopAllJails()
	if err != nil {
		log.Errorf("Unable to stop all jails: %v", err)
	}
	if err := s.obs.Stop(observerTimeout); err != nil {
		log.Warningf("%v", err)
	}
	s.mu.Lock()
	if s.db != nil {
		log.Infof("Closing database %s (%s)", s.db.Filename(), humanize.Bytes(uint64(max(0, s.db.Size()))))
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()
	if s.lookup != nil {
		s.lookup.Close()
	}
	os.Remove(st.Socket)
	if st.PidFile != "" {
		os.Remove(st.PidFile)
	}
	log.Noticef("Exiting Fail2ban NG, up %s", humanize.RelTime(s.started, time.Now(), "", ""))
	if s.sigs != nil {
		signal.Stop(s.sigs)
	}
	logging.Close()
	return err
}

// =========================================================================
//  Signals
// =========================================================================

func (s *Server) installSignals() {
	s.sigs = make(chan os.Signal, 4)
	signal.Notify(s.sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case sig := <-s.sigs:
				if sig == syscall.SIGUSR1 {
					if res, err := logging.Flush(); err != nil {
						log.Errorf("Unable to flush logs: %v", err)
					} else {
						log.Debugf("Logs %s", res)
					}
					continue
				}
				log.Noticef("Caught signal %v", sig)
				s.Quit()
			case <-s.quit:
				return
			}
		}
	}()
}

// =========================================================================
//  Control socket
// =========================================================================

func createSocket(path string, force bool) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return nil, fmt.Errorf("%w: %s; is the server already running? Use force to remove it", ErrSocketExists, path)
		}
		log.Warningf("Removing stale socket %s", path)
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unable to create socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warningf("Unable to restrict permissions of %s: %v", path, err)
	}
	log.Infof("Control socket listening on %s", path)
	return ln, nil
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handle(conn)
	}
}

// Serves one request on conn and closes it.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	setCloseOnExec(conn)
	conn.SetDeadline(time.Now().Add(connTimeout))

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		log.Errorf("Unable to read command: %v", err)
		return
	}
	var reply transmitter.Reply
	var req any
	if err := protocol.Unmarshal(payload, &req); err != nil {
		log.Warningf("Malformed command: %v", err)
		reply = transmitter.Reply{Code: 1, Result: err.Error()}
	} else {
		reply = s.tr.ProceedRequest(req)
	}
	if err := protocol.WriteMessage(conn, protocol.Reply{Code: reply.Code, Result: reply.Result}); err != nil {
		log.Errorf("Unable to send reply: %v", err)
	}
}

// Keeps action processes from inheriting the connection.
func setCloseOnExec(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) { unix.CloseOnExec(int(fd)) })
}
