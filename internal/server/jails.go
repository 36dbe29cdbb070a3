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

package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/storage"
	"github.com/swissmakers/fail2ban-ng/internal/transmitter"
)

var ErrJailsPresent = errors.New("cannot change database when there are jails present")

// =========================================================================
//  Jail management
// =========================================================================

func (s *Server) Jails() *jail.Jails { return s.jails }

func (s *Server) AddJail(name, backend string) error {
	if s.jails.Exists(name) {
		return fmt.Errorf("%w: %s", jail.ErrDuplicateJail, name)
	}
	j, err := jail.New(name, backend, s.Database(), s.obs)
	if err != nil {
		return err
	}
	if err := s.jails.Add(j); err != nil {
		return err
	}
	s.metrics.Observe(j)
	s.lmu.Lock()
	for _, l := range s.listeners {
		j.AddListener(l)
	}
	s.lmu.Unlock()
	return nil
}

func (s *Server) StartJail(name string) error {
	j, err := s.jails.Get(name)
	if err != nil {
		return err
	}
	return j.Start()
}

// Stops the jail, lifting its bans, and removes it.
func (s *Server) StopJail(name string) error {
	j, err := s.jails.Remove(name)
	if err != nil {
		return err
	}
	err = j.Stop(s.opts.StopTimeout)
	s.metrics.Forget(name)
	if db := s.Database(); db != nil {
		if derr := db.DelJail(context.Background(), name); derr != nil {
			log.Errorf("Unable to disable jail %s in database: %v", name, derr)
		}
	}
	return err
}

// Signals every jail, then waits for all of them in parallel.
func (s *Server) StopAllJails() error {
	names := s.jails.Names()
	if len(names) == 0 {
		return nil
	}
	start := time.Now()
	for _, j := range s.jails.All() {
		j.Signal()
	}
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error { return s.StopJail(name) })
	}
	err := g.Wait()
	log.Infof("Stopped %s in %s", humanize.Comma(int64(len(names)))+" jail(s)", time.Since(start).Round(time.Millisecond))
	return err
}

// Feeds the command stream of a configured jail; a jail that fails to
// configure is dropped.
func (s *Server) startConfigured(js config.JailSettings) error {
	res := s.tr.ProceedStream(js.Commands())
	if res.Code == 0 {
		return nil
	}
	err := fmt.Errorf("jail %s: %v", js.Name, res.Result)
	log.Errorf("Unable to start jail %s: %v", js.Name, res.Result)
	if s.jails.Exists(js.Name) {
		s.StopJail(js.Name)
	}
	return err
}

// =========================================================================
//  Reload
// =========================================================================

// Re-reads the configuration and applies it to one jail, or all jails when
// name is empty.
func (s *Server) Reload(name string, opts transmitter.ReloadOptions) error {
	st, err := s.load(s.opts.ConfigPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()

	if name != "" {
		js, ok := st.Jail(name)
		if !ok {
			if opts.IfExists {
				return nil
			}
			return fmt.Errorf("%w: %s is not enabled in %s", jail.ErrUnknownJail, name, s.opts.ConfigPath)
		}
		return s.reloadJail(js, opts)
	}

	log.Infof("Reloading all jails")
	if err := applyLogging(st); err != nil {
		log.Errorf("Unable to apply logging settings: %v", err)
	}
	configured := st.EnabledJails()
	var errs []error
	for _, n := range s.jails.Names() {
		if !slices.ContainsFunc(configured, func(js config.JailSettings) bool { return js.Name == n }) {
			log.Infof("Jail '%s' is no longer configured, stopping", n)
			errs = append(errs, s.StopJail(n))
		}
	}
	for _, js := range configured {
		errs = append(errs, s.reloadJail(js, opts))
	}
	return errors.Join(errs...)
}

func (s *Server) reloadJail(js config.JailSettings, opts transmitter.ReloadOptions) error {
	j, err := s.jails.Get(js.Name)
	if err != nil {
		return s.startConfigured(js)
	}
	if opts.Restart {
		log.Infof("Restarting jail '%s'", js.Name)
		if opts.Unban {
			j.UnbanAll()
			// The new jail restores from the database.
			s.obs.WaitIdle(observerTimeout)
		}
		if err := s.StopJail(js.Name); err != nil {
			log.Warningf("%v", err)
		}
		return s.startConfigured(js)
	}

	log.Infof("Reloading jail '%s'", js.Name)
	if opts.Unban {
		log.Infof("[%s] Lifted %d bans", js.Name, j.UnbanAll())
	}
	resetJail(j, js)
	res := s.tr.ProceedStream(reloadCommands(j, js))
	if res.Code != 0 {
		return fmt.Errorf("jail %s: %v", js.Name, res.Result)
	}
	return j.Start()
}

// Clears the lists of j that are rebuilt by the configuration. Log paths
// and actions still configured are kept so that positions and bans survive.
func resetJail(j *jail.Jail, js config.JailSettings) {
	f := j.Filter()
	for i := len(f.Engine().FailRegexes()) - 1; i >= 0; i-- {
		f.DelFailRegex(i)
	}
	for i := len(f.Engine().IgnoreRegexes()) - 1; i >= 0; i-- {
		f.DelIgnoreRegex(i)
	}
	for _, ip := range f.IgnoreIPs() {
		f.DelIgnoreIP(ip)
	}
	for _, m := range f.JournalMatches() {
		f.DelJournalMatch(m)
	}
	for _, p := range f.GetLogPaths() {
		if !slices.Contains(js.LogPath, p) {
			f.DelLogPath(p)
		}
	}
	for _, name := range j.Actions().Names() {
		if !slices.ContainsFunc(js.Actions, func(a config.ActionSettings) bool { return a.Name == name }) {
			j.Actions().DelAction(name)
		}
	}
	j.SetBanTimeIncrement(bantime.Default())
}

// Returns the set commands of js without the log paths j already follows.
func reloadCommands(j *jail.Jail, js config.JailSettings) [][]string {
	paths := j.Filter().GetLogPaths()
	cmds := js.SetCommands(j.Actions().Names())
	return slices.DeleteFunc(cmds, func(c []string) bool {
		return len(c) > 3 && c[2] == "addlogpath" && slices.Contains(paths, c[3])
	})
}

// =========================================================================
//  Database
// =========================================================================

func (s *Server) Database() *storage.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Opens the database at path; "none" disables persistence.
func (s *Server) SetDatabase(path string) error {
	if s.jails.Len() > 0 {
		return ErrJailsPresent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if s.db.Filename() == path {
			return nil
		}
		s.db.Close()
		s.db = nil
		s.obs.SetDB(nil)
	}
	if path == "" || path == storage.Disabled {
		log.Infof("Persistence disabled")
		return nil
	}
	db, err := storage.Open(context.Background(), path)
	if err != nil {
		return err
	}
	if age, err := bantime.ParseDuration(s.settings.DBPurgeAge); err == nil && age > 0 {
		db.SetPurgeAge(age)
	}
	if s.settings.DBMaxMatches > 0 {
		db.SetMaxMatches(s.settings.DBMaxMatches)
	}
	s.db = db
	s.obs.SetDB(db)
	log.Infof("Database %s opened (%s)", path, humanize.Bytes(uint64(max(0, db.Size()))))
	return nil
}

// =========================================================================
//  Server info
// =========================================================================

func (s *Server) FlushLogs() (string, error) {
	return logging.Flush()
}

func (s *Server) Info() transmitter.Info {
	st := s.Settings()
	return transmitter.Info{
		Version:   config.Version,
		StartTime: s.started,
		Socket:    st.Socket,
		PidFile:   st.PidFile,
		Observer:  s.obs.Status(),
	}
}
