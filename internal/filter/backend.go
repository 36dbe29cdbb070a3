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

package filter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	BackendAuto    = "auto"
	BackendPolling = "polling"
	BackendInotify = "inotify"
	BackendSystemd = "systemd"
)

// A source of log lines driving a filter.
type backend interface {
	run(ctx context.Context) error
	pathAdded(path string)
	pathRemoved(path string)
	close()
}

type backendFactory func(f *Filter) (backend, error)

// Resolves a backend name such as "polling" or "systemd[journalflags=1]".
func lookupBackend(name string) (string, backendFactory, error) {
	base := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(base, '['); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "", BackendAuto:
		return BackendAuto, newAutoBackend, nil
	case BackendPolling:
		return BackendPolling, newPollBackend, nil
	case BackendInotify, "pyinotify":
		return BackendInotify, newNotifyBackend, nil
	case BackendSystemd:
		return BackendSystemd, newJournalBackend, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

// Reports whether name selects a known backend.
func IsBackend(name string) bool {
	_, _, err := lookupBackend(name)
	return err == nil
}

func newAutoBackend(f *Filter) (backend, error) {
	b, err := newNotifyBackend(f)
	if err == nil {
		return b, nil
	}
	log.Debugf("[%s] inotify backend unavailable (%v), falling back to polling", f.jail.Name(), err)
	return newPollBackend(f)
}

// Waits for the next pass; false when ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// =========================================================================
//  Polling
// =========================================================================

// Stats every file each sleeptime and reads the modified ones.
type pollBackend struct {
	f *Filter
}

func newPollBackend(f *Filter) (backend, error) {
	return &pollBackend{f: f}, nil
}

func (b *pollBackend) run(ctx context.Context) error {
	f := b.f
	for {
		if !f.Idle() {
			f.files.expandGlobs()
			for _, c := range f.files.containers() {
				if ctx.Err() != nil {
					return nil
				}
				modified, err := c.Modified()
				if err != nil {
					f.fileError(c, err)
					continue
				}
				if modified {
					f.getFailures(c)
				}
			}
			f.tick()
		}
		if !sleepCtx(ctx, f.SleepTime()) {
			return nil
		}
	}
}

func (b *pollBackend) pathAdded(string)   {}
func (b *pollBackend) pathRemoved(string) {}
func (b *pollBackend) close()             {}

// =========================================================================
//  Inotify
// =========================================================================

// Watches the directories of the monitored files and reads on change,
// with a periodic pass as a safety net.
type notifyBackend struct {
	f *Filter
	w *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]int
}

func newNotifyBackend(f *Filter) (backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &notifyBackend{f: f, w: w, dirs: make(map[string]int)}
	for _, p := range f.GetLogPaths() {
		b.pathAdded(p)
	}
	return b, nil
}

func (b *notifyBackend) pathAdded(path string) {
	dir := filepath.Dir(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirs[dir] == 0 {
		if err := b.w.Add(dir); err != nil {
			log.Errorf("[%s] Unable to watch %s: %v", b.f.jail.Name(), dir, err)
			return
		}
		log.Debugf("[%s] Added monitor for the parent directory %s", b.f.jail.Name(), dir)
	}
	b.dirs[dir]++
}

func (b *notifyBackend) pathRemoved(path string) {
	dir := filepath.Dir(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirs[dir] == 0 {
		return
	}
	b.dirs[dir]--
	if b.dirs[dir] == 0 {
		delete(b.dirs, dir)
		b.w.Remove(dir)
	}
}

func (b *notifyBackend) close() {
	b.w.Close()
}

func (b *notifyBackend) run(ctx context.Context) error {
	f := b.f
	if !f.Idle() {
		f.readAll()
	}
	ticker := time.NewTicker(f.SleepTime())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-b.w.Events:
			if !ok {
				return nil
			}
			if f.Idle() || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if c := f.files.get(ev.Name); c != nil {
				log.Tracef("[%s] Event %s", f.jail.Name(), ev)
				f.getFailures(c)
			}
		case err, ok := <-b.w.Errors:
			if !ok {
				return nil
			}
			log.Errorf("[%s] inotify error: %v", f.jail.Name(), err)
		case <-ticker.C:
			if f.Idle() {
				continue
			}
			f.files.expandGlobs()
			for _, c := range f.files.containers() {
				if modified, err := c.Modified(); err != nil {
					f.fileError(c, err)
				} else if modified {
					f.getFailures(c)
				}
			}
			f.tick()
		}
	}
}
