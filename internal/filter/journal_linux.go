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

//go:build linux && cgo

package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/swissmakers/fail2ban-ng/internal/clock"
)

// Reads entries from the systemd journal that match the journal matches.
type journalBackend struct {
	f *Filter
	j *sdjournal.Journal
}

func newJournalBackend(f *Filter) (backend, error) {
	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("unable to open systemd journal: %w", err)
	}
	return &journalBackend{f: f, j: j}, nil
}

func (b *journalBackend) pathAdded(string)   {}
func (b *journalBackend) pathRemoved(string) {}

func (b *journalBackend) close() {
	b.j.Close()
}

func (b *journalBackend) applyMatches() error {
	b.j.FlushMatches()
	for i, group := range b.f.JournalMatches() {
		if i > 0 {
			if err := b.j.AddDisjunction(); err != nil {
				return err
			}
		}
		for _, m := range group {
			if m == "+" {
				if err := b.j.AddDisjunction(); err != nil {
					return err
				}
				continue
			}
			if err := b.j.AddMatch(m); err != nil {
				return fmt.Errorf("journal match %q: %w", m, err)
			}
		}
	}
	return nil
}

func (b *journalBackend) run(ctx context.Context) error {
	f := b.f
	if err := b.applyMatches(); err != nil {
		return err
	}
	from := clock.Now().Add(-f.FindTime())
	if err := b.j.SeekRealtimeUsec(uint64(from.UnixMicro())); err != nil {
		return fmt.Errorf("journal seek: %w", err)
	}
	log.Debugf("[%s] Jail is in operation, reading journal since %s", f.jail.Name(), from.Format(time.DateTime))
	for ctx.Err() == nil {
		if f.Idle() {
			if !sleepCtx(ctx, f.SleepTime()) {
				return nil
			}
			continue
		}
		n, err := b.j.Next()
		if err != nil {
			return fmt.Errorf("journal read: %w", err)
		}
		if n == 0 {
			f.tick()
			b.j.Wait(f.SleepTime())
			continue
		}
		entry, err := b.j.GetEntry()
		if err != nil {
			log.Errorf("[%s] Unable to read journal entry: %v", f.jail.Name(), err)
			continue
		}
		t := time.UnixMicro(int64(entry.RealtimeTimestamp))
		f.ProcessLine(formatJournalEntry(entry.Fields), t)
	}
	return nil
}
