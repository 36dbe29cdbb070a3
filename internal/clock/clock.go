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

// Package clock holds the process-wide notion of "now". Every component that
// compares ban or failure times asks this package so the time can be pinned.
package clock

import (
	"sync"
	"time"
)

var (
	mu     sync.RWMutex
	frozen time.Time
)

// Returns the current time, or the pinned time if one was set.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	if frozen.IsZero() {
		return time.Now()
	}
	return frozen
}

// Pins the clock to t. A zero t releases it.
func Set(t time.Time) {
	mu.Lock()
	frozen = t
	mu.Unlock()
}

// Pins the clock to the given unix time in seconds.
func SetUnix(sec int64) {
	Set(time.Unix(sec, 0))
}

// Moves a pinned clock forward by d. A running clock is left untouched.
func Advance(d time.Duration) {
	mu.Lock()
	if !frozen.IsZero() {
		frozen = frozen.Add(d)
	}
	mu.Unlock()
}

// Releases a pinned clock.
func Reset() {
	Set(time.Time{})
}

// Reports whether the clock is pinned.
func Frozen() bool {
	mu.RLock()
	defer mu.RUnlock()
	return !frozen.IsZero()
}

// Converts seconds (possibly fractional) to a duration.
func Seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
