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

package jail

import (
	"fmt"
	"slices"
	"sync"
)

// Jails keeps the jails of a server in insertion order.
type Jails struct {
	mu    sync.RWMutex
	names []string
	jails map[string]*Jail
}

func NewJails() *Jails {
	return &Jails{jails: make(map[string]*Jail)}
}

func (r *Jails) Add(j *Jail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jails[j.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJail, j.Name())
	}
	r.jails[j.Name()] = j
	r.names = append(r.names, j.Name())
	return nil
}

func (r *Jails) Get(name string) (*Jail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jails[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJail, name)
	}
	return j, nil
}

func (r *Jails) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jails[name]
	return ok
}

// Removes and returns the named jail.
func (r *Jails) Remove(name string) (*Jail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jails[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJail, name)
	}
	delete(r.jails, name)
	r.names = slices.DeleteFunc(r.names, func(n string) bool { return n == name })
	return j, nil
}

func (r *Jails) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

// Returns the jails in insertion order.
func (r *Jails) All() []*Jail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Jail, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.jails[n])
	}
	return out
}

func (r *Jails) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
