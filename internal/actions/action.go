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

package actions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrUnknownKind     = errors.New("unknown action kind")
	ErrUnknownProperty = errors.New("unknown action property")
)

// Enforces bans in the environment.
type Action interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Reports whether the enforcement mechanism is still in place.
	Check(ctx context.Context) bool
	Ban(ctx context.Context, info *Info) error
	Unban(ctx context.Context, info *Info) error
}

// Implemented by actions that can extend an active ban in place.
type Prolonger interface {
	Prolong(ctx context.Context, info *Info) error
}

// Implemented by actions that can lift all bans at once.
type Flusher interface {
	// Returns false when the action has nothing to flush with.
	CanFlush() bool
	Flush(ctx context.Context) error
}

// Implemented by actions with settable properties.
type Configurable interface {
	SetProperty(key, value string) error
	Property(key string) (string, error)
	Properties() []string
}

// Creates an action named name from its options.
type Factory func(jail, name string, opts map[string]string) (Action, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Makes an action kind available by name. Registering a kind twice panics.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("actions: Register factory is nil")
	}
	if _, dup := registry[kind]; dup {
		panic("actions: Register called twice for kind " + kind)
	}
	registry[kind] = f
}

// Returns the registered kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reports whether kind is registered.
func IsKind(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

// Creates an action of the registered kind.
func New(kind, jail, name string, opts map[string]string) (Action, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(jail, name, opts)
}

// =========================================================================
//  Properties
// =========================================================================

// Generic property bag for Configurable actions.
type Properties struct {
	mu    sync.RWMutex
	props map[string]string
	// Names accepted by Set; empty accepts any.
	allowed []string
}

func NewProperties(allowed ...string) *Properties {
	return &Properties{props: make(map[string]string), allowed: allowed}
}

func (p *Properties) Set(key, value string) error {
	if len(p.allowed) > 0 && !slices.Contains(p.allowed, key) {
		return fmt.Errorf("%w: %q", ErrUnknownProperty, key)
	}
	p.mu.Lock()
	p.props[key] = value
	p.mu.Unlock()
	return nil
}

func (p *Properties) Get(key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.props[key]
	if !ok {
		if len(p.allowed) > 0 && slices.Contains(p.allowed, key) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnknownProperty, key)
	}
	return v, nil
}

// Returns the value of key, or def when unset.
func (p *Properties) Value(key, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.props[key]; ok && v != "" {
		return v
	}
	return def
}

// Returns the known property names, sorted.
func (p *Properties) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]bool)
	for _, k := range p.allowed {
		seen[k] = true
	}
	for k := range p.props {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Returns a copy of all set values.
func (p *Properties) Map() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.props))
	for k, v := range p.props {
		out[k] = v
	}
	return out
}

func (p *Properties) Bool(key string) bool {
	v := strings.ToLower(p.Value(key, ""))
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "yes" || v == "on"
	}
	return b
}

// Reports whether a is flagged to skip restored tickets.
func noRestored(a Action) bool {
	if c, ok := a.(Configurable); ok {
		v, err := c.Property("norestored")
		if err != nil {
			return false
		}
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b || v == "yes" || v == "on"
	}
	return false
}
