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

package web

import (
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

// =========================================================================
//  Console log hook that mirrors log output to the WebSocket hub
//  so a browser can display daemon logs in real time.
// =========================================================================

type ConsoleHook struct {
	hub       *Hub
	formatter logrus.Formatter
	enabled   atomic.Bool
}

func NewConsoleHook(hub *Hub) *ConsoleHook {
	return &ConsoleHook{hub: hub, formatter: &logging.Formatter{}}
}

func (h *ConsoleHook) SetEnabled(enabled bool) { h.enabled.Store(enabled) }

func (h *ConsoleHook) Enabled() bool { return h.enabled.Load() }

func (h *ConsoleHook) Levels() []logrus.Level { return logrus.AllLevels }

// Runs under the logger lock: it must not log.
func (h *ConsoleHook) Fire(e *logrus.Entry) error {
	if !h.enabled.Load() || h.hub == nil {
		return nil
	}
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	if msg := strings.TrimRight(string(line), "\n"); msg != "" {
		h.hub.BroadcastConsoleLog(msg)
	}
	return nil
}

// Installs a console hook for hub on the process logger.
func SetupConsoleLog(hub *Hub, enabled bool) *ConsoleHook {
	h := NewConsoleHook(hub)
	h.SetEnabled(enabled)
	logging.AddHook(h)
	return h
}
