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

package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// =========================================================================
//  Levels
// =========================================================================

// Severity of a log entry; larger is more severe.
type Level int32

const (
	TRACE    Level = 5
	DEBUG    Level = 10
	INFO     Level = 20
	NOTICE   Level = 25
	WARNING  Level = 30
	ERROR    Level = 40
	CRITICAL Level = 50
)

var levelNames = map[Level]string{
	TRACE:    "TRACE",
	DEBUG:    "DEBUG",
	INFO:     "INFO",
	NOTICE:   "NOTICE",
	WARNING:  "WARNING",
	ERROR:    "ERROR",
	CRITICAL: "CRITICAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Level " + strconv.Itoa(int(l))
}

// Maps a level onto the logrus level used to emit it.
func (l Level) logrus() logrus.Level {
	switch {
	case l >= ERROR:
		return logrus.ErrorLevel
	case l >= WARNING:
		return logrus.WarnLevel
	case l >= INFO:
		return logrus.InfoLevel
	case l >= DEBUG:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// Parses a level name or its numeric value. "HEAVYDEBUG" and "WARN" are accepted aliases.
func ParseLevel(s string) (Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "HEAVYDEBUG":
		return TRACE, nil
	case "WARN":
		return WARNING, nil
	case "FATAL":
		return CRITICAL, nil
	}
	for lvl, n := range levelNames {
		if n == name {
			return lvl, nil
		}
	}
	if v, err := strconv.Atoi(name); err == nil && v > 0 {
		return Level(v), nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

// =========================================================================
//  Package State
// =========================================================================

var (
	base      = newBase()
	threshold atomic.Int32
	stateMu   sync.Mutex
	hooks     []logrus.Hook
)

func init() {
	threshold.Store(int32(INFO))
}

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&Formatter{})
	l.SetLevel(logrus.TraceLevel)
	return l
}

// Returns the underlying logrus logger.
func Base() *logrus.Logger {
	return base
}

// Sets the minimum level that gets emitted.
func SetLevel(l Level) {
	threshold.Store(int32(l))
}

// Returns the current minimum level.
func GetLevel() Level {
	return Level(threshold.Load())
}

// Reports whether entries at level l are emitted.
func Enabled(l Level) bool {
	return l >= GetLevel()
}

// Registers a hook that survives target changes.
func AddHook(h logrus.Hook) {
	stateMu.Lock()
	defer stateMu.Unlock()
	hooks = append(hooks, h)
	base.AddHook(h)
}

// Drops every registered hook; used by tests.
func ResetHooks() {
	stateMu.Lock()
	defer stateMu.Unlock()
	hooks = nil
	base.ReplaceHooks(make(logrus.LevelHooks))
}

func reinstallHooksLocked(extra ...logrus.Hook) {
	lh := make(logrus.LevelHooks)
	for _, h := range hooks {
		lh.Add(h)
	}
	for _, h := range extra {
		lh.Add(h)
	}
	base.ReplaceHooks(lh)
}

// Redirects the output of the base logger, used by tests and console mirroring.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// =========================================================================
//  Named Loggers
// =========================================================================

// A named logger; the name ends up in every formatted line.
type Logger struct {
	name string
}

var (
	loggersMu sync.Mutex
	loggers   = map[string]*Logger{}
)

// Returns the logger registered under name, creating it on first use.
func GetLogger(name string) *Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{name: name}
	loggers[name] = l
	return l
}

func (l *Logger) Name() string {
	return l.name
}

// Emits a formatted entry at the given level.
func (l *Logger) Logf(level Level, format string, args ...interface{}) {
	if !Enabled(level) {
		return
	}
	base.WithFields(logrus.Fields{
		fieldLogger: l.name,
		fieldPrio:   level,
	}).Logf(level.logrus(), format, args...)
}

func (l *Logger) Criticalf(format string, args ...interface{}) { l.Logf(CRITICAL, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})    { l.Logf(ERROR, format, args...) }
func (l *Logger) Warningf(format string, args ...interface{})  { l.Logf(WARNING, format, args...) }
func (l *Logger) Noticef(format string, args ...interface{})   { l.Logf(NOTICE, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})     { l.Logf(INFO, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{})    { l.Logf(DEBUG, format, args...) }
func (l *Logger) Tracef(format string, args ...interface{})    { l.Logf(TRACE, format, args...) }

// Reports whether the logger would emit entries at level.
func (l *Logger) Enabled(level Level) bool {
	return Enabled(level)
}
