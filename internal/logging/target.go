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
	"log/syslog"
	"os"
	"path/filepath"
	"strings"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// =========================================================================
//  Log Targets
// =========================================================================

var (
	currentTarget = "STDERR"
	syslogSocket  = "auto"
	logFile       *os.File
)

// Candidate syslog sockets probed when the socket is "auto".
var syslogSockets = []string{"/dev/log", "/var/run/syslog", "/var/run/log"}

// Returns the current log target.
func Target() string {
	stateMu.Lock()
	defer stateMu.Unlock()
	return currentTarget
}

// Returns the configured syslog socket.
func SyslogSocket() string {
	stateMu.Lock()
	defer stateMu.Unlock()
	return syslogSocket
}

// Changes the syslog socket; takes effect immediately if the target is SYSLOG.
func SetSyslogSocket(path string) error {
	stateMu.Lock()
	syslogSocket = path
	target := currentTarget
	stateMu.Unlock()
	if target == "SYSLOG" {
		return SetTarget(target)
	}
	return nil
}

// Switches output to STDOUT, STDERR, SYSLOG or a file path.
func SetTarget(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("empty log target")
	}
	stateMu.Lock()
	defer stateMu.Unlock()

	var (
		out    io.Writer
		extra  []*lsyslog.SyslogHook
		file   *os.File
		noTime bool
	)
	switch strings.ToUpper(target) {
	case "STDOUT":
		out, target = os.Stdout, "STDOUT"
	case "STDERR":
		out, target = os.Stderr, "STDERR"
	case "SYSLOG":
		hook, err := newSyslogHook(syslogSocket)
		if err != nil {
			return err
		}
		out, target, noTime = io.Discard, "SYSLOG", true
		extra = append(extra, hook)
	default:
		f, err := openLogFile(target)
		if err != nil {
			return err
		}
		out, file = f, f
	}

	if logFile != nil && logFile != file {
		logFile.Close()
	}
	logFile = file
	currentTarget = target
	base.SetOutput(out)
	base.SetFormatter(&Formatter{NoTime: noTime})
	if len(extra) > 0 {
		reinstallHooksLocked(extra[0])
	} else {
		reinstallHooksLocked()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

func newSyslogHook(socket string) (*lsyslog.SyslogHook, error) {
	if socket == "" || strings.EqualFold(socket, "auto") {
		socket = ""
		for _, candidate := range syslogSockets {
			if _, err := os.Stat(candidate); err == nil {
				socket = candidate
				break
			}
		}
	}
	network := "unixgram"
	if socket == "" {
		// no local socket; let log/syslog pick its defaults
		network = ""
	}
	hook, err := lsyslog.NewSyslogHook(network, socket, syslog.LOG_DAEMON|syslog.LOG_INFO, "fail2ban")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog %q: %w", socket, err)
	}
	return hook, nil
}

// Reopens a file target so an external rotation takes effect.
// Returns "rolled over" for files and "flushed" otherwise.
func Flush() (string, error) {
	stateMu.Lock()
	target := currentTarget
	isFile := logFile != nil
	stateMu.Unlock()
	if !isFile {
		return "flushed", nil
	}
	if err := SetTarget(target); err != nil {
		return "", err
	}
	return "rolled over", nil
}

// Closes a file target and falls back to STDERR.
func Close() {
	stateMu.Lock()
	defer stateMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	currentTarget = "STDERR"
	base.SetOutput(os.Stderr)
	base.SetFormatter(&Formatter{})
	reinstallHooksLocked()
}
