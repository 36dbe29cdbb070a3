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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	DefaultTimeout = 60 * time.Second
	killGrace      = 2 * time.Second
)

var (
	ErrEmptyCommand = errors.New("no command provided")
	ErrTimeout      = errors.New("command timed out")
)

// Outcome of one shell command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// =========================================================================
//  Shell Execution
// =========================================================================

// Runs command through /bin/sh in its own process group. On timeout the
// group gets SIGTERM, then SIGKILL after a short grace period. Exit codes
// other than 0 and successCodes are returned as errors.
func ExecuteCmd(ctx context.Context, command string, timeout time.Duration, successCodes ...int) (ExecResult, error) {
	var res ExecResult
	if strings.TrimSpace(command) == "" {
		return res, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("failed to start %q: %w", command, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = terminate(cmd, done)
		if err == nil {
			err = ErrTimeout
		}
		log.Errorf("%.40s -- timed out after %s", command, timeout)
	case <-ctx.Done():
		terminate(cmd, done)
		err = ctx.Err()
	}
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && slices.Contains(successCodes, res.ExitCode) {
		err = nil
	}
	switch {
	case err == nil:
		log.Debugf("%.40s -- returned successfully %d", command, res.ExitCode)
	case errors.As(err, &exitErr):
		log.Errorf("%.40s -- returned %d", command, res.ExitCode)
		logOutput(command, res)
		err = fmt.Errorf("command %.40q returned %d", command, res.ExitCode)
	default:
		logOutput(command, res)
	}
	return res, err
}

// Stops the process group and waits for the command to exit.
func terminate(cmd *exec.Cmd, done <-chan error) error {
	pgid := -cmd.Process.Pid
	unix.Kill(pgid, unix.SIGTERM)
	select {
	case err := <-done:
		if err != nil {
			return ErrTimeout
		}
		return nil
	case <-time.After(killGrace):
	}
	log.Warningf("Process group %d did not stop, sending SIGKILL", cmd.Process.Pid)
	unix.Kill(pgid, unix.SIGKILL)
	<-done
	return ErrTimeout
}

func logOutput(command string, res ExecResult) {
	if s := strings.TrimSpace(res.Stdout); s != "" {
		log.Errorf("%.40s -- stdout: %q", command, s)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		log.Errorf("%.40s -- stderr: %q", command, s)
	}
}
