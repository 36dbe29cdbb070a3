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
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	fieldLogger = "logger"
	fieldPrio   = "prio"
)

var pid = os.Getpid()

// Renders entries as "2006-01-02 15:04:05,000 fail2ban.filter [pid]: NOTICE  message".
// NoTime drops the timestamp for targets that stamp lines themselves (syslog).
type Formatter struct {
	NoTime bool
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	if !f.NoTime {
		b.WriteString(e.Time.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, ",%03d ", e.Time.Nanosecond()/1e6)
	}
	name, _ := e.Data[fieldLogger].(string)
	if name == "" {
		name = "fail2ban"
	}
	fmt.Fprintf(&b, "%-24s [%d]: %-8s %s", name, pid, EntryLevel(e), e.Message)
	for k, v := range e.Data {
		if k == fieldLogger || k == fieldPrio {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Returns the level an entry was logged with.
func EntryLevel(e *logrus.Entry) Level {
	if lvl, ok := e.Data[fieldPrio].(Level); ok {
		return lvl
	}
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return CRITICAL
	case logrus.ErrorLevel:
		return ERROR
	case logrus.WarnLevel:
		return WARNING
	case logrus.InfoLevel:
		return INFO
	case logrus.DebugLevel:
		return DEBUG
	default:
		return TRACE
	}
}

// Returns the logger name an entry was logged with.
func EntryLogger(e *logrus.Entry) string {
	name, _ := e.Data[fieldLogger].(string)
	return name
}
