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

import "strings"

// Renders a journal entry as a syslog-like line:
// "host ident[pid]: message". The date is passed separately.
func formatJournalEntry(fields map[string]string) string {
	var b strings.Builder
	if h := fields["_HOSTNAME"]; h != "" {
		b.WriteString(h)
		b.WriteByte(' ')
	}
	ident := fields["SYSLOG_IDENTIFIER"]
	if ident == "" {
		ident = fields["_COMM"]
	}
	if ident != "" {
		b.WriteString(ident)
		pid := fields["SYSLOG_PID"]
		if pid == "" {
			pid = fields["_PID"]
		}
		if pid != "" {
			b.WriteString("[" + pid + "]")
		}
		b.WriteString(": ")
	}
	b.WriteString(fields["MESSAGE"])
	return b.String()
}
