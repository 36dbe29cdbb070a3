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

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

const decodeWarnInterval = time.Minute

// Converts raw log bytes to UTF-8 text, replacing what cannot be decoded.
type decoder struct {
	name string
	enc  encoding.Encoding

	mu       sync.Mutex
	lastWarn time.Time
}

// Returns a decoder for an encoding name; "auto" and "" mean UTF-8.
func newDecoder(name string) (*decoder, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "auto") {
		return &decoder{name: "auto", enc: unicode.UTF8}, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown log encoding %q: %w", name, err)
	}
	return &decoder{name: name, enc: enc}, nil
}

func (d *decoder) decode(raw string) string {
	if d.enc == unicode.UTF8 {
		if utf8.ValidString(raw) {
			return raw
		}
		d.warn(raw)
		return strings.ToValidUTF8(raw, "�")
	}
	out, err := d.enc.NewDecoder().String(raw)
	if err != nil {
		d.warn(raw)
		return strings.ToValidUTF8(raw, "�")
	}
	return out
}

func (d *decoder) warn(raw string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if now.Sub(d.lastWarn) < decodeWarnInterval {
		return
	}
	d.lastWarn = now
	log.Warningf("Error decoding line with '%s', consider setting logencoding to a proper value: %.80q",
		d.name, raw)
}
