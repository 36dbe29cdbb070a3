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

package bantime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPart = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(years?|yea?|y|months?|mon?|weeks?|we?|w|days?|da|dd?|hours?|hou?|hh?|minutes?|mins?|mi|mm?|seconds?|secs?|se|ss?|ms)?`)

var unitSeconds = map[byte]float64{
	'y': 365 * 24 * 3600,
	'w': 7 * 24 * 3600,
	'd': 24 * 3600,
	'h': 3600,
	's': 1,
}

// Parses "600", "-1", "10m", "1h30m", "1d", "2w", "1mo", "1y" (or any Go duration).
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(v * float64(time.Second)), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	neg := strings.HasPrefix(s, "-")
	rest := strings.TrimPrefix(s, "-")
	total := 0.0
	matched := 0
	for _, m := range durationPart.FindAllStringSubmatchIndex(rest, -1) {
		if m[0] != matched && strings.TrimSpace(rest[matched:m[0]]) != "" {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		matched = m[1]
		v, _ := strconv.ParseFloat(rest[m[2]:m[3]], 64)
		unit := ""
		if m[4] >= 0 {
			unit = strings.ToLower(rest[m[4]:m[5]])
		}
		total += v * unitFactor(unit)
	}
	if matched == 0 || strings.TrimSpace(rest[matched:]) != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if neg {
		total = -total
	}
	return time.Duration(total * float64(time.Second)), nil
}

func unitFactor(unit string) float64 {
	switch {
	case unit == "":
		return 1
	case unit == "ms":
		return 0.001
	case strings.HasPrefix(unit, "mo"):
		return 30 * 24 * 3600
	case strings.HasPrefix(unit, "m"):
		return 60
	}
	return unitSeconds[unit[0]]
}

// Formats a duration as whole seconds, the unit of the wire protocol.
func Seconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return int64(d / time.Second)
}
