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
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// =========================================================================
//  Ban Time Increment
// =========================================================================

// Named increment formulas.
const (
	FormulaPow2 = "pow2" // Time * 2^min(Count,20) * Factor
	FormulaExp  = "exp"  // Time * e^((Count+1)*Factor) / e^Factor
)

const defaultExpFactor = 2.0 / 2.885385

// Recidivism policy of a jail.
type Config struct {
	Increment    bool          `yaml:"increment" json:"increment"`
	Factor       float64       `yaml:"factor" json:"factor"`
	Formula      string        `yaml:"formula" json:"formula" validate:"omitempty,oneof=pow2 exp default"`
	Multipliers  []float64     `yaml:"multipliers" json:"multipliers"`
	MaxTime      time.Duration `yaml:"maxtime" json:"maxtime"`
	RndTime      time.Duration `yaml:"rndtime" json:"rndtime"`
	OverallJails bool          `yaml:"overalljails" json:"overalljails"`
}

// Returns the disabled default policy (factor 1, pow2, max 24h).
func Default() Config {
	return Config{
		Factor:  1,
		Formula: FormulaPow2,
		MaxTime: 24 * time.Hour,
	}
}

// Validates the policy.
func (c Config) Validate() error {
	switch c.Formula {
	case "", "default", FormulaPow2, FormulaExp:
	default:
		return fmt.Errorf("unknown bantime formula %q", c.Formula)
	}
	if c.Factor < 0 {
		return fmt.Errorf("bantime factor must not be negative")
	}
	if c.MaxTime < 0 || c.RndTime < 0 {
		return fmt.Errorf("bantime maxtime and rndtime must not be negative")
	}
	for _, m := range c.Multipliers {
		if m < 0 {
			return fmt.Errorf("bantime multipliers must not be negative")
		}
	}
	return nil
}

// Computes the ban time for the given previous ban count, without jitter.
// Permanent or unset ban times and a zero count are returned unchanged.
func (c Config) Calc(banTime time.Duration, banCount int) time.Duration {
	if banTime <= 0 || banCount <= 0 {
		return banTime
	}
	factor := c.Factor
	var secs float64
	base := banTime.Seconds()
	switch {
	case len(c.Multipliers) > 0:
		if factor == 0 {
			factor = 1
		}
		idx := banCount
		if idx >= len(c.Multipliers) {
			idx = len(c.Multipliers) - 1
		}
		secs = base * factor * c.Multipliers[idx]
	case c.Formula == FormulaExp:
		if factor == 0 {
			factor = defaultExpFactor
		}
		secs = base * math.Exp(float64(banCount+1)*factor) / math.Exp(factor)
	default:
		if factor == 0 {
			factor = 1
		}
		n := banCount
		if n > 20 {
			n = 20
		}
		secs = base * float64(int64(1)<<n) * factor
	}
	d := time.Duration(math.Round(secs)) * time.Second
	if c.MaxTime > 0 && d > c.MaxTime {
		d = c.MaxTime
	}
	return d
}

// Calc plus a uniform random jitter in [0, RndTime).
func (c Config) CalcWithJitter(banTime time.Duration, banCount int) time.Duration {
	d := c.Calc(banTime, banCount)
	if c.RndTime > 0 && d > 0 && banCount > 0 {
		d += time.Duration(rand.Int64N(int64(c.RndTime)))
	}
	return d
}

// Parses a space or comma separated multiplier list ("1 2 4 8").
func ParseMultipliers(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid multiplier %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

// Formats multipliers the way ParseMultipliers reads them.
func FormatMultipliers(m []float64) string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
