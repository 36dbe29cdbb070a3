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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/bantime"
	"github.com/swissmakers/fail2ban-ng/internal/filter"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var log = logging.GetLogger("fail2ban.config")

// =========================================================================
//  Types
// =========================================================================

const Version = "1.1.0"

const (
	DefaultPath     = "/etc/fail2ban-ng/fail2ban.yaml"
	DefaultSocket   = "/var/run/fail2ban/fail2ban.sock"
	DefaultPidFile  = "/var/run/fail2ban/fail2ban.pid"
	DefaultDBFile   = "/var/lib/fail2ban/fail2ban.sqlite3"
	DefaultLogLevel = "INFO"
)

// Daemon settings.
type Settings struct {
	Socket       string       `yaml:"socket" validate:"required"`
	PidFile      string       `yaml:"pidfile"`
	LogLevel     string       `yaml:"loglevel" validate:"loglevel"`
	LogTarget    string       `yaml:"logtarget" validate:"required"`
	SyslogSocket string       `yaml:"syslogsocket"`
	DBFile       string       `yaml:"dbfile"`
	DBPurgeAge   string       `yaml:"dbpurgeage" validate:"omitempty,duration"`
	DBMaxMatches int          `yaml:"dbmaxmatches" validate:"gte=0"`
	Debug        bool         `yaml:"debug"`
	GeoIPDB      string       `yaml:"geoip_database"`
	Whois        bool         `yaml:"whois"`
	HTTP         HTTPSettings `yaml:"http"`

	// Values every jail inherits unless it sets its own.
	Defaults JailSettings   `yaml:"defaults"`
	Jails    []JailSettings `yaml:"jails" validate:"dive"`
}

type HTTPSettings struct {
	Address string       `yaml:"address" validate:"omitempty,hostname_port"`
	OIDC    OIDCSettings `yaml:"oidc"`
}

type OIDCSettings struct {
	Issuer            string `yaml:"issuer" validate:"omitempty,url"`
	ClientID          string `yaml:"client_id" validate:"required_with=Issuer"`
	SkipClientIDCheck bool   `yaml:"skip_client_id_check"`
	SkipVerify        bool   `yaml:"skip_verify"`
	UsernameClaim     string `yaml:"username_claim"`
}

func (o OIDCSettings) Enabled() bool { return o.Issuer != "" }

// Returns the settings used when no file exists.
func Default() Settings {
	return Settings{
		Socket:       DefaultSocket,
		PidFile:      DefaultPidFile,
		LogLevel:     DefaultLogLevel,
		LogTarget:    "STDERR",
		SyslogSocket: "auto",
		DBFile:       DefaultDBFile,
		DBPurgeAge:   "1d",
		DBMaxMatches: 10,
		Defaults: JailSettings{
			Backend:  filter.BackendAuto,
			MaxRetry: 5,
			FindTime: "10m",
			BanTime:  "10m",
			UseDNS:   "warn",
		},
	}
}

// =========================================================================
//  Loading
// =========================================================================

// Reads settings from path; a missing file yields the defaults. Environment
// overrides are applied afterwards.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		DebugLog("No configuration at %s, using defaults", path)
	case err != nil:
		return s, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

var envOverrides = []struct {
	name  string
	apply func(s *Settings, v string)
}{
	{"F2B_SOCKET", func(s *Settings, v string) { s.Socket = v }},
	{"F2B_PIDFILE", func(s *Settings, v string) { s.PidFile = v }},
	{"F2B_LOGLEVEL", func(s *Settings, v string) { s.LogLevel = v }},
	{"F2B_LOGTARGET", func(s *Settings, v string) { s.LogTarget = v }},
	{"F2B_DBFILE", func(s *Settings, v string) { s.DBFile = v }},
	{"F2B_HTTP_ADDRESS", func(s *Settings, v string) { s.HTTP.Address = v }},
	{"F2B_DEBUG", func(s *Settings, v string) { s.Debug = v == "true" || v == "1" }},
}

func (s *Settings) applyEnv() {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && strings.TrimSpace(v) != "" {
			o.apply(s, strings.TrimSpace(v))
		}
	}
}

// =========================================================================
//  Validation
// =========================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			_, err := logging.ParseLevel(fl.Field().String())
			return err == nil
		})
		validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := bantime.ParseDuration(fl.Field().String())
			return err == nil
		})
		validate.RegisterValidation("backend", func(fl validator.FieldLevel) bool {
			return filter.IsBackend(fl.Field().String())
		})
		validate.RegisterValidation("actionkind", func(fl validator.FieldLevel) bool {
			return actions.IsKind(fl.Field().String())
		})
	})
	return validate
}

// Checks field constraints and jail names.
func (s *Settings) Validate() error {
	if err := getValidator().Struct(s); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) && len(verr) > 0 {
			fe := verr[0]
			return fmt.Errorf("invalid configuration: field '%s' violated rule '%s'", fe.Namespace(), fe.ActualTag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]bool, len(s.Jails))
	for _, j := range s.Jails {
		if j.Name == "" || strings.ContainsAny(j.Name, " \t") {
			return fmt.Errorf("invalid configuration: invalid jail name %q", j.Name)
		}
		if seen[j.Name] {
			return fmt.Errorf("invalid configuration: jail %q defined twice", j.Name)
		}
		seen[j.Name] = true
	}
	return nil
}

// =========================================================================
//  Debug logging
// =========================================================================

var debugMode atomic.Bool

func SetDebug(v bool) { debugMode.Store(v) }

// Logs at DEBUG when debug mode is on.
func DebugLog(format string, v ...interface{}) {
	if debugMode.Load() {
		log.Debugf(format, v...)
	}
}
