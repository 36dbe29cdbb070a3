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

// Package integrations provides the concrete action kinds: templated shell
// commands, webhooks, firewall appliances and a recording dummy.
package integrations

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var (
	log      = logging.GetLogger("fail2ban.integrations")
	validate = validator.New()
)

const httpTimeout = 10 * time.Second

// =========================================================================
//  Options
// =========================================================================

// Reads a boolean option; "yes", "on", "1" and "true" are true.
func optBool(opts map[string]string, key string) bool {
	v := strings.ToLower(strings.TrimSpace(opts[key]))
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v == "yes" || v == "on"
}

// Validates a decoded option struct, naming the first offending option.
func validateOptions(kind string, cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: option %q failed %q", kind, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}

// =========================================================================
//  HTTP
// =========================================================================

func newHTTPClient(skipTLSVerify bool) *http.Client {
	c := &http.Client{Timeout: httpTimeout}
	if skipTLSVerify {
		c.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 - user controlled
		}
	}
	return c
}

// Sends req and returns the trimmed body; statuses >= 300 are errors.
func doRequest(client *http.Client, req *http.Request, vendor string) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return "", fmt.Errorf("%s API request to %s timed out: %w", vendor, req.URL, err)
		}
		return "", fmt.Errorf("%s API request to %s failed: %w", vendor, req.URL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	bodyStr := strings.TrimSpace(string(body))
	if resp.StatusCode >= 300 {
		if bodyStr != "" {
			return bodyStr, fmt.Errorf("%s API %s %s failed: status %s, response: %s", vendor, req.Method, req.URL.Path, resp.Status, bodyStr)
		}
		return "", fmt.Errorf("%s API %s %s failed: status %s", vendor, req.Method, req.URL.Path, resp.Status)
	}
	return bodyStr, nil
}

// =========================================================================
//  Firewall alias actions
// =========================================================================

// A firewall appliance that blocks the addresses listed in an alias.
type aliasClient interface {
	vendor() string
	add(ctx context.Context, ip string) error
	remove(ctx context.Context, ip string) error
}

// Adapts an aliasClient to the action contract.
type aliasAction struct {
	name   string
	jail   string
	client aliasClient
	props  *actions.Properties
}

func newAliasAction(jail, name string, c aliasClient, opts map[string]string) *aliasAction {
	a := &aliasAction{name: name, jail: jail, client: c, props: actions.NewProperties("norestored")}
	if v, ok := opts["norestored"]; ok {
		a.props.Set("norestored", v)
	}
	return a
}

func (a *aliasAction) Start(context.Context) error { return nil }
func (a *aliasAction) Stop(context.Context) error  { return nil }
func (a *aliasAction) Check(context.Context) bool  { return true }

func (a *aliasAction) Ban(ctx context.Context, info *actions.Info) error {
	ip := info.Get("ip")
	if err := a.client.add(ctx, ip); err != nil {
		return err
	}
	log.Infof("[%s] %s: %s added to alias", a.jail, a.client.vendor(), ip)
	return nil
}

func (a *aliasAction) Unban(ctx context.Context, info *actions.Info) error {
	ip := info.Get("ip")
	if err := a.client.remove(ctx, ip); err != nil {
		return err
	}
	log.Infof("[%s] %s: %s removed from alias", a.jail, a.client.vendor(), ip)
	return nil
}

func (a *aliasAction) SetProperty(k, v string) error     { return a.props.Set(k, v) }
func (a *aliasAction) Property(k string) (string, error) { return a.props.Get(k) }
func (a *aliasAction) Properties() []string              { return a.props.Names() }
