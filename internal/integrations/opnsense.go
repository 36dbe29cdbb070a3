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

package integrations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
)

type opnsenseConfig struct {
	BaseURL       string `validate:"required,url"`
	APIKey        string `validate:"required"`
	APISecret     string `validate:"required"`
	Alias         string `validate:"required"`
	SkipTLSVerify bool
}

type opnsenseClient struct {
	cfg  opnsenseConfig
	http *http.Client
}

func init() {
	actions.Register("opnsense", newOPNsense)
}

// Creates an action managing an OPNsense firewall alias. Options: baseurl,
// apikey, apisecret, alias, skiptlsverify, norestored.
func newOPNsense(jail, name string, opts map[string]string) (actions.Action, error) {
	cfg := opnsenseConfig{
		BaseURL:       strings.TrimSuffix(opts["baseurl"], "/"),
		APIKey:        opts["apikey"],
		APISecret:     opts["apisecret"],
		Alias:         opts["alias"],
		SkipTLSVerify: optBool(opts, "skiptlsverify"),
	}
	if err := validateOptions("opnsense", cfg); err != nil {
		return nil, err
	}
	c := &opnsenseClient{cfg: cfg, http: newHTTPClient(cfg.SkipTLSVerify)}
	return newAliasAction(jail, name, c, opts), nil
}

func (o *opnsenseClient) vendor() string { return "OPNsense" }

func (o *opnsenseClient) add(ctx context.Context, ip string) error {
	return o.callAPI(ctx, "add", ip)
}

func (o *opnsenseClient) remove(ctx context.Context, ip string) error {
	return o.callAPI(ctx, "delete", ip)
}

// =========================================================================
//  OPNsense API
// =========================================================================

func (o *opnsenseClient) callAPI(ctx context.Context, action, ip string) error {
	apiURL := o.cfg.BaseURL + fmt.Sprintf("/api/firewall/alias_util/%s/%s", action, o.cfg.Alias)
	data, err := json.Marshal(map[string]string{"address": ip})
	if err != nil {
		return fmt.Errorf("failed to encode OPNsense payload: %w", err)
	}
	log.Debugf("Calling OPNsense API %s action=%s payload=%s", apiURL, action, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create OPNsense request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth := base64.StdEncoding.EncodeToString([]byte(o.cfg.APIKey + ":" + o.cfg.APISecret))
	req.Header.Set("Authorization", "Basic "+auth)

	body, err := doRequest(o.http, req, o.vendor())
	if err != nil {
		return err
	}
	if body != "" {
		log.Debugf("OPNsense API response: %s", body)
	}
	return nil
}
