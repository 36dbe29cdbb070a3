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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
)

type pfsenseConfig struct {
	BaseURL       string `validate:"required,url"`
	APIToken      string `validate:"required"`
	Alias         string `validate:"required"`
	Description   string
	SkipTLSVerify bool
}

type pfsenseClient struct {
	cfg  pfsenseConfig
	http *http.Client
	// serializes the read-modify-write of the alias
	mu sync.Mutex
}

// Response of the pfSense alias endpoint.
type firewallAliasResponse struct {
	Data firewallAlias `json:"data"`
}

type firewallAlias struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Descr   string   `json:"descr"`
	Address []string `json:"address"`
	Detail  []string `json:"detail"`
}

func init() {
	actions.Register("pfsense", newPfSense)
}

// Creates an action managing a pfSense firewall alias. Options: baseurl,
// apitoken, alias, description, skiptlsverify, norestored.
func newPfSense(jail, name string, opts map[string]string) (actions.Action, error) {
	cfg := pfsenseConfig{
		BaseURL:       strings.TrimSuffix(opts["baseurl"], "/"),
		APIToken:      opts["apitoken"],
		Alias:         opts["alias"],
		Description:   opts["description"],
		SkipTLSVerify: optBool(opts, "skiptlsverify"),
	}
	if cfg.Description == "" {
		cfg.Description = "Fail2ban NG block (" + jail + ")"
	}
	if err := validateOptions("pfsense", cfg); err != nil {
		return nil, err
	}
	c := &pfsenseClient{cfg: cfg, http: newHTTPClient(cfg.SkipTLSVerify)}
	return newAliasAction(jail, name, c, opts), nil
}

func (p *pfsenseClient) vendor() string { return "pfSense" }

func (p *pfsenseClient) add(ctx context.Context, ip string) error {
	return p.modifyAlias(ctx, ip, true)
}

func (p *pfsenseClient) remove(ctx context.Context, ip string) error {
	return p.modifyAlias(ctx, ip, false)
}

// Adds or removes ip with a GET-modify-PATCH of the alias, then applies.
func (p *pfsenseClient) modifyAlias(ctx context.Context, ip string, add bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alias, err := p.getAlias(ctx)
	if err != nil {
		return fmt.Errorf("failed to get alias %s: %w", p.cfg.Alias, err)
	}
	idx := slices.Index(alias.Address, ip)
	switch {
	case add && idx >= 0:
		log.Debugf("IP %s already exists in alias %s", ip, p.cfg.Alias)
		return nil
	case add:
		alias.Address = append(alias.Address, ip)
		alias.Detail = append(alias.Detail, p.cfg.Description)
	case idx < 0:
		log.Debugf("IP %s not found in alias %s", ip, p.cfg.Alias)
		return nil
	default:
		alias.Address = slices.Delete(alias.Address, idx, idx+1)
		if idx < len(alias.Detail) {
			alias.Detail = slices.Delete(alias.Detail, idx, idx+1)
		}
	}

	if err := p.updateAlias(ctx, alias); err != nil {
		return fmt.Errorf("failed to update alias %s: %w", p.cfg.Alias, err)
	}
	// the alias is stored; a failed apply is picked up by the next one
	if err := p.apply(ctx); err != nil {
		log.Warningf("pfSense: failed to apply firewall changes: %v", err)
	}
	return nil
}

func (p *pfsenseClient) newRequest(ctx context.Context, method, apiURL string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create pfSense %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", p.cfg.APIToken)
	return req, nil
}

// GET /api/v2/firewall/alias?name=<alias>
func (p *pfsenseClient) getAlias(ctx context.Context) (*firewallAlias, error) {
	u, err := url.Parse(p.cfg.BaseURL + "/api/v2/firewall/alias")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("name", p.cfg.Alias)
	u.RawQuery = q.Encode()

	req, err := p.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	body, err := doRequest(p.http, req, p.vendor())
	if err != nil {
		return nil, err
	}
	var resp firewallAliasResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pfSense alias response: %w", err)
	}
	return &resp.Data, nil
}

// PATCH /api/v2/firewall/alias/{id}
func (p *pfsenseClient) updateAlias(ctx context.Context, alias *firewallAlias) error {
	payload := map[string]any{
		"name":    alias.Name,
		"type":    alias.Type,
		"descr":   alias.Descr,
		"address": alias.Address,
	}
	if len(alias.Detail) > 0 {
		payload["detail"] = alias.Detail
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode pfSense PATCH payload: %w", err)
	}
	apiURL := fmt.Sprintf("%s/api/v2/firewall/alias/%d", p.cfg.BaseURL, alias.ID)
	log.Debugf("Calling pfSense API PATCH %s payload=%s", apiURL, data)
	req, err := p.newRequest(ctx, http.MethodPatch, apiURL, data)
	if err != nil {
		return err
	}
	_, err = doRequest(p.http, req, p.vendor())
	return err
}

// POST /api/v2/firewall/apply
func (p *pfsenseClient) apply(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodPost, p.cfg.BaseURL+"/api/v2/firewall/apply", nil)
	if err != nil {
		return err
	}
	_, err = doRequest(p.http, req, p.vendor())
	return err
}
