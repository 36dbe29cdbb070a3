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
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/swissmakers/fail2ban-ng/internal/actions"
	"github.com/swissmakers/fail2ban-ng/internal/clock"
)

// Info keys sent by default.
var defaultWebhookFields = []string{"ip", "family", "failures", "time", "bantime", "bancount", "matches", "restored"}

type webhookConfig struct {
	URL           string `validate:"required,url"`
	Method        string `validate:"oneof=POST PUT"`
	Token         string
	TokenURL      string `validate:"omitempty,url"`
	ClientID      string `validate:"required_with=TokenURL"`
	ClientSecret  string `validate:"required_with=TokenURL"`
	Scopes        []string
	Fields        []string
	SkipTLSVerify bool
}

// Payload of one webhook call.
type WebhookEvent struct {
	Event  string            `json:"event"`
	Jail   string            `json:"jail"`
	Action string            `json:"action"`
	IP     string            `json:"ip,omitempty"`
	Time   int64             `json:"time"`
	Info   map[string]string `json:"info,omitempty"`
}

// Posts ban events as JSON to an HTTP endpoint, optionally authenticated
// with a static bearer token or OAuth2 client credentials.
type Webhook struct {
	jail   string
	name   string
	cfg    webhookConfig
	client *http.Client
	props  *actions.Properties
}

func init() {
	actions.Register("webhook", newWebhook)
}

// Options: url, method, token, tokenurl, clientid, clientsecret, scopes,
// fields (space separated info keys), skiptlsverify, norestored.
func newWebhook(jail, name string, opts map[string]string) (actions.Action, error) {
	cfg := webhookConfig{
		URL:           opts["url"],
		Method:        strings.ToUpper(opts["method"]),
		Token:         opts["token"],
		TokenURL:      opts["tokenurl"],
		ClientID:      opts["clientid"],
		ClientSecret:  opts["clientsecret"],
		Scopes:        strings.Fields(opts["scopes"]),
		Fields:        strings.Fields(opts["fields"]),
		SkipTLSVerify: optBool(opts, "skiptlsverify"),
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = defaultWebhookFields
	}
	if err := validateOptions("webhook", cfg); err != nil {
		return nil, err
	}
	w := &Webhook{jail: jail, name: name, cfg: cfg, props: actions.NewProperties("norestored")}
	if v, ok := opts["norestored"]; ok {
		w.props.Set("norestored", v)
	}
	base := newHTTPClient(cfg.SkipTLSVerify)
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		w.client = cc.Client(ctx)
		w.client.Timeout = httpTimeout
	} else {
		w.client = base
	}
	return w, nil
}

func (w *Webhook) Start(context.Context) error { return nil }
func (w *Webhook) Stop(context.Context) error  { return nil }
func (w *Webhook) Check(context.Context) bool  { return true }

func (w *Webhook) Ban(ctx context.Context, info *actions.Info) error {
	return w.send(ctx, "ban", info)
}

func (w *Webhook) Unban(ctx context.Context, info *actions.Info) error {
	return w.send(ctx, "unban", info)
}

func (w *Webhook) Prolong(ctx context.Context, info *actions.Info) error {
	return w.send(ctx, "prolong", info)
}

func (w *Webhook) SetProperty(k, v string) error     { return w.props.Set(k, v) }
func (w *Webhook) Property(k string) (string, error) { return w.props.Get(k) }
func (w *Webhook) Properties() []string              { return w.props.Names() }

func (w *Webhook) send(ctx context.Context, event string, info *actions.Info) error {
	ev := WebhookEvent{Event: event, Jail: w.jail, Action: w.name, Time: clock.Now().Unix()}
	if info != nil {
		ev.IP = info.Get("ip")
		ev.Info = info.Map(w.cfg.Fields...)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	if _, err := doRequest(w.client, req, "webhook"); err != nil {
		return err
	}
	log.Debugf("[%s] webhook %s %s sent", w.jail, event, ev.IP)
	return nil
}
