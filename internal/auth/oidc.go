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

// Package auth verifies OIDC bearer tokens presented to the HTTP API.
package auth

import (
	"context"
	"crypto"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/swissmakers/fail2ban-ng/internal/clock"
	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

var log = logging.GetLogger("fail2ban.auth")

var ErrNoToken = errors.New("no bearer token")

// Discovery attempts before giving up.
var discoveryRetries = 10

// Verifies ID tokens issued by one provider.
type Verifier struct {
	verifier      *oidc.IDTokenVerifier
	usernameClaim string
	skipVerify    bool
}

// The caller behind a verified token.
type Identity struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

// Returns a context with an HTTP client that skips TLS verification if enabled.
func contextWithSkipVerify(ctx context.Context, skipVerify bool) context.Context {
	if !skipVerify {
		return ctx
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{Transport: tr}
	return oidc.ClientContext(ctx, client)
}

func oidcConfig(cfg config.OIDCSettings) *oidc.Config {
	return &oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: cfg.SkipClientIDCheck,
		Now:               clock.Now,
	}
}

// Discovers the provider behind cfg.Issuer, retrying with backoff while it
// is not reachable yet.
func NewVerifier(ctx context.Context, cfg config.OIDCSettings) (*Verifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	retryDelay := 2 * time.Second
	var (
		provider *oidc.Provider
		err      error
	)
	for attempt := 0; attempt < discoveryRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, 10*time.Second)
		provider, err = oidc.NewProvider(contextWithSkipVerify(actx, cfg.SkipVerify), cfg.Issuer)
		cancel()
		if err == nil {
			break
		}
		config.DebugLog("OIDC provider discovery attempt %d/%d failed: %v, retrying in %v...",
			attempt+1, discoveryRetries, err, retryDelay)
		if attempt == discoveryRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay = min(time.Duration(float64(retryDelay)*1.5), 10*time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider after %d attempts: %w", discoveryRetries, err)
	}
	log.Infof("OIDC bearer authentication enabled, issuer: %s", cfg.Issuer)
	return &Verifier{
		verifier:      provider.Verifier(oidcConfig(cfg)),
		usernameClaim: cfg.UsernameClaim,
		skipVerify:    cfg.SkipVerify,
	}, nil
}

// Builds a verifier from fixed signing keys, without discovery.
func NewStaticVerifier(cfg config.OIDCSettings, keys ...crypto.PublicKey) *Verifier {
	ks := &oidc.StaticKeySet{PublicKeys: keys}
	return &Verifier{
		verifier:      oidc.NewVerifier(cfg.Issuer, ks, oidcConfig(cfg)),
		usernameClaim: cfg.UsernameClaim,
	}
}

// Extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(token), nil
}

// Verifies rawToken and extracts the caller.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	ctx = contextWithSkipVerify(ctx, v.skipVerify)
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	id := &Identity{
		Subject: idToken.Subject,
		Email:   str("email"),
		Name:    str("name"),
	}

	claim := v.usernameClaim
	if claim == "" {
		claim = "preferred_username"
	}
	for _, k := range []string{claim, "preferred_username", "email", "sub"} {
		if id.Username = str(k); id.Username != "" {
			break
		}
	}
	if id.Name == "" {
		id.Name = strings.TrimSpace(str("given_name") + " " + str("family_name"))
		if id.Name == "" {
			id.Name = id.Username
		}
	}
	return id, nil
}
