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

package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swissmakers/fail2ban-ng/internal/auth"
	"github.com/swissmakers/fail2ban-ng/internal/config"
)

// Checks bearer tokens; implemented by *auth.Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*auth.Identity, error)
}

// AuthMiddleware requires a verified bearer token on every request.
// A nil verifier lets all requests through.
// Browsers cannot set headers on websocket upgrades, so the token may also
// come in the access_token query parameter there.
func AuthMiddleware(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil && websocketUpgrade(c.Request) {
			if q := c.Query("access_token"); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		id, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			config.DebugLog("Rejected token from %s: %v", c.ClientIP(), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("identity", id)
		c.Set("username", id.Username)
		c.Next()
	}
}

func websocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet && r.Header.Get("Upgrade") == "websocket"
}

// Name of the authenticated caller, or "anonymous".
func caller(c *gin.Context) string {
	if name := c.GetString("username"); name != "" {
		return name
	}
	return "anonymous"
}
