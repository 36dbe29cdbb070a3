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

// Package web serves the optional HTTP API of the daemon.
package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swissmakers/fail2ban-ng/internal/config"
	"github.com/swissmakers/fail2ban-ng/internal/ipaddr"
	"github.com/swissmakers/fail2ban-ng/internal/jail"
	"github.com/swissmakers/fail2ban-ng/internal/logging"
	"github.com/swissmakers/fail2ban-ng/internal/metrics"
	"github.com/swissmakers/fail2ban-ng/internal/transmitter"
)

var log = logging.GetLogger("fail2ban.web")

// =========================================================================
//  Types
// =========================================================================

// The daemon as seen by the HTTP API; implemented by the server.
type Backend interface {
	// Executes one control command, exactly as the socket would.
	Proceed(cmd []string) transmitter.Reply
	Jails() *jail.Jails
	Metrics() *metrics.Metrics
}

type handlers struct {
	backend Backend
}

// =========================================================================
//  Helpers
// =========================================================================

// Turns status rows into JSON objects, recursively.
func toJSON(v any) any {
	switch t := v.(type) {
	case [][2]any:
		out := make(map[string]any, len(t))
		for _, row := range t {
			out[fmt.Sprint(row[0])] = toJSON(row[1])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toJSON(e)
		}
		return out
	}
	return v
}

// Runs cmd and writes the result, or the error with status code.
func (h *handlers) proceed(c *gin.Context, code int, cmd ...string) {
	reply := h.backend.Proceed(cmd)
	if reply.Code != 0 {
		c.JSON(code, gin.H{"error": reply.Result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": toJSON(reply.Result)})
}

// Resolves the :jail parameter; writes 404 when unknown.
func (h *handlers) jail(c *gin.Context) (*jail.Jail, bool) {
	j, err := h.backend.Jails().Get(c.Param("jail"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return j, true
}

// Validates the :ip parameter; writes 400 when it is not an address.
func validIP(c *gin.Context) (string, bool) {
	ip := c.Param("ip")
	a, err := ipaddr.Parse(ip)
	if err != nil || !a.IsSingle() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid IP address %q", ip)})
		return "", false
	}
	return a.String(), true
}

// =========================================================================
//  Status
// =========================================================================

func (h *handlers) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": config.Version})
}

func (h *handlers) status(c *gin.Context) {
	reply := h.backend.Proceed([]string{"server-status"})
	if reply.Code != 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": reply.Result})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"server": toJSON(reply.Result),
		"jails":  h.backend.Jails().Names(),
	})
}

func (h *handlers) jailStatus(c *gin.Context) {
	j, ok := h.jail(c)
	if !ok {
		return
	}
	flavor := c.DefaultQuery("flavor", "basic")
	c.JSON(http.StatusOK, gin.H{"jail": j.Name(), "status": toJSON(j.Status(flavor))})
}

// =========================================================================
//  Ban / Unban Actions
// =========================================================================

func (h *handlers) ban(c *gin.Context) {
	config.DebugLog("Ban requested via API by %s", caller(c))
	j, ok := h.jail(c)
	if !ok {
		return
	}
	ip, ok := validIP(c)
	if !ok {
		return
	}
	log.Noticef("[%s] Ban %s requested by %s", j.Name(), ip, caller(c))
	h.proceed(c, http.StatusBadRequest, "set", j.Name(), "banip", ip)
}

func (h *handlers) unban(c *gin.Context) {
	config.DebugLog("Unban requested via API by %s", caller(c))
	j, ok := h.jail(c)
	if !ok {
		return
	}
	ip, ok := validIP(c)
	if !ok {
		return
	}
	if !j.IsBanned(ip) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s is not banned in %s", ip, j.Name())})
		return
	}
	log.Noticef("[%s] Unban %s requested by %s", j.Name(), ip, caller(c))
	h.proceed(c, http.StatusInternalServerError, "set", j.Name(), "unbanip", ip)
}

func (h *handlers) unbanAll(c *gin.Context) {
	log.Noticef("Unban of all addresses requested by %s", caller(c))
	h.proceed(c, http.StatusInternalServerError, "unban", "--all")
}

func (h *handlers) banned(c *gin.Context) {
	ip, ok := validIP(c)
	if !ok {
		return
	}
	var in []string
	for _, j := range h.backend.Jails().All() {
		if j.IsBanned(ip) {
			in = append(in, j.Name())
		}
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip, "jails": in})
}
