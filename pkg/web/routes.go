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
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swissmakers/fail2ban-ng/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// =========================================================================
//  Route Registration
// =========================================================================

// Builds the router. A nil verifier leaves /api open.
func NewRouter(b Backend, hub *Hub, v TokenVerifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	RegisterRoutes(r, b, hub, v)
	return r
}

func RegisterRoutes(r *gin.Engine, b Backend, hub *Hub, v TokenVerifier) {
	h := &handlers{backend: b}

	// Public routes; scraped by Prometheus without a token
	r.GET("/metrics", gin.WrapH(b.Metrics().Handler()))

	api := r.Group("/api", AuthMiddleware(v))
	{
		api.GET("/version", h.version)
		api.GET("/status", h.status)

		api.GET("/jails/:jail", h.jailStatus)
		api.POST("/jails/:jail/ban/:ip", h.ban)
		api.POST("/jails/:jail/unban/:ip", h.unban)
		api.POST("/unban", h.unbanAll)
		api.GET("/banned/:ip", h.banned)

		// Stream of jail events and, when enabled, console lines
		api.GET("/ws", WebSocketHandler(hub))
	}
}

// Logs every request at DEBUG on the daemon logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !logging.Enabled(logging.DEBUG) {
			return
		}
		log.Debugf("%s %s %d %s %s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Microsecond), c.ClientIP())
	}
}

// =========================================================================
//  Server
// =========================================================================

// Serves h on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, h)
}

func ServeListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Infof("HTTP API listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}
