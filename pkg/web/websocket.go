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
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/swissmakers/fail2ban-ng/internal/jail"
)

// =========================================================================
//  Types and Constants
// =========================================================================

// One encoded message; jail is empty for messages every client receives.
type frame struct {
	jail string
	data []byte
}

// A connected event stream subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// Jails whose events are delivered; nil means all.
	jails map[string]bool
}

// Fans jail events and console lines out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	frames chan frame
	join   chan *Client
	leave  chan *Client
	done   chan struct{}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	heartbeatInterval = 30 * time.Second
	clientQueue       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// =========================================================================
//  Origin check
// =========================================================================

// Accepts requests without an Origin (non-browser clients) and browser
// requests whose origin names the host that was dialed.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		log.Warningf("WebSocket rejected: malformed Origin header %q", origin)
		return false
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if !strings.EqualFold(hostPort(u.Host, u.Scheme), hostPort(host, scheme)) {
		log.Warningf("WebSocket rejected: origin %q does not match host %q", origin, host)
		return false
	}
	return true
}

// Adds the default port of scheme when host has none.
func hostPort(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if scheme == "https" || scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

// =========================================================================
//  Hub
// =========================================================================

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		frames:  make(chan frame, 256),
		join:    make(chan *Client),
		leave:   make(chan *Client),
		done:    make(chan struct{}),
	}
}

// Runs the hub until ctx is done; remaining clients are disconnected.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			log.Debugf("WebSocket client connected, %d total", n)
		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Debugf("WebSocket client disconnected, %d total", n)
		case f := <-h.frames:
			h.deliver(f)
		case now := <-heartbeat.C:
			if data, err := json.Marshal(map[string]any{"type": "heartbeat", "time": now.UTC().Unix()}); err == nil {
				h.deliver(frame{data: data})
			}
		}
	}
}

// Number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Must be called with mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Hands f to every interested client; a client whose queue is full is
// disconnected.
func (h *Hub) deliver(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(f) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.drop(c)
		}
	}
}

func (h *Hub) publish(jailName string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case h.frames <- frame{jail: jailName, data: data}:
		return true
	default:
		return false
	}
}

// Publishes a jail event. Its signature matches jail.Listener, so it can
// be subscribed directly; it never blocks the jail.
func (h *Hub) JailEvent(ev jail.Event) {
	msg := map[string]any{"type": string(ev.Kind) + "_event", "data": ev}
	if !h.publish(ev.Jail, msg) {
		log.Warningf("Event queue full, dropping %s event for %s", ev.Kind, ev.IP)
	}
}

// Publishes one console line. Drops silently when full since it is called
// from a log hook.
func (h *Hub) BroadcastConsoleLog(message string) {
	h.publish("", map[string]any{
		"type":    "console_log",
		"message": message,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// =========================================================================
//  Client
// =========================================================================

func (c *Client) wants(f frame) bool {
	return f.jail == "" || c.jails == nil || c.jails[f.jail]
}

// Discards everything but control frames; returns when the peer goes away.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debugf("WebSocket read failed: %v", err)
			}
			return
		}
	}
}

// Writes queued messages, one per frame, and pings the peer.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		var (
			kind = websocket.PingMessage
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ping.C:
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// Returns the gin handler upgrading to the event stream. Repeating the
// jail query parameter restricts the stream to those jails.
func WebSocketHandler(hub *Hub) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			log.Warningf("WebSocket upgrade failed: %v", err)
			return
		}
		c := &Client{hub: hub, conn: conn, send: make(chan []byte, clientQueue)}
		if names := ctx.QueryArray("jail"); len(names) > 0 {
			c.jails = make(map[string]bool, len(names))
			for _, n := range names {
				c.jails[n] = true
			}
		}
		select {
		case hub.join <- c:
		case <-hub.done:
			conn.Close()
			return
		}
		go c.writeLoop()
		go c.readLoop()
	}
}
