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

// Package protocol implements the control socket framing: a msgpack
// payload followed by a fixed ASCII end marker.
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// =========================================================================
//  Constants
// =========================================================================

const (
	EndMarker = "<F2B_END_COMMAND>"

	// Upper bound of one framed message.
	MaxMessageSize = 32 << 20

	DefaultTimeout = 30 * time.Second
)

var (
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrIncomplete      = errors.New("connection closed before end marker")
)

// Response to one command; encoded as the two-element array [code, result].
type Reply struct {
	_msgpack struct{} `msgpack:",as_array"`
	Code     int
	Result   any
}

func (r Reply) OK() bool { return r.Code == 0 }

// Returns the result as an error for failed replies.
func (r Reply) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%v", r.Result)
}

// =========================================================================
//  Framing
// =========================================================================

// Encodes v and writes it followed by the end marker.
func WriteMessage(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	buf.WriteString(EndMarker)
	_, err := w.Write(buf.Bytes())
	return err
}

// Reads one framed message and returns its payload without the marker.
func ReadFrame(r io.Reader) ([]byte, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	marker := []byte(EndMarker)
	last := marker[len(marker)-1]
	var msg []byte
	for {
		chunk, err := br.ReadSlice(last)
		msg = append(msg, chunk...)
		if len(msg) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		if bytes.HasSuffix(msg, marker) {
			return msg[:len(msg)-len(marker)], nil
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(msg) == 0 {
				return nil, io.EOF
			}
			return nil, ErrIncomplete
		case err != nil:
			return nil, err
		}
	}
}

// Reads one framed message and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return Unmarshal(payload, v)
}

// Decodes a payload returned by ReadFrame.
func Unmarshal(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// =========================================================================
//  Client
// =========================================================================

// Talks to a server over its control socket. Each command uses its own
// connection.
type Client struct {
	Socket  string
	Timeout time.Duration
}

func NewClient(socket string) *Client {
	return &Client{Socket: socket, Timeout: DefaultTimeout}
}

// Sends one command and waits for the reply.
func (c *Client) Send(ctx context.Context, cmd []string) (Reply, error) {
	return c.Call(ctx, cmd)
}

// Sends cmds as one server-stream request; the first failure aborts it.
func (c *Client) SendStream(ctx context.Context, cmds [][]string) (Reply, error) {
	return c.Call(ctx, []any{"server-stream", cmds})
}

// Sends an arbitrary request value and waits for the reply.
func (c *Client) Call(ctx context.Context, req any) (Reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return Reply{}, fmt.Errorf("connect to %s: %w", c.Socket, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := WriteMessage(conn, req); err != nil {
		return Reply{}, err
	}
	var reply Reply
	if err := ReadMessage(conn, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// Reports whether a server answers on the socket.
func (c *Client) Ping(ctx context.Context) bool {
	r, err := c.Send(ctx, []string{"ping"})
	return err == nil && r.OK() && r.Result == "pong"
}
