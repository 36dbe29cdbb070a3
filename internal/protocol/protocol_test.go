package protocol

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	cmd := []string{"set", "sshd", "addfailregex", "Failed .* from <HOST>"}
	require.NoError(t, WriteMessage(&buf, cmd))
	assert.True(t, strings.HasSuffix(buf.String(), EndMarker))

	var got []string
	require.NoError(t, ReadMessage(iotest.OneByteReader(&buf), &got))
	assert.Equal(t, cmd, got)
}

func TestReplyIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Reply{Code: 1, Result: "boom"}))
	payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	var raw []any
	require.NoError(t, msgpack.Unmarshal(payload, &raw))
	require.Len(t, raw, 2)
	assert.EqualValues(t, 1, raw[0])
	assert.Equal(t, "boom", raw[1])

	r := Reply{Code: 1, Result: "boom"}
	assert.False(t, r.OK())
	assert.EqualError(t, r.Err(), "boom")
}

func TestReadFrameErrors(t *testing.T) {
	_, err := ReadFrame(strings.NewReader(""))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(strings.NewReader("partial<F2B_END"))
	assert.ErrorIs(t, err, ErrIncomplete)

	big := strings.NewReader(strings.Repeat("x", MaxMessageSize+10))
	_, err = ReadFrame(big)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestClientSend(t *testing.T) {
	dir, err := os.MkdirTemp("", "f2b")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var cmd []string
			if err := ReadMessage(conn, &cmd); err == nil {
				if cmd[0] == "ping" {
					WriteMessage(conn, Reply{Result: "pong"})
				} else {
					WriteMessage(conn, Reply{Result: map[string]any{"echo": cmd}})
				}
			}
			conn.Close()
		}
	}()

	c := NewClient(sock)
	assert.True(t, c.Ping(context.Background()))

	r, err := c.Send(context.Background(), []string{"status", "sshd"})
	require.NoError(t, err)
	require.True(t, r.OK())
	assert.Equal(t, map[string]any{"echo": []any{"status", "sshd"}}, r.Result)

	missing := NewClient(filepath.Join(dir, "missing.sock"))
	_, err = missing.Send(context.Background(), []string{"ping"})
	assert.Error(t, err)
	assert.False(t, missing.Ping(context.Background()))
}
