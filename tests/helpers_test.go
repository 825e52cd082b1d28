package tests

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"cliprelay/internal/app"
	"cliprelay/internal/config"
	"cliprelay/internal/logx"
	"cliprelay/pkg/protocol"
	"cliprelay/pkg/wire"
)

const testRoomCode = "correct-horse-battery-staple"

// newRelay spins up a relay on an ephemeral port and returns the app plus
// the ws:// URL. mutate tweaks the config before the app is built.
func newRelay(t *testing.T, mutate func(*config.Config)) (*app.App, string) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.FixupAndValidate())
	logs, err := logx.New("", "off")
	require.NoError(t, err)

	a := app.New(cfg, logs)
	srv := httptest.NewServer(a.Mux)
	t.Cleanup(srv.Close)
	return a, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func devID(b byte) wire.DeviceID {
	var id wire.DeviceID
	for i := range id {
		id[i] = b
	}
	return id
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	c.SetReadLimit(wire.MaxFrameBytes + 64)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, data))
}

func readFrame(t *testing.T, c *websocket.Conn, timeout time.Duration) (wire.Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

// hello joins a raw connection to the test room.
func hello(t *testing.T, c *websocket.Conn, id wire.DeviceID, name string) {
	t.Helper()
	writeFrame(t, c, &wire.Hello{
		RoomID:     protocol.RoomIDFromCode(testRoomCode),
		DeviceID:   id,
		DeviceName: name,
	})
}

// waitForFrame reads until a frame of type F arrives or the deadline passes.
func waitForFrame[F wire.Frame](t *testing.T, c *websocket.Conn, timeout time.Duration) F {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "timed out waiting for %T", *new(F))
		f, err := readFrame(t, c, remaining)
		require.NoError(t, err)
		if got, ok := f.(F); ok {
			return got
		}
	}
}

// assertSilent asserts nothing arrives on the connection for the window.
func assertSilent(t *testing.T, c *websocket.Conn, window time.Duration) {
	t.Helper()
	f, err := readFrame(t, c, window)
	require.Error(t, err, "expected silence, got %#v", f)
}
