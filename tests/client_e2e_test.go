package tests

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cliprelay/pkg/protocol"
	"cliprelay/pkg/wire"
)

type payload struct {
	sender    wire.DeviceID
	mime      string
	plaintext []byte
}

// startClient runs a protocol client against the relay and exposes its
// callbacks as channels.
func startClient(t *testing.T, wsURL string, id wire.DeviceID, name string) (*protocol.Client, <-chan payload, <-chan protocol.Status) {
	t.Helper()
	payloads := make(chan payload, 64)
	statuses := make(chan protocol.Status, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := protocol.Dial(ctx, protocol.Config{
		URL:        wsURL,
		RoomCode:   testRoomCode,
		DeviceID:   id,
		DeviceName: name,
		OnPayload: func(sender wire.DeviceID, mime string, plaintext []byte) {
			payloads <- payload{sender: sender, mime: mime, plaintext: plaintext}
		},
		OnStatus: func(s protocol.Status) { statuses <- s },
	})
	require.NoError(t, err)

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(runCtx)
	}()
	t.Cleanup(func() {
		client.Close()
		runCancel()
		<-done
	})
	return client, payloads, statuses
}

func awaitStatus(t *testing.T, statuses <-chan protocol.Status, want protocol.Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func awaitPayload(t *testing.T, payloads <-chan payload) payload {
	t.Helper()
	select {
	case p := <-payloads:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return payload{}
	}
}

// S1: two peers join, agree on a key, and exchange clipboard text.
func TestTwoPeerForward(t *testing.T) {
	_, wsURL := newRelay(t, nil)

	a, _, aStatus := startClient(t, wsURL, devID(1), "a")
	awaitStatus(t, aStatus, protocol.StatusConnectedKeyReady)

	_, bPayloads, bStatus := startClient(t, wsURL, devID(2), "b")
	awaitStatus(t, bStatus, protocol.StatusConnectedKeyReady)

	// Both sides converge on the two-device peer set before A seals.
	require.Eventually(t, func() bool { return len(a.Peers()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.SubmitText(ctx, "hello"))

	got := awaitPayload(t, bPayloads)
	assert.Equal(t, devID(1), got.sender)
	assert.Equal(t, protocol.MimeTextPlain, got.mime)
	assert.Equal(t, []byte("hello"), got.plaintext)
}

// S2: re-sending an already-delivered sealed frame is dropped by the
// receiver's replay guard.
func TestReplayDropped(t *testing.T) {
	_, wsURL := newRelay(t, nil)

	_, bPayloads, bStatus := startClient(t, wsURL, devID(2), "b")
	awaitStatus(t, bStatus, protocol.StatusConnectedKeyReady)

	cA := dialWS(t, wsURL)
	hello(t, cA, devID(1), "a")
	var key protocol.RoomKey
	for {
		se := waitForFrame[*wire.SaltExchange](t, cA, time.Second)
		if len(se.DeviceIDs) == 2 {
			var err error
			key, err = protocol.DeriveRoomKey(testRoomCode, se.DeviceIDs)
			require.NoError(t, err)
			break
		}
	}

	msg, err := protocol.Seal(key, protocol.RoomIDFromCode(testRoomCode), devID(1), 1,
		protocol.MimeTextPlain, []byte("hello"))
	require.NoError(t, err)

	writeFrame(t, cA, msg)
	got := awaitPayload(t, bPayloads)
	assert.Equal(t, []byte("hello"), got.plaintext)

	// Byte-identical replay: the relay forwards it, B drops it.
	writeFrame(t, cA, msg)
	select {
	case p := <-bPayloads:
		t.Fatalf("replayed payload delivered: %#v", p)
	case <-time.After(300 * time.Millisecond):
	}
}

// A frame sealed under the previous device set still opens during the grace
// window after a join rotates the key.
func TestKeyGraceWindowAcrossJoin(t *testing.T) {
	_, wsURL := newRelay(t, nil)

	_, bPayloads, bStatus := startClient(t, wsURL, devID(2), "b")
	awaitStatus(t, bStatus, protocol.StatusConnectedKeyReady)

	cA := dialWS(t, wsURL)
	hello(t, cA, devID(1), "a")
	var oldKey protocol.RoomKey
	for {
		se := waitForFrame[*wire.SaltExchange](t, cA, time.Second)
		if len(se.DeviceIDs) == 2 {
			var err error
			oldKey, err = protocol.DeriveRoomKey(testRoomCode, se.DeviceIDs)
			require.NoError(t, err)
			break
		}
	}

	// A third device joins; B re-derives and the old key moves into the
	// grace window.
	cC := dialWS(t, wsURL)
	hello(t, cC, devID(3), "c")
	waitForFrame[*wire.SaltExchange](t, cC, time.Second)

	msg, err := protocol.Seal(oldKey, protocol.RoomIDFromCode(testRoomCode), devID(1), 1,
		protocol.MimeTextPlain, []byte("stale-key"))
	require.NoError(t, err)
	writeFrame(t, cA, msg)

	got := awaitPayload(t, bPayloads)
	assert.Equal(t, []byte("stale-key"), got.plaintext)
}

func TestFileTransferAcrossPeers(t *testing.T) {
	_, wsURL := newRelay(t, nil)

	a, _, aStatus := startClient(t, wsURL, devID(1), "a")
	awaitStatus(t, aStatus, protocol.StatusConnectedKeyReady)
	_, bPayloads, bStatus := startClient(t, wsURL, devID(2), "b")
	awaitStatus(t, bStatus, protocol.StatusConnectedKeyReady)
	require.Eventually(t, func() bool { return len(a.Peers()) == 2 }, 2*time.Second, 10*time.Millisecond)

	data := bytes.Repeat([]byte("cliprelay"), 30<<10) // ~270 KiB, several chunks
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SubmitFile(ctx, "blob.bin", data))

	assembler := protocol.NewAssembler()
	for {
		p := awaitPayload(t, bPayloads)
		require.Equal(t, protocol.MimeFileChunk, p.mime)
		file, err := assembler.Add(p.plaintext)
		require.NoError(t, err)
		if file != nil {
			assert.Equal(t, "blob.bin", file.Name)
			assert.Equal(t, data, file.Data)
			return
		}
	}
}

// A rejected join surfaces StatusError and ErrRejected, not a silent drop.
func TestClientSeesReject(t *testing.T) {
	_, wsURL := newRelay(t, nil)

	_, _, s1 := startClient(t, wsURL, devID(1), "a")
	awaitStatus(t, s1, protocol.StatusConnectedKeyReady)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dup, err := protocol.Dial(ctx, protocol.Config{
		URL:      wsURL,
		RoomCode: testRoomCode,
		DeviceID: devID(1),
	})
	require.NoError(t, err)
	defer dup.Close()

	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	err = dup.Run(runCtx)
	require.ErrorIs(t, err, protocol.ErrRejected)
	assert.Equal(t, protocol.StatusError, dup.Status())
}

func TestShutdownDisconnectsClients(t *testing.T) {
	a, wsURL := newRelay(t, nil)

	_, _, statuses := startClient(t, wsURL, devID(1), "a")
	awaitStatus(t, statuses, protocol.StatusConnectedKeyReady)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.WSS.Shutdown(ctx)

	awaitStatus(t, statuses, protocol.StatusDisconnected)
	assert.Eventually(t, func() bool { return a.Hub.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)
}
