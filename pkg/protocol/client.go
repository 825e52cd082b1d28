package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	logging "gopkg.in/op/go-logging.v1"

	"cliprelay/pkg/wire"
)

// Status is the connection state reported to the embedding application.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnectedNoKey
	StatusConnectedKeyReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnectedNoKey:
		return "connected-nokey"
	case StatusConnectedKeyReady:
		return "connected-keyready"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// defaultKeyGraceDepth keeps the previous room key around so messages sealed
// just before a membership change still open. Tunable via Config.
const defaultKeyGraceDepth = 2

var (
	ErrNoRoomKey  = errors.New("protocol: no room key derived yet")
	ErrRejected   = errors.New("protocol: relay rejected the join")
	ErrTextTooBig = errors.New("protocol: clipboard text exceeds 256 KiB")
)

// Config describes one client session.
type Config struct {
	// URL is the relay WebSocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	URL string
	// RoomCode is the shared secret. It never leaves this process; only its
	// hash is sent as the room id.
	RoomCode   string
	DeviceID   wire.DeviceID // zero value: a fresh random id is generated
	DeviceName string

	// OnPayload delivers an opened, replay-checked message.
	OnPayload func(sender wire.DeviceID, mime string, plaintext []byte)
	// OnStatus observes connection state transitions.
	OnStatus func(Status)

	// KeyGraceDepth is how many room keys (current plus previous) to try on
	// open. 0 means the default of 2.
	KeyGraceDepth int

	Log *logging.Logger
}

// Client is the protocol core a clipboard integration drives: it submits
// sealed payloads and surfaces opened incoming ones. The OS clipboard, UI,
// and hotkeys live outside and talk to it through Config callbacks and the
// Submit methods.
type Client struct {
	cfg    Config
	roomID wire.RoomID
	conn   *websocket.Conn

	counter atomic.Uint64 // last used; incremented before each seal
	replay  *ReplayGuard

	mu     sync.Mutex
	peers  map[wire.DeviceID]string
	keys   []RoomKey // keys[0] is current; older entries are the grace window
	status Status

	rejected error
}

// Dial connects to the relay, sends the Hello for cfg's room, and returns a
// client ready to Run. The relay's verdict on the Hello (PeerList or Reject)
// arrives during Run.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RoomCode == "" {
		return nil, ErrEmptyRoomCode
	}
	if cfg.DeviceID == (wire.DeviceID{}) {
		cfg.DeviceID = NewDeviceID()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "cliprelay"
	}
	if cfg.KeyGraceDepth <= 0 {
		cfg.KeyGraceDepth = defaultKeyGraceDepth
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", cfg.URL, err)
	}
	conn.SetReadLimit(wire.MaxFrameBytes + 64)

	c := &Client{
		cfg:    cfg,
		roomID: RoomIDFromCode(cfg.RoomCode),
		conn:   conn,
		replay: NewReplayGuard(),
		peers:  make(map[wire.DeviceID]string),
		status: StatusDisconnected,
	}

	hello, err := wire.Encode(&wire.Hello{
		RoomID:     c.roomID,
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("protocol: send hello: %w", err)
	}

	c.setStatus(StatusConnectedNoKey)
	return c, nil
}

// DeviceID returns the id this session joined with.
func (c *Client) DeviceID() wire.DeviceID { return c.cfg.DeviceID }

// Run reads and routes incoming frames until the connection ends or ctx is
// cancelled. It always leaves the client in StatusDisconnected (or
// StatusError after a Reject).
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		rejected := c.rejected
		c.mu.Unlock()
		if rejected == nil {
			c.setStatus(StatusDisconnected)
		}
	}()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			rejected := c.rejected
			c.mu.Unlock()
			if rejected != nil {
				return rejected
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ != websocket.MessageBinary {
			c.debugf("ignoring non-binary frame")
			continue
		}
		frame, err := wire.Decode(data)
		if err != nil {
			c.debugf("dropping undecodable frame: %v", err)
			continue
		}
		if err := c.handleFrame(frame); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(frame wire.Frame) error {
	switch f := frame.(type) {
	case *wire.PeerList:
		ids := make([]wire.DeviceID, 0, len(f.Peers))
		c.mu.Lock()
		c.peers = make(map[wire.DeviceID]string, len(f.Peers))
		for _, p := range f.Peers {
			c.peers[p.DeviceID] = p.DeviceName
			ids = append(ids, p.DeviceID)
		}
		c.mu.Unlock()
		c.rederiveKey(ids)

	case *wire.PeerJoined:
		c.mu.Lock()
		c.peers[f.Peer.DeviceID] = f.Peer.DeviceName
		c.mu.Unlock()
		c.debugf("peer joined: %s (%s)", f.Peer.DeviceID, f.Peer.DeviceName)

	case *wire.PeerLeft:
		c.mu.Lock()
		delete(c.peers, f.DeviceID)
		c.mu.Unlock()
		// The replay entry for the departed sender is retained: counters are
		// per sender lifetime, not per membership.
		c.debugf("peer left: %s", f.DeviceID)

	case *wire.SaltExchange:
		// Authoritative device set for key derivation.
		c.rederiveKey(f.DeviceIDs)

	case *wire.Reject:
		err := fmt.Errorf("%w: %s (code %d)", ErrRejected, f.Message, f.Code)
		c.mu.Lock()
		c.rejected = err
		c.mu.Unlock()
		c.setStatus(StatusError)
		return err

	case *wire.EncryptedMessage:
		c.openIncoming(f)

	default:
		c.debugf("ignoring unexpected frame kind %d", frame.Kind())
	}
	return nil
}

func (c *Client) rederiveKey(ids []wire.DeviceID) {
	key, err := DeriveRoomKey(c.cfg.RoomCode, ids)
	if err != nil {
		c.errorf("room key derivation: %v", err)
		return
	}

	c.mu.Lock()
	if len(c.keys) > 0 && c.keys[0] == key {
		c.mu.Unlock()
		return
	}
	c.keys = append([]RoomKey{key}, c.keys...)
	if len(c.keys) > c.cfg.KeyGraceDepth {
		c.keys = c.keys[:c.cfg.KeyGraceDepth]
	}
	c.mu.Unlock()

	c.debugf("room key rotated (%d devices)", len(ids))
	c.setStatus(StatusConnectedKeyReady)
}

func (c *Client) openIncoming(msg *wire.EncryptedMessage) {
	c.mu.Lock()
	keys := make([]RoomKey, len(c.keys))
	copy(keys, c.keys)
	c.mu.Unlock()

	if len(keys) == 0 {
		c.debugf("message before first key, dropping")
		return
	}

	var plaintext []byte
	var err error
	for _, key := range keys {
		plaintext, err = Open(key, c.roomID, msg)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Recoverable: surface and stay connected.
		c.errorf("open failed for message from %s: %v", msg.SenderDeviceID, err)
		return
	}

	if err := c.replay.Accept(msg.SenderDeviceID, msg.Counter); err != nil {
		c.debugf("replay dropped: %v", err)
		return
	}

	if c.cfg.OnPayload != nil {
		c.cfg.OnPayload(msg.SenderDeviceID, msg.Mime, plaintext)
	}
}

// Submit seals plaintext under the current room key and sends it. The caller
// is responsible for payload-type size ceilings; SubmitText and SubmitFile
// enforce them.
func (c *Client) Submit(ctx context.Context, mime string, plaintext []byte) error {
	c.mu.Lock()
	var key RoomKey
	ok := len(c.keys) > 0
	if ok {
		key = c.keys[0]
	}
	c.mu.Unlock()
	if !ok {
		return ErrNoRoomKey
	}

	counter := c.counter.Add(1)
	msg, err := Seal(key, c.roomID, c.cfg.DeviceID, counter, mime, plaintext)
	if err != nil {
		return err
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// SubmitText sends one clipboard text payload.
func (c *Client) SubmitText(ctx context.Context, text string) error {
	if len(text) > MaxClipboardTextBytes {
		return ErrTextTooBig
	}
	return c.Submit(ctx, MimeTextPlain, []byte(text))
}

// SubmitFile chunks and sends a file. Peers reassemble with an Assembler.
func (c *Client) SubmitFile(ctx context.Context, name string, data []byte) error {
	chunks, err := SplitFile(name, data)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := c.Submit(ctx, MimeFileChunk, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Peers snapshots the current peer set, including this device once admitted.
func (c *Client) Peers() map[wire.DeviceID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[wire.DeviceID]string, len(c.peers))
	for id, name := range c.peers {
		out[id] = name
	}
	return out
}

// Status returns the last reported status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close tears the connection down; Run returns shortly after.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

func (c *Client) debugf(format string, args ...any) {
	if c.cfg.Log != nil {
		c.cfg.Log.Debugf(format, args...)
	}
}

func (c *Client) errorf(format string, args ...any) {
	if c.cfg.Log != nil {
		c.cfg.Log.Errorf(format, args...)
	}
}
