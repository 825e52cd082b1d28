// Package ws runs the per-connection protocol: one Hello admits the device
// into a room, then every validated encrypted frame is fanned out to its
// peers. The relay never looks inside the ciphertext.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
	logging "gopkg.in/op/go-logging.v1"

	"cliprelay/internal/hub"
	"cliprelay/pkg/wire"
)

const (
	defaultHelloTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultDrainTimeout = 500 * time.Millisecond

	// readLimit leaves headroom over MaxFrameBytes so the codec, not the
	// transport, reports a frame that is only slightly oversized.
	readLimit = wire.MaxFrameBytes + 64

	// maxPingMisses consecutive failed keepalive pings close the connection.
	maxPingMisses = 2

	// Rate-limit violations beyond this count within violationWindow close
	// the connection.
	maxRateViolations = 10
	violationWindow   = 10 * time.Second
)

var (
	connsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cliprelay", Subsystem: "ws", Name: "connections",
		Help: "Open WebSocket connections.",
	})
	dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliprelay", Subsystem: "ws", Name: "frames_dropped_total",
		Help: "Inbound frames dropped before fan-out, by reason.",
	}, []string{"reason"})
)

// Server upgrades connections on /ws and drives their sessions.
type Server struct {
	Hub *hub.Registry
	Log *logging.Logger

	// MaxConnections caps concurrent sessions; 0 means unlimited.
	MaxConnections int

	// Token bucket per connection for inbound payload frames.
	RatePerSecond float64
	RateBurst     int

	// Timeouts, overridable in tests; zero means the default.
	HelloTimeout time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	DrainTimeout time.Duration

	conns atomic.Int64

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.MaxConnections > 0 && s.conns.Load() >= int64(s.MaxConnections) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	s.conns.Add(1)
	connsGauge.Inc()
	s.track(c)
	defer func() {
		s.untrack(c)
		s.conns.Add(-1)
		connsGauge.Dec()
	}()

	c.SetReadLimit(readLimit)
	s.handle(r.Context(), c)
}

// handle runs AWAIT_HELLO then ACTIVE for one connection.
func (s *Server) handle(ctx context.Context, c *websocket.Conn) {
	hello, ok := s.awaitHello(ctx, c)
	if !ok {
		return
	}

	member, err := s.Hub.Admit(hello.RoomID, hello.DeviceID, hello.DeviceName)
	if err != nil {
		s.reject(ctx, c, err)
		return
	}
	s.infof("device %s joined room %s", hello.DeviceID, hello.RoomID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, c, member)
	}()

	s.readLoop(ctx, c, member, hello.RoomID)

	s.Hub.Remove(member)
	select {
	case <-writerDone:
	case <-time.After(s.drainTimeout()):
		// Writer is stuck on a dead peer; drop whatever is still queued.
		c.CloseNow()
		<-writerDone
	}
	s.infof("device %s left room %s", hello.DeviceID, hello.RoomID)
}

// awaitHello reads exactly one frame, which must be a binary Hello, within
// the hello timeout. Anything else closes the connection; no room state is
// created.
func (s *Server) awaitHello(ctx context.Context, c *websocket.Conn) (*wire.Hello, bool) {
	helloCtx, cancel := context.WithTimeout(ctx, s.helloTimeout())
	defer cancel()

	typ, data, err := c.Read(helloCtx)
	if err != nil {
		s.debugf("await hello: %v", err)
		c.Close(websocket.StatusPolicyViolation, "hello timeout")
		return nil, false
	}
	if typ != websocket.MessageBinary {
		c.Close(websocket.StatusPolicyViolation, "invalid first frame")
		return nil, false
	}
	frame, err := wire.Decode(data)
	if err != nil {
		s.debugf("await hello: %v", err)
		c.Close(websocket.StatusPolicyViolation, "invalid first frame")
		return nil, false
	}
	hello, ok := frame.(*wire.Hello)
	if !ok {
		c.Close(websocket.StatusPolicyViolation, "invalid first frame")
		return nil, false
	}
	return hello, true
}

// reject sends the typed refusal frame, then closes.
func (s *Server) reject(ctx context.Context, c *websocket.Conn, admitErr error) {
	var frame *wire.Reject
	switch {
	case errors.Is(admitErr, hub.ErrDuplicateDevice):
		frame = &wire.Reject{Code: wire.RejectDuplicateDeviceID, Message: "device id already in room"}
	case errors.Is(admitErr, hub.ErrRoomFull):
		frame = &wire.Reject{Code: wire.RejectRoomFull, Message: "room full"}
	default:
		c.Close(websocket.StatusInternalError, "admission failed")
		return
	}
	if data, err := wire.Encode(frame); err == nil {
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout())
		_ = c.Write(wctx, websocket.MessageBinary, data)
		cancel()
	}
	c.Close(websocket.StatusPolicyViolation, frame.Message)
}

func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, member *hub.Member, roomID wire.RoomID) {
	limiter := rate.NewLimiter(rate.Limit(s.RatePerSecond), s.RateBurst)
	var violations []time.Time

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			s.debugf("read: %v", err)
			return
		}
		if typ != websocket.MessageBinary {
			s.debugf("ignoring text frame from %s", member.DeviceID())
			continue
		}

		frame, err := wire.Decode(data)
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				c.Close(websocket.StatusMessageTooBig, "frame too large")
				return
			}
			dropsTotal.WithLabelValues("malformed").Inc()
			s.debugf("malformed frame from %s: %v", member.DeviceID(), err)
			continue
		}

		em, ok := frame.(*wire.EncryptedMessage)
		if !ok {
			// Post-hello control frames are ignored, not fatal, to stay
			// forward compatible.
			s.debugf("ignoring control frame kind %d from %s", frame.Kind(), member.DeviceID())
			continue
		}

		if em.SenderDeviceID != member.DeviceID() {
			dropsTotal.WithLabelValues("sender_mismatch").Inc()
			s.debugf("sender mismatch from %s", member.DeviceID())
			continue
		}

		if !limiter.Allow() {
			dropsTotal.WithLabelValues("rate_limited").Inc()
			s.warningf("rate limit exceeded for %s", member.DeviceID())

			now := time.Now()
			violations = append(violations, now)
			for len(violations) > 0 && now.Sub(violations[0]) > violationWindow {
				violations = violations[1:]
			}
			if len(violations) > maxRateViolations {
				c.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
				return
			}
			continue
		}

		// Forward the ingress bytes untouched.
		s.Hub.Forward(roomID, member.DeviceID(), data)
	}
}

// writeLoop drains the member's queue FIFO and keeps the connection alive
// with pings after 30 s of outbound idleness.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, member *hub.Member) {
	interval := s.pingInterval()
	idle := time.NewTimer(interval)
	defer idle.Stop()
	missedPings := 0

	for {
		select {
		case frame, ok := <-member.Outbound():
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, s.writeTimeout())
			err := c.Write(wctx, websocket.MessageBinary, frame)
			wcancel()
			if err != nil {
				s.debugf("write: %v", err)
				cancel()
				return
			}
			missedPings = 0
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(interval)

		case <-idle.C:
			pctx, pcancel := context.WithTimeout(ctx, interval)
			err := c.Ping(pctx)
			pcancel()
			if err != nil {
				missedPings++
				if missedPings >= maxPingMisses {
					s.debugf("peer timeout: %v", err)
					c.Close(websocket.StatusPolicyViolation, "peer timeout")
					cancel()
					return
				}
			} else {
				missedPings = 0
			}
			idle.Reset(interval)

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every tracked connection.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	list := make([]*websocket.Conn, 0, len(s.active))
	for c := range s.active {
		list = append(list, c)
	}
	s.mu.Unlock()

	for _, c := range list {
		_ = c.Close(websocket.StatusGoingAway, "server_shutdown")
	}
}

func (s *Server) track(c *websocket.Conn) {
	s.mu.Lock()
	if s.active == nil {
		s.active = make(map[*websocket.Conn]struct{})
	}
	s.active[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
}

func (s *Server) helloTimeout() time.Duration {
	if s.HelloTimeout > 0 {
		return s.HelloTimeout
	}
	return defaultHelloTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval > 0 {
		return s.PingInterval
	}
	return defaultPingInterval
}

func (s *Server) writeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return defaultWriteTimeout
}

func (s *Server) drainTimeout() time.Duration {
	if s.DrainTimeout > 0 {
		return s.DrainTimeout
	}
	return defaultDrainTimeout
}

func (s *Server) debugf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Debugf(format, args...)
	}
}

func (s *Server) infof(format string, args ...any) {
	if s.Log != nil {
		s.Log.Infof(format, args...)
	}
}

func (s *Server) warningf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Warningf(format, args...)
	}
}
