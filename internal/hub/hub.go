// Package hub is the relay's room registry: membership, presence broadcasts,
// and ciphertext fan-out with bounded per-member queues.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cliprelay/pkg/wire"
)

// MaxDevicesPerRoom bounds room membership.
const MaxDevicesPerRoom = 10

var (
	ErrDuplicateDevice = errors.New("hub: device id already present in room")
	ErrRoomFull        = errors.New("hub: room full")
)

var (
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cliprelay", Subsystem: "hub", Name: "rooms",
		Help: "Number of live rooms.",
	})
	membersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cliprelay", Subsystem: "hub", Name: "members",
		Help: "Number of admitted devices across all rooms.",
	})
	forwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cliprelay", Subsystem: "hub", Name: "frames_forwarded_total",
		Help: "Encrypted frames enqueued to receivers.",
	})
	backpressureDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cliprelay", Subsystem: "hub", Name: "backpressure_drops_total",
		Help: "Frames dropped because a member queue was full.",
	})
	rejectedJoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliprelay", Subsystem: "hub", Name: "joins_rejected_total",
		Help: "Hello admissions refused, by reason.",
	}, []string{"reason"})
)

// Registry groups connections into rooms and fans frames out between them.
type Registry struct {
	queueDepth int

	mu    sync.RWMutex
	rooms map[wire.RoomID]*room
}

type room struct {
	id        wire.RoomID
	createdAt time.Time

	mu      sync.Mutex
	members map[wire.DeviceID]*Member
}

// Member is one admitted device: the write half of its connection drains
// Outbound.
type Member struct {
	room *room
	id   wire.DeviceID
	name string

	// guarded by room.mu
	out    chan []byte
	closed bool
}

// New creates a registry whose members buffer up to queueDepth outbound
// frames each.
func New(queueDepth int) *Registry {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	return &Registry{
		queueDepth: queueDepth,
		rooms:      make(map[wire.RoomID]*room),
	}
}

// Admit inserts a device into its room, creating the room if needed, and
// enqueues the presence updates: PeerList to the joiner, PeerJoined to the
// prior members, SaltExchange to everyone. The three are enqueued under the
// room lock, so no member can observe a later frame from the joiner before
// its presence update.
func (r *Registry) Admit(roomID wire.RoomID, deviceID wire.DeviceID, deviceName string) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{id: roomID, createdAt: time.Now(), members: make(map[wire.DeviceID]*Member)}
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, taken := rm.members[deviceID]; taken {
		rejectedJoinsTotal.WithLabelValues("duplicate_device_id").Inc()
		return nil, ErrDuplicateDevice
	}
	if len(rm.members) >= MaxDevicesPerRoom {
		rejectedJoinsTotal.WithLabelValues("room_full").Inc()
		return nil, ErrRoomFull
	}

	m := &Member{
		room: rm,
		id:   deviceID,
		name: deviceName,
		out:  make(chan []byte, r.queueDepth),
	}
	rm.members[deviceID] = m
	if _, present := r.rooms[roomID]; !present {
		r.rooms[roomID] = rm
		roomsGauge.Inc()
	}
	membersGauge.Inc()

	peers := make([]wire.Peer, 0, len(rm.members))
	ids := make([]wire.DeviceID, 0, len(rm.members))
	for id, member := range rm.members {
		peers = append(peers, wire.Peer{DeviceID: id, DeviceName: member.name})
		ids = append(ids, id)
	}
	wire.SortDeviceIDs(ids)

	if frame, err := wire.Encode(&wire.PeerList{Peers: peers}); err == nil {
		m.enqueue(frame)
	}
	if frame, err := wire.Encode(&wire.PeerJoined{Peer: wire.Peer{DeviceID: deviceID, DeviceName: deviceName}}); err == nil {
		for id, member := range rm.members {
			if id != deviceID {
				member.enqueue(frame)
			}
		}
	}
	if frame, err := wire.Encode(&wire.SaltExchange{DeviceIDs: ids}); err == nil {
		for _, member := range rm.members {
			member.enqueue(frame)
		}
	}

	return m, nil
}

// Remove deletes the member, tears down its queue, and broadcasts PeerLeft
// plus a fresh SaltExchange to whoever remains. The last member removes the
// room. Safe to call more than once.
func (r *Registry) Remove(m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := m.room
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.out)
	delete(rm.members, m.id)
	membersGauge.Dec()

	if len(rm.members) == 0 {
		if r.rooms[rm.id] == rm {
			delete(r.rooms, rm.id)
			roomsGauge.Dec()
		}
		return
	}

	ids := make([]wire.DeviceID, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	wire.SortDeviceIDs(ids)

	if frame, err := wire.Encode(&wire.PeerLeft{DeviceID: m.id}); err == nil {
		for _, member := range rm.members {
			member.enqueue(frame)
		}
	}
	if frame, err := wire.Encode(&wire.SaltExchange{DeviceIDs: ids}); err == nil {
		for _, member := range rm.members {
			member.enqueue(frame)
		}
	}
}

// Forward fans the sender's frame out, byte-identical, to every other member
// of the room. The sender is never blocked: a full receiver queue drops its
// oldest undelivered frame instead.
func (r *Registry) Forward(roomID wire.RoomID, sender wire.DeviceID, frame []byte) {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, member := range rm.members {
		if id == sender {
			continue
		}
		member.enqueue(frame)
		forwardedTotal.Inc()
	}
}

// Rooms reports the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomSize reports the member count of a room, 0 if absent.
func (r *Registry) RoomSize(roomID wire.RoomID) int {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (m *Member) DeviceID() wire.DeviceID { return m.id }

// Outbound is the bounded FIFO the connection's writer drains. It is closed
// when the member is removed.
func (m *Member) Outbound() <-chan []byte { return m.out }

// enqueue appends a frame, dropping the oldest queued frame on overflow.
// Callers hold room.mu, which also serializes enqueues against close.
func (m *Member) enqueue(frame []byte) {
	if m.closed {
		return
	}
	select {
	case m.out <- frame:
		return
	default:
	}
	select {
	case <-m.out:
		backpressureDropsTotal.Inc()
	default:
	}
	select {
	case m.out <- frame:
	default:
		backpressureDropsTotal.Inc()
	}
}
