package protocol

import (
	"fmt"
	"sync"

	"cliprelay/pkg/wire"
)

// ReplayError reports a stale or repeated counter from a sender.
type ReplayError struct {
	Sender   wire.DeviceID
	Counter  uint64
	LastSeen uint64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("protocol: replayed counter from %s: got %d, last %d",
		e.Sender, e.Counter, e.LastSeen)
}

// ReplayGuard tracks the highest accepted counter per sender. Entries are
// kept for the whole session: counters survive both PeerLeft and key
// rotation, so a rejoining or rotated peer cannot replay old traffic.
type ReplayGuard struct {
	mu   sync.Mutex
	last map[wire.DeviceID]uint64
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{last: make(map[wire.DeviceID]uint64)}
}

// Accept admits counter for sender if it is strictly greater than anything
// seen before, recording it on success.
func (g *ReplayGuard) Accept(sender wire.DeviceID, counter uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[sender]; ok && counter <= last {
		return &ReplayError{Sender: sender, Counter: counter, LastSeen: last}
	}
	g.last[sender] = counter
	return nil
}

// LastSeen returns the highest accepted counter for sender, or 0.
func (g *ReplayGuard) LastSeen(sender wire.DeviceID) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[sender]
}
