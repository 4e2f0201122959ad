package engine

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dedupeWindow is how long a (peer, seq) pair is remembered. It only has
// to outlive the sender's retry schedule.
const dedupeWindow = 5 * time.Minute

type seenKey struct {
	peer netip.Addr
	seq  uint64
}

// dedupe remembers recently delivered messages.
type dedupe struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[seenKey]time.Time
}

func newDedupe(window time.Duration) *dedupe {
	return &dedupe{window: window, now: time.Now, seen: make(map[seenKey]time.Time)}
}

// first reports whether (peer, seq) has not been seen inside the window,
// and records it.
func (d *dedupe) first(peer netip.Addr, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}

	k := seenKey{peer, seq}
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = now
	return true
}

// parsePacketID reads the decimal packet number carried by confirmation
// and release packets.
func parsePacketID(data string) (uint64, error) {
	s := strings.TrimSpace(strings.TrimRight(data, "\x00"))
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("packet id %q: %w", s, err)
	}
	return id, nil
}
