package presence

import (
	"context"
	"net/netip"
	"time"

	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/protocol"
)

// discoveryLoop runs one cycle shortly after connecting and then one per
// DiscoveryInterval until ctx is cancelled.
func (e *Engine) discoveryLoop(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.FirstDiscoveryDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.runCycle(ctx)
		timer.Reset(e.cfg.DiscoveryInterval)
	}
}

// runCycle announces, re-probes silent peers up to ConfirmMaxCount times
// and evicts whoever never answered.
func (e *Engine) runCycle(ctx context.Context) {
	e.mu.Lock()
	e.unconfirmed = make(map[netip.Addr]struct{})
	for addr, p := range e.peers {
		if p.Status != StatusOffline {
			e.unconfirmed[addr] = struct{}{}
		}
	}
	done := make(chan struct{})
	if len(e.unconfirmed) == 0 {
		close(done)
	} else {
		e.allConfirmed = done
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.unconfirmed = nil
		e.allConfirmed = nil
		e.mu.Unlock()
	}()

	e.announce(protocol.CmdEntry)

	for round := 0; ; round++ {
		if !waitConfirm(ctx, done, e.cfg.ConfirmWindow) {
			return
		}

		remaining := e.unconfirmedPeers()
		if len(remaining) == 0 {
			return
		}
		if round >= e.cfg.ConfirmMaxCount {
			for _, addr := range remaining {
				log.With("peer", addr.String()).Debug("no answer after %d probes", e.cfg.ConfirmMaxCount)
				metrics.RecordPeerEvicted()
				e.MarkOffline(addr)
			}
			return
		}

		probe := e.presencePacket(protocol.CmdEntry)
		for _, addr := range remaining {
			if err := e.Send(probe, addr); err != nil {
				log.With("peer", addr.String()).Debug("probe failed: %v", err)
			}
		}
	}
}

// waitConfirm sleeps for window, returning early when every peer has
// confirmed. It returns false if ctx was cancelled.
func waitConfirm(ctx context.Context, done <-chan struct{}, window time.Duration) bool {
	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	case <-t.C:
		return true
	}
}

func (e *Engine) unconfirmedPeers() []netip.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]netip.Addr, 0, len(e.unconfirmed))
	for addr := range e.unconfirmed {
		out = append(out, addr)
	}
	return out
}

// Confirm removes addr from the current cycle's unconfirmed set.
func (e *Engine) Confirm(addr netip.Addr) {
	e.mu.Lock()
	e.confirmLocked(addr)
	e.mu.Unlock()
}

func (e *Engine) confirmLocked(addr netip.Addr) {
	if e.unconfirmed == nil {
		return
	}
	delete(e.unconfirmed, addr)
	if len(e.unconfirmed) == 0 && e.allConfirmed != nil {
		close(e.allConfirmed)
		e.allConfirmed = nil
	}
}
