// Package dispatch routes decoded inbound packets by command code.
package dispatch

import (
	"sync"

	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/util"
)

var log = util.Named("dispatch")

// Handler consumes one inbound packet.
type Handler func(pkt *protocol.Packet)

// Dispatcher maintains the command → handler route table. It is safe to
// register routes while packets are being dispatched.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[uint8]Handler
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{routes: make(map[uint8]Handler)}
}

// Register installs h for cmd, replacing any previous route.
func (d *Dispatcher) Register(cmd uint8, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[cmd] = h
}

// Unregister removes the route for cmd.
func (d *Dispatcher) Unregister(cmd uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, cmd)
}

// Route looks up the handler for cmd.
func (d *Dispatcher) Route(cmd uint8) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.routes[cmd]
	return h, ok
}

// Dispatch hands pkt to its route. Packets with no route are logged and
// dropped. It reports whether a handler ran.
func (d *Dispatcher) Dispatch(pkt *protocol.Packet) bool {
	h, ok := d.Route(pkt.Command)
	if !ok {
		log.With("peer", pkt.PeerAddress.String()).Debug("ignoring %s", protocol.CommandName(pkt.Command))
		return false
	}
	h(pkt)
	return true
}
