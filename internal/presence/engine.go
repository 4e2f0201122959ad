// Package presence implements the local presence state machine, the peer
// table and the periodic discovery cycle that keeps it honest.
package presence

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/transport"
	"github.com/1ureka/ipmsg/internal/util"
)

var (
	ErrAlreadyConnected = errors.New("presence: already connected")
	ErrNotConnected     = errors.New("presence: not connected")
)

var log = util.Named("presence")

// Transport is the datagram socket the engine owns exclusively.
type Transport interface {
	Send(pkt *protocol.Packet, to netip.Addr) error
	Broadcast(pkt *protocol.Packet) error
	ReadLoop(ctx context.Context, fn func(*protocol.Packet)) error
	Close() error
}

// Opener creates the socket when the engine connects.
type Opener func() (Transport, error)

// UDPOpener binds the real protocol socket.
func UDPOpener(port int, readTimeout time.Duration) Opener {
	return func() (Transport, error) {
		return transport.Listen(port, readTimeout)
	}
}

// State is the local connection state.
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "offline"
	}
}

// Config carries identity and discovery timing.
type Config struct {
	UserName string
	HostName string
	NickName string
	Group    string

	DiscoveryInterval   time.Duration
	FirstDiscoveryDelay time.Duration
	ConfirmWindow       time.Duration
	ConfirmMaxCount     int
}

// Engine owns the socket and the peer table.
type Engine struct {
	cfg    Config
	open   Opener
	seq    *protocol.Sequence
	events *event.Bus[PeerEvent]

	mu         sync.Mutex
	state      State
	status     Status
	statusText string
	tr         Transport
	cancel     context.CancelFunc
	handler    func(*protocol.Packet)
	peers      map[netip.Addr]*Peer

	// Discovery bookkeeping; nil outside a cycle.
	unconfirmed  map[netip.Addr]struct{}
	allConfirmed chan struct{}

	wg sync.WaitGroup
}

// New creates a disconnected engine. seq is shared with the rest of the
// process-local engine so that every outbound packet number is unique.
func New(cfg Config, open Opener, seq *protocol.Sequence) *Engine {
	return &Engine{
		cfg:    cfg,
		open:   open,
		seq:    seq,
		events: event.NewBus[PeerEvent](),
		peers:  make(map[netip.Addr]*Peer),
	}
}

// Events returns the peer event bus.
func (e *Engine) Events() *event.Bus[PeerEvent] {
	return e.events
}

// OnPacket registers the consumer of every accepted inbound packet.
func (e *Engine) OnPacket(fn func(*protocol.Packet)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// State returns the local connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LocalStatus returns the local presence and status text.
func (e *Engine) LocalStatus() (Status, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected {
		return StatusOffline, e.statusText
	}
	return e.status, e.statusText
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the socket, starts the receive and discovery loops under
// ctx, and announces the local presence. status must be Online or Busy.
func (e *Engine) Connect(ctx context.Context, status Status, text string) error {
	if status == StatusOffline {
		return fmt.Errorf("presence: cannot connect as %s", status)
	}

	e.mu.Lock()
	if e.state != StateOffline {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.state = StateConnecting
	e.mu.Unlock()

	tr, err := e.open()
	if err != nil {
		e.mu.Lock()
		e.state = StateOffline
		e.mu.Unlock()
		return fmt.Errorf("presence: connect failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.tr = tr
	e.cancel = cancel
	e.state = StateConnected
	e.status = status
	e.statusText = text
	e.mu.Unlock()

	e.wg.Add(2)
	go e.readLoop(runCtx, tr)
	go e.discoveryLoop(runCtx)

	e.announce(protocol.CmdEntry)
	log.Info("connected as %s (%s)", e.displayName(), status)
	return nil
}

// Disconnect broadcasts the leave packet, stops all loops, closes the
// socket and marks every peer Offline.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	tr, cancel := e.tr, e.cancel
	exit := e.packetLocked(e.seq.Next(), protocol.CmdExit, 0, e.entryDataLocked())
	e.mu.Unlock()

	if err := tr.Broadcast(exit); err != nil {
		log.Debug("exit broadcast partially failed: %v", err)
	}

	e.shutdown(tr, cancel)
	e.wg.Wait()
	log.Info("disconnected")
	return nil
}

// shutdown tears the connection down once; safe to call from the read loop.
func (e *Engine) shutdown(tr Transport, cancel context.CancelFunc) {
	e.mu.Lock()
	if e.tr != tr {
		e.mu.Unlock()
		return
	}
	e.tr = nil
	e.cancel = nil
	e.state = StateOffline
	e.unconfirmed = nil
	e.allConfirmed = nil
	e.mu.Unlock()

	cancel()
	tr.Close()
	e.markAllOffline()
}

// SetStatus changes Online/Busy while connected and broadcasts the
// absence announce. Peer confirmation state is left alone.
func (e *Engine) SetStatus(status Status, text string) error {
	if status == StatusOffline {
		return e.Disconnect()
	}

	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	e.status = status
	e.statusText = text
	e.mu.Unlock()

	e.announce(protocol.CmdAbsence)
	return nil
}

func (e *Engine) readLoop(ctx context.Context, tr Transport) {
	defer e.wg.Done()

	err := tr.ReadLoop(ctx, e.receive)
	if err != nil {
		log.Error("receive loop stopped, reconnect required: %v", err)
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		e.shutdown(tr, cancel)
	}
}

// receive applies the Offline policy and forwards to the dispatcher.
func (e *Engine) receive(pkt *protocol.Packet) {
	e.mu.Lock()
	live := e.state == StateConnected && e.status != StatusOffline
	fn := e.handler
	e.mu.Unlock()

	if !live || fn == nil {
		return
	}
	fn(pkt)
}

// ---------------------------------------------------------------------------
// Send primitive
// ---------------------------------------------------------------------------

// NextSeq allocates a packet sequence number.
func (e *Engine) NextSeq() uint64 {
	return e.seq.Next()
}

// Packet builds an outbound packet carrying the local identity.
func (e *Engine) Packet(seq uint64, cmd uint8, opts uint32, data string) *protocol.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.packetLocked(seq, cmd, opts, data)
}

func (e *Engine) packetLocked(seq uint64, cmd uint8, opts uint32, data string) *protocol.Packet {
	return &protocol.Packet{
		Seq:      seq,
		UserName: e.cfg.UserName,
		HostName: e.cfg.HostName,
		Command:  cmd,
		Options:  opts,
		Data:     data,
	}
}

// Send unicasts pkt through the engine's socket.
func (e *Engine) Send(pkt *protocol.Packet, to netip.Addr) error {
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return transport.ErrConnectionLost
	}
	return tr.Send(pkt, to)
}

// Broadcast sends pkt to every local broadcast address.
func (e *Engine) Broadcast(pkt *protocol.Packet) error {
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return transport.ErrConnectionLost
	}
	return tr.Broadcast(pkt)
}

func (e *Engine) displayName() string {
	if e.cfg.NickName != "" {
		return e.cfg.NickName
	}
	return e.cfg.UserName
}

func (e *Engine) entryDataLocked() string {
	return protocol.JoinData(e.displayName(), e.cfg.Group, e.statusText)
}

func (e *Engine) presencePacket(cmd uint8) *protocol.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	var opts uint32
	if e.status == StatusBusy {
		opts |= protocol.OptAbsence
	}
	return e.packetLocked(e.seq.Next(), cmd, opts, e.entryDataLocked())
}

func (e *Engine) announce(cmd uint8) {
	if err := e.Broadcast(e.presencePacket(cmd)); err != nil {
		log.Debug("%s broadcast failed: %v", protocol.CommandName(cmd), err)
	}
}

// ---------------------------------------------------------------------------
// Peer table
// ---------------------------------------------------------------------------

// Peers returns a snapshot of every known peer ordered by address.
func (e *Engine) Peers() []Peer {
	e.mu.Lock()
	out := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, *p)
	}
	e.mu.Unlock()

	slices.SortFunc(out, func(a, b Peer) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Peer returns the peer at addr.
func (e *Engine) Peer(addr netip.Addr) (Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[addr]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// MarkOffline transitions a peer to Offline. It is a no-op for unknown or
// already Offline peers, so a peer leaves exactly once.
func (e *Engine) MarkOffline(addr netip.Addr) {
	e.mu.Lock()
	p, ok := e.peers[addr]
	if !ok || p.Status == StatusOffline {
		e.mu.Unlock()
		return
	}
	p.Status = StatusOffline
	snap := *p
	e.confirmLocked(addr)
	online := e.onlineLocked()
	e.mu.Unlock()

	metrics.SetPeersOnline(online)
	log.With("peer", addr.String()).Info("%s left", snap.DisplayName)
	e.events.Publish(PeerEvent{Kind: PeerLeft, Peer: snap})
}

func (e *Engine) markAllOffline() {
	for _, p := range e.Peers() {
		e.MarkOffline(p.Addr)
	}
}

func (e *Engine) onlineLocked() int {
	n := 0
	for _, p := range e.peers {
		if p.Status != StatusOffline {
			n++
		}
	}
	return n
}

// upsert records presence information carried by pkt.
func (e *Engine) upsert(pkt *protocol.Packet, status Status, fields []string) {
	addr := pkt.PeerAddress
	now := time.Now()

	name := pkt.UserName
	var group, text string
	if len(fields) > 0 && fields[0] != "" {
		name = fields[0]
	}
	if len(fields) > 1 {
		group = fields[1]
	}
	if len(fields) > 2 {
		text = fields[2]
	}

	e.mu.Lock()
	p, exists := e.peers[addr]
	if !exists {
		p = &Peer{Addr: addr}
		e.peers[addr] = p
	}
	before := *p

	p.UserName = pkt.UserName
	p.HostName = pkt.HostName
	p.DisplayName = name
	p.Group = group
	p.StatusText = text
	p.Status = status
	p.LastSeen = now

	kind, changed := PeerUpdated, false
	switch {
	case !exists || before.Status == StatusOffline:
		kind, changed = PeerJoined, true
	case before.DisplayName != p.DisplayName || before.Group != p.Group ||
		before.StatusText != p.StatusText || before.Status != p.Status:
		changed = true
	}
	snap := *p
	online := e.onlineLocked()
	e.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetPeersOnline(online)
	if kind == PeerJoined {
		log.With("peer", addr.String()).Info("%s joined (%s)", snap.DisplayName, snap.Status)
	}
	e.events.Publish(PeerEvent{Kind: kind, Peer: snap})
}

// ---------------------------------------------------------------------------
// Inbound presence packets
// ---------------------------------------------------------------------------

func statusOf(pkt *protocol.Packet) Status {
	if pkt.Has(protocol.OptAbsence) {
		return StatusBusy
	}
	return StatusOnline
}

// HandleEntry processes a join announce or a discovery probe and answers it.
func (e *Engine) HandleEntry(pkt *protocol.Packet) {
	e.upsert(pkt, statusOf(pkt), protocol.SplitData(pkt.Data))
	e.Confirm(pkt.PeerAddress)

	if err := e.Send(e.presencePacket(protocol.CmdAnswerEntry), pkt.PeerAddress); err != nil {
		log.With("peer", pkt.PeerAddress.String()).Debug("answer failed: %v", err)
	}
}

// HandleAnswer processes an answer to our announce or probe.
func (e *Engine) HandleAnswer(pkt *protocol.Packet) {
	e.upsert(pkt, statusOf(pkt), protocol.SplitData(pkt.Data))
	e.Confirm(pkt.PeerAddress)
}

// HandleAbsence processes a peer's status change.
func (e *Engine) HandleAbsence(pkt *protocol.Packet) {
	e.upsert(pkt, statusOf(pkt), protocol.SplitData(pkt.Data))
	e.Confirm(pkt.PeerAddress)
}

// HandleExit marks the sender Offline immediately.
func (e *Engine) HandleExit(pkt *protocol.Packet) {
	e.MarkOffline(pkt.PeerAddress)
}

// Observe makes sure the sender of a non-presence packet is known.
// Unknown or Offline senders come back as Online; a returning peer keeps
// the name, group and status text it last announced.
func (e *Engine) Observe(pkt *protocol.Packet) {
	var fields []string
	e.mu.Lock()
	p, ok := e.peers[pkt.PeerAddress]
	if ok && p.Status != StatusOffline {
		p.LastSeen = time.Now()
		e.mu.Unlock()
		return
	}
	if ok {
		fields = []string{p.DisplayName, p.Group, p.StatusText}
	}
	e.mu.Unlock()
	e.upsert(pkt, StatusOnline, fields)
}
