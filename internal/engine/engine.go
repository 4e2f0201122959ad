// Package engine assembles the presence engine, delivery queue, transfer
// registry and dispatcher into the API offered to UI collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/ipmsg/internal/config"
	"github.com/1ureka/ipmsg/internal/delivery"
	"github.com/1ureka/ipmsg/internal/dispatch"
	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/presence"
	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/transfer"
	"github.com/1ureka/ipmsg/internal/transport"
	"github.com/1ureka/ipmsg/internal/util"
)

var log = util.Named("engine")

// Option customizes how New wires the engine.
type Option func(*options)

type options struct {
	open presence.Opener
	dial transfer.DialFunc
}

// WithOpener replaces the UDP socket factory.
func WithOpener(open presence.Opener) Option {
	return func(o *options) { o.open = open }
}

// WithDialer replaces the TCP dialer used to fetch offered files.
func WithDialer(dial transfer.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// Engine is one local IPMsg account.
type Engine struct {
	cfg        config.Config
	seq        *protocol.Sequence
	presence   *presence.Engine
	queue      *delivery.Queue
	transfers  *transfer.Registry
	dispatcher *dispatch.Dispatcher
	messages   *event.Bus[Message]
	seen       *dedupe

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	listener *transfer.Listener
	wg       sync.WaitGroup
}

// New builds an engine from cfg. Nothing touches the network until Start.
func New(cfg config.Config, opts ...Option) *Engine {
	o := options{
		open: presence.UDPOpener(cfg.Port, cfg.ReceiveTimeout),
		dial: transfer.TCPDialer(cfg.DialTimeout),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:        cfg,
		seq:        protocol.NewRandomSequence(),
		dispatcher: dispatch.New(),
		messages:   event.NewBus[Message](),
		seen:       newDedupe(dedupeWindow),
	}
	e.presence = presence.New(presence.Config{
		UserName:            cfg.UserName,
		HostName:            cfg.HostName,
		NickName:            cfg.NickName,
		Group:               cfg.Group,
		DiscoveryInterval:   cfg.DiscoveryInterval,
		FirstDiscoveryDelay: cfg.FirstDiscoveryDelay,
		ConfirmWindow:       cfg.ConfirmWindow,
		ConfirmMaxCount:     cfg.ConfirmMaxCount,
	}, o.open, e.seq)
	e.queue = delivery.NewQueue(e.presence, e.presence, cfg.SendInterval, cfg.SendRetryLimit)
	e.transfers = transfer.NewRegistry(transfer.Options{
		Port:      uint16(cfg.Port),
		ChunkSize: cfg.ChunkSize,
		Dial:      o.dial,
	}, e.presence)

	e.routes()
	e.presence.OnPacket(func(pkt *protocol.Packet) { e.dispatcher.Dispatch(pkt) })
	return e
}

func (e *Engine) routes() {
	d, p := e.dispatcher, e.presence
	d.Register(protocol.CmdEntry, p.HandleEntry)
	d.Register(protocol.CmdAnswerEntry, p.HandleAnswer)
	d.Register(protocol.CmdAbsence, p.HandleAbsence)
	d.Register(protocol.CmdExit, p.HandleExit)
	d.Register(protocol.CmdSendMsg, e.handleSendMsg)
	d.Register(protocol.CmdRecvMsg, e.handleRecvMsg)
	d.Register(protocol.CmdReleaseFiles, e.handleReleaseFiles)
}

// Start binds the file transfer listener and starts the delivery loop.
// The engine stays Offline until SetLocalStatus brings it up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return errors.New("engine: already started")
	}

	ln, err := transfer.Listen(e.cfg.Port, e.transfers)
	if err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.listener = ln

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := ln.Serve(e.ctx); err != nil {
			log.Error("transfer listener stopped: %v", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		e.queue.Run(e.ctx)
	}()
	return nil
}

// Close goes Offline, stops every loop and releases the listener.
func (e *Engine) Close() error {
	if e.presence.State() == presence.StateConnected {
		if err := e.presence.Disconnect(); err != nil {
			log.Debug("disconnect: %v", err)
		}
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.messages.Close()
	return nil
}

// TransferAddr returns the bound transfer listener address, if started.
func (e *Engine) TransferAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

func (e *Engine) runCtx() (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return nil, errors.New("engine: not started")
	}
	return e.ctx, nil
}

// ---------------------------------------------------------------------------
// Collaborator API
// ---------------------------------------------------------------------------

// SetLocalStatus connects, changes status, or goes Offline.
func (e *Engine) SetLocalStatus(status presence.Status, text string) error {
	if status == presence.StatusOffline {
		if e.presence.State() != presence.StateConnected {
			return nil
		}
		return e.presence.Disconnect()
	}
	if e.presence.State() == presence.StateConnected {
		return e.presence.SetStatus(status, text)
	}

	ctx, err := e.runCtx()
	if err != nil {
		return err
	}
	return e.presence.Connect(ctx, status, text)
}

// LocalStatus returns the local presence.
func (e *Engine) LocalStatus() (presence.Status, string) {
	return e.presence.LocalStatus()
}

// SendMessage queues text for every peer in room.
func (e *Engine) SendMessage(room []netip.Addr, text string) (*delivery.Handle, error) {
	return e.send(room, sanitize(text), 0)
}

func (e *Engine) send(room []netip.Addr, data string, opts uint32) (*delivery.Handle, error) {
	if e.presence.State() != presence.StateConnected {
		return nil, transport.ErrConnectionLost
	}
	opts |= protocol.OptSendCheck
	if len(room) > 1 {
		opts |= protocol.OptMulticast
	}
	return e.queue.Enqueue(delivery.Message{
		ID:         e.presence.NextSeq(),
		Command:    protocol.CmdSendMsg,
		Options:    opts,
		Data:       data,
		Recipients: room,
	})
}

// OfferFile advertises path to peer in a file attachment message.
func (e *Engine) OfferFile(path string, peer netip.Addr) (*transfer.Offer, error) {
	if e.presence.State() != presence.StateConnected {
		return nil, transport.ErrConnectionLost
	}
	offer, err := e.transfers.NewOffer(peer, path)
	if err != nil {
		return nil, err
	}

	id := e.presence.NextSeq()
	e.transfers.Publish(id, offer)

	data := protocol.JoinData("", protocol.EncodeFileList([]protocol.FileInfo{offer.Info()}))
	_, err = e.queue.Enqueue(delivery.Message{
		ID:         id,
		Command:    protocol.CmdSendMsg,
		Options:    protocol.OptSendCheck | protocol.OptFileAttach,
		Data:       data,
		Recipients: []netip.Addr{peer},
	})
	if err != nil {
		e.transfers.Release(peer, id)
		return nil, err
	}
	log.With("peer", peer.String(), "file", offer.Name).Info("offered %s", path)
	return offer, nil
}

// AcceptIncomingOffer downloads in to dest and blocks until it finishes.
func (e *Engine) AcceptIncomingOffer(in *transfer.Incoming, dest string, overwrite bool) error {
	ctx, err := e.runCtx()
	if err != nil {
		return err
	}
	return in.Receive(ctx, dest, overwrite)
}

// DeclineIncomingOffer tells the sender we will not fetch the files of
// in's announcement.
func (e *Engine) DeclineIncomingOffer(in *transfer.Incoming) error {
	pkt := e.presence.Packet(e.presence.NextSeq(), protocol.CmdReleaseFiles, 0, fmt.Sprint(in.PacketID))
	return e.presence.Send(pkt, in.Peer)
}

// FindIncoming resolves an incoming offer by its identifiers.
func (e *Engine) FindIncoming(peer netip.Addr, packetID, fileID uint64) (*transfer.Incoming, bool) {
	return e.transfers.FindIncoming(peer, packetID, fileID)
}

// Peers returns a snapshot of the peer table.
func (e *Engine) Peers() []presence.Peer {
	return e.presence.Peers()
}

// OnlinePeers returns the peers that are not Offline.
func (e *Engine) OnlinePeers() []presence.Peer {
	var out []presence.Peer
	for _, p := range e.presence.Peers() {
		if p.Online() {
			out = append(out, p)
		}
	}
	return out
}

// PeerEvents is the peer joined/updated/left stream.
func (e *Engine) PeerEvents() *event.Bus[presence.PeerEvent] {
	return e.presence.Events()
}

// DeliveryEvents is the message delivery progress stream.
func (e *Engine) DeliveryEvents() *event.Bus[delivery.Progress] {
	return e.queue.Events()
}

// TransferEvents is the transfer progress and state stream.
func (e *Engine) TransferEvents() *event.Bus[transfer.Progress] {
	return e.transfers.Events()
}

// MessageEvents is the stream of received chat messages.
func (e *Engine) MessageEvents() *event.Bus[Message] {
	return e.messages
}

func sanitize(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Message is a received chat message.
type Message struct {
	From      presence.Peer
	Seq       uint64
	Text      string
	Multicast bool
	Files     []*transfer.Incoming
	Received  time.Time
}

func (e *Engine) handleSendMsg(pkt *protocol.Packet) {
	e.presence.Observe(pkt)
	plog := log.With("peer", pkt.PeerAddress.String(), "seq", pkt.Seq)

	// Every copy is confirmed, duplicates included.
	if pkt.Has(protocol.OptSendCheck) && !pkt.Has(protocol.OptBroadcast) && !pkt.Has(protocol.OptAutoReturn) {
		ack := e.presence.Packet(e.presence.NextSeq(), protocol.CmdRecvMsg, 0, fmt.Sprint(pkt.Seq))
		if err := e.presence.Send(ack, pkt.PeerAddress); err != nil {
			plog.Debug("confirmation failed: %v", err)
		}
	}

	if !e.seen.first(pkt.PeerAddress, pkt.Seq) {
		plog.Debug("duplicate message dropped")
		return
	}

	text, attach, _ := strings.Cut(pkt.Data, "\x00")
	msg := Message{
		Seq:       pkt.Seq,
		Text:      text,
		Multicast: pkt.Has(protocol.OptMulticast),
		Received:  time.Now(),
	}
	if from, ok := e.presence.Peer(pkt.PeerAddress); ok {
		msg.From = from
	}

	if pkt.Has(protocol.OptFileAttach) {
		files, err := protocol.ParseFileList(attach)
		if err != nil {
			plog.Debug("bad attachment list: %v", err)
		} else {
			msg.Files = e.transfers.AddIncoming(pkt.PeerAddress, pkt.Seq, files)
		}
	}

	plog.Info("message from %s", msg.From.DisplayName)
	e.messages.Publish(msg)
}

func (e *Engine) handleRecvMsg(pkt *protocol.Packet) {
	e.presence.Observe(pkt)
	id, err := parsePacketID(pkt.Data)
	if err != nil {
		log.With("peer", pkt.PeerAddress.String()).Debug("bad confirmation %q", pkt.Data)
		return
	}
	e.queue.Confirm(pkt.PeerAddress, id)
}

func (e *Engine) handleReleaseFiles(pkt *protocol.Packet) {
	e.presence.Observe(pkt)
	id, err := parsePacketID(pkt.Data)
	if err != nil {
		return
	}
	if n := e.transfers.Release(pkt.PeerAddress, id); n > 0 {
		log.With("peer", pkt.PeerAddress.String()).Info("peer released %d file(s)", n)
	}
}
