package transfer

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/protocol"
)

// Options configures transfer objects created by a Registry.
type Options struct {
	Port      uint16
	ChunkSize int
	Dial      DialFunc
}

type offerKey struct {
	peer     netip.Addr
	packetID uint64
	fileID   uint64
}

// Registry is the table of files we offered and files offered to us.
type Registry struct {
	opts    Options
	packets PacketFactory
	fileIDs *protocol.Sequence
	events  *event.Bus[Progress]

	mu       sync.RWMutex
	offers   map[offerKey]*Offer
	incoming []*Incoming
}

// NewRegistry creates an empty registry. File IDs start at 1.
func NewRegistry(opts Options, packets PacketFactory) *Registry {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.Port == 0 {
		opts.Port = protocol.DefaultPort
	}
	return &Registry{
		opts:    opts,
		packets: packets,
		fileIDs: protocol.NewSequence(0),
		events:  event.NewBus[Progress](),
		offers:  make(map[offerKey]*Offer),
	}
}

// Events returns the transfer progress bus.
func (r *Registry) Events() *event.Bus[Progress] {
	return r.events
}

// NewOffer prepares path for peer. It is not fetchable until Publish.
func (r *Registry) NewOffer(peer netip.Addr, path string) (*Offer, error) {
	return newOffer(r.fileIDs.Next(), peer, path, r.opts.ChunkSize, r.events)
}

// Publish makes offers fetchable under the announcing packet's id.
func (r *Registry) Publish(packetID uint64, offers ...*Offer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range offers {
		o.PacketID = packetID
		r.offers[offerKey{o.Peer, packetID, o.FileID}] = o
	}
}

// Lookup finds the offer a receive request refers to.
func (r *Registry) Lookup(peer netip.Addr, packetID, fileID uint64) (*Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offers[offerKey{peer, packetID, fileID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%x/%x", ErrNoSuchOffer, peer, packetID, fileID)
	}
	return o, nil
}

// Release cancels and forgets every offer announced to peer in packetID.
// It returns how many were removed.
func (r *Registry) Release(peer netip.Addr, packetID uint64) int {
	r.mu.Lock()
	var released []*Offer
	for k, o := range r.offers {
		if k.peer == peer && k.packetID == packetID {
			released = append(released, o)
			delete(r.offers, k)
		}
	}
	r.mu.Unlock()

	for _, o := range released {
		o.Cancel()
	}
	return len(released)
}

// Offers returns every published offer ordered by file id.
func (r *Registry) Offers() []*Offer {
	r.mu.RLock()
	out := make([]*Offer, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, o)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Offer) int { return cmpUint(a.FileID, b.FileID) })
	return out
}

// AddIncoming records files peer announced in packetID and returns the
// receive handles in announcement order.
func (r *Registry) AddIncoming(peer netip.Addr, packetID uint64, files []protocol.FileInfo) []*Incoming {
	out := make([]*Incoming, 0, len(files))
	for _, f := range files {
		if f.Kind != protocol.KindRegular && f.Kind != protocol.KindDirectory {
			log.With("peer", peer.String()).Debug("ignoring offer of kind %s", f.Kind)
			continue
		}
		out = append(out, newIncoming(peer, packetID, f, r.opts.Port, r.opts.ChunkSize,
			r.opts.Dial, r.packets, r.events))
	}

	r.mu.Lock()
	r.incoming = append(r.incoming, out...)
	r.mu.Unlock()
	return out
}

// Incoming returns every file offered to us.
func (r *Registry) Incoming() []*Incoming {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.incoming)
}

// FindIncoming returns the incoming offer with the given ids.
func (r *Registry) FindIncoming(peer netip.Addr, packetID, fileID uint64) (*Incoming, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.incoming {
		if in.Peer == peer && in.PacketID == packetID && in.FileID == fileID {
			return in, true
		}
	}
	return nil, false
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
