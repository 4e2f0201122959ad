// Package transport owns the UDP socket used for presence and messaging.
// All writes are serialized; reads run in one loop with a short deadline so
// the loop notices shutdown promptly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/util"
)

// ErrConnectionLost is returned when sending without a live socket.
var ErrConnectionLost = errors.New("connection lost")

var log = util.Named("transport")

// Socket is a bound UDP socket plus the local interface view used for
// broadcasting and for dropping our own datagrams.
type Socket struct {
	conn        *net.UDPConn
	pc          *ipv4.PacketConn
	port        uint16
	readTimeout time.Duration

	wmu    sync.Mutex // serializes WriteTo
	closed atomic.Bool

	mu        sync.RWMutex
	local     map[netip.Addr]struct{}
	broadcast []netip.Addr

	lastStale atomic.Int64 // unix nanos of the last destination-driven refresh
}

// staleRefreshGap limits how often an unknown destination address may
// trigger an interface re-scan.
const staleRefreshGap = 5 * time.Second

// Listen binds the protocol port on all IPv4 interfaces.
func Listen(port int, readTimeout time.Duration) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp port %d: %w", port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		// Not available on every platform; the self filter then relies on
		// the interface snapshot alone.
		log.Debug("udp control messages unavailable: %v", err)
	}

	s := &Socket{
		conn:        conn,
		pc:          pc,
		port:        conn.LocalAddr().(*net.UDPAddr).AddrPort().Port(),
		readTimeout: readTimeout,
	}
	s.RefreshInterfaces()
	return s, nil
}

// Port returns the bound port.
func (s *Socket) Port() int {
	return int(s.port)
}

// RefreshInterfaces re-reads local addresses and broadcast targets.
func (s *Socket) RefreshInterfaces() {
	local, bcast, err := interfaceAddrs()
	if err != nil {
		log.Warn("failed to list interfaces: %v", err)
	}
	if len(bcast) == 0 {
		bcast = []netip.Addr{netip.AddrFrom4([4]byte{255, 255, 255, 255})}
	}

	s.mu.Lock()
	s.local = local
	s.broadcast = bcast
	s.mu.Unlock()
}

// IsLocal reports whether addr belongs to this machine.
func (s *Socket) IsLocal(addr netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.local[addr]
	return ok
}

// Send writes one packet to addr on the protocol port.
func (s *Socket) Send(pkt *protocol.Packet, to netip.Addr) error {
	return s.SendTo(pkt, netip.AddrPortFrom(to, s.port))
}

// SendTo writes one packet to an explicit address and port.
func (s *Socket) SendTo(pkt *protocol.Packet, to netip.AddrPort) error {
	if s.closed.Load() {
		return ErrConnectionLost
	}

	data := protocol.Encode(pkt)

	s.wmu.Lock()
	_, err := s.conn.WriteToUDPAddrPort(data, to)
	s.wmu.Unlock()

	if err != nil {
		metrics.RecordSendError()
		return fmt.Errorf("send %s to %s: %w", protocol.CommandName(pkt.Command), to, err)
	}
	metrics.RecordPacketSent(pkt.Command)
	return nil
}

// Broadcast sends pkt to every local broadcast address. Individual subnet
// failures are joined; the packet may still have reached other subnets.
func (s *Socket) Broadcast(pkt *protocol.Packet) error {
	if s.closed.Load() {
		return ErrConnectionLost
	}

	s.mu.RLock()
	targets := append([]netip.Addr(nil), s.broadcast...)
	s.mu.RUnlock()

	var errs []error
	for _, addr := range targets {
		if err := s.Send(pkt, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadLoop decodes datagrams and hands them to fn until ctx is cancelled or
// the socket fails. A socket failure marks the socket closed; the caller
// must reconnect. Malformed and self-sourced datagrams are dropped.
func (s *Socket) ReadLoop(ctx context.Context, fn func(*protocol.Packet)) error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, cm, src, err := s.pc.ReadFrom(buf)

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-ctx.Done():
					return nil
				default:
					continue
				}
			}
			s.closed.Store(true)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("udp receive: %w", err)
		}

		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := udpAddr.AddrPort().Addr().Unmap()
		if cm != nil {
			s.noteDestination(cm)
		}
		if s.IsLocal(from) {
			continue
		}

		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			metrics.RecordMalformed()
			log.With("peer", from.String()).Debug("dropping datagram: %v", err)
			continue
		}
		pkt.PeerAddress = from
		metrics.RecordPacketReceived(pkt.Command)

		if cm != nil {
			log.With("peer", from.String(), "seq", pkt.Seq).
				Debug("recv %s dst=%v if=%d", protocol.CommandName(pkt.Command), cm.Dst, cm.IfIndex)
		}

		fn(pkt)
	}
}

// noteDestination re-reads local addresses when a unicast datagram was
// addressed to an IP missing from the snapshot, which happens after an
// interface gains an address. Without it our own broadcasts sent from the
// new address would not be filtered.
func (s *Socket) noteDestination(cm *ipv4.ControlMessage) {
	dst, ok := netip.AddrFromSlice(cm.Dst.To4())
	if !ok || dst.IsMulticast() || s.isBroadcast(dst) || s.IsLocal(dst) {
		return
	}

	now := time.Now().UnixNano()
	last := s.lastStale.Load()
	if last != 0 && time.Duration(now-last) < staleRefreshGap {
		return
	}
	if !s.lastStale.CompareAndSwap(last, now) {
		return
	}
	log.With("if", cm.IfIndex).Debug("datagram for unknown local address %s, rescanning interfaces", dst)
	s.RefreshInterfaces()
}

func (s *Socket) isBroadcast(addr netip.Addr) bool {
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.broadcast {
		if b == addr {
			return true
		}
	}
	return false
}

// Close shuts the socket; pending ReadLoop calls return.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// Closed reports whether the socket is no longer usable.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}
