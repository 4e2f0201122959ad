package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/util"
)

// RequestTimeout bounds how long an accepted connection may take to send
// its request packet.
const RequestTimeout = 10 * time.Second

// Listener accepts fetch connections for published offers.
type Listener struct {
	ln       net.Listener
	registry *Registry
}

// Listen binds the TCP side of the protocol port.
func Listen(port int, registry *Registry) (*Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, registry: registry}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled and hands each one to
// its own handler goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	log.Info("file transfer listener on %s", l.ln.Addr())

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		go l.handle(conn)
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handle(conn net.Conn) {
	tag := util.ConnTag(conn)
	clog := log.With("conn", tag)

	offer, req, err := l.accept(conn)
	if err != nil {
		clog.Debug("rejected %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	clog.Info("sending %s to %s", offer.Name, offer.Peer)
	if err := offer.Send(conn, req.Offset); errors.Is(err, ErrTransferState) {
		clog.Debug("%s was already fetched", offer.Name)
	}
}

// accept reads and validates the request packet on conn.
func (l *Listener) accept(conn net.Conn) (*Offer, protocol.ReceiveRequest, error) {
	var req protocol.ReceiveRequest

	peer, err := remoteAddr(conn)
	if err != nil {
		return nil, req, err
	}

	conn.SetReadDeadline(time.Now().Add(RequestTimeout))
	raw, err := readRequest(conn)
	if err != nil {
		return nil, req, fmt.Errorf("read request: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	pkt, err := protocol.Decode(raw)
	if err != nil {
		return nil, req, err
	}
	pkt.PeerAddress = peer

	if pkt.Command != protocol.CmdGetFileData && pkt.Command != protocol.CmdGetDirFiles {
		return nil, req, fmt.Errorf("%w: %s", ErrUnsupportedRequest, protocol.CommandName(pkt.Command))
	}
	if req, err = protocol.ParseReceiveRequest(pkt.Data); err != nil {
		return nil, req, err
	}

	offer, err := l.registry.Lookup(peer, req.PacketID, req.FileID)
	if err != nil {
		return nil, req, err
	}
	if offer.IsDir != (pkt.Command == protocol.CmdGetDirFiles) {
		return nil, req, ErrKindMismatch
	}
	return offer, req, nil
}

// readRequest reads one request segment. The segment ends at a NUL, or
// as soon as the receive-request header in its data field is complete;
// senders are not required to terminate it.
func readRequest(r io.Reader) ([]byte, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return buf[:i+1], nil
		}
		if requestComplete(buf[:n]) {
			return buf[:n], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return buf[:n], nil
			}
			return nil, err
		}
	}
	return buf[:n], nil
}

// requestComplete reports whether b holds a whole get-file or
// get-directory request. File requests need the offset field.
func requestComplete(b []byte) bool {
	pkt, err := protocol.Decode(b)
	if err != nil || !strings.HasSuffix(pkt.Data, ":") {
		return false
	}
	req, err := protocol.ParseReceiveRequest(pkt.Data)
	if err != nil {
		return false
	}
	return req.HasOffset || pkt.Command == protocol.CmdGetDirFiles
}

func remoteAddr(conn net.Conn) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("remote address %s: %w", conn.RemoteAddr(), err)
	}
	return ap.Addr().Unmap(), nil
}
