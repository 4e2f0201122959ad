package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/protocol"
)

// trailerWait bounds how long a completed single-file receive waits to
// see whether the sender closes or keeps writing.
const trailerWait = 200 * time.Millisecond

// PacketFactory builds request packets carrying the local identity.
type PacketFactory interface {
	NextSeq() uint64
	Packet(seq uint64, cmd uint8, opts uint32, data string) *protocol.Packet
}

// DialFunc opens the TCP connection to a sender.
type DialFunc func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

// TCPDialer returns a DialFunc with a connect timeout.
func TCPDialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
		return d.DialContext(ctx, "tcp4", addr.String())
	}
}

// Incoming is the receiving side of one file or directory a peer offered.
type Incoming struct {
	tracker

	FileID   uint64
	PacketID uint64
	Peer     netip.Addr
	Name     string
	IsDir    bool
	Size     uint64
	MTime    time.Time

	port    uint16
	chunk   int
	dial    DialFunc
	packets PacketFactory
}

func newIncoming(peer netip.Addr, packetID uint64, info protocol.FileInfo, port uint16, chunk int,
	dial DialFunc, packets PacketFactory, bus *event.Bus[Progress]) *Incoming {
	in := &Incoming{
		FileID:   info.ID,
		PacketID: packetID,
		Peer:     peer,
		Name:     info.Name,
		IsDir:    info.Kind == protocol.KindDirectory,
		Size:     info.Size,
		port:     port,
		chunk:    chunk,
		dial:     dial,
		packets:  packets,
	}
	if info.MTime > 0 {
		in.MTime = time.Unix(info.MTime, 0)
	}
	in.tracker = tracker{role: RoleReceive, events: bus, describe: in.describe}
	return in
}

func (in *Incoming) describe() Progress {
	return Progress{
		PacketID: in.PacketID,
		FileID:   in.FileID,
		Peer:     in.Peer,
		Name:     in.Name,
		IsDir:    in.IsDir,
		Size:     in.Size,
	}
}

// Target returns the path Receive writes to for dest.
func (in *Incoming) Target(dest string) string {
	if in.IsDir {
		return filepath.Join(dest, in.Name)
	}
	return dest
}

// Receive fetches the offer. For a file dest is the target file; for a
// directory dest is the parent the tree is created in.
func (in *Incoming) Receive(ctx context.Context, dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(in.Target(dest)); err == nil {
			return fmt.Errorf("%w: %s", ErrDestinationExists, in.Target(dest))
		}
	}
	if err := in.begin(); err != nil {
		return err
	}

	err := in.receive(ctx, dest)
	if err != nil {
		log.With("file", in.Name, "peer", in.Peer.String()).Warn("receive failed: %v", err)
	}
	return in.finish(err)
}

func (in *Incoming) receive(ctx context.Context, dest string) error {
	conn, err := in.dial(ctx, netip.AddrPortFrom(in.Peer, in.port))
	if err != nil {
		return fmt.Errorf("dial %s: %w", in.Peer, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	req := protocol.ReceiveRequest{PacketID: in.PacketID, FileID: in.FileID, HasOffset: !in.IsDir}
	cmd := protocol.CmdGetFileData
	if in.IsDir {
		cmd = protocol.CmdGetDirFiles
	}
	pkt := in.packets.Packet(in.packets.NextSeq(), cmd, 0, req.Encode())
	if _, err := conn.Write(protocol.Encode(pkt)); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	if in.IsDir {
		return in.receiveTree(conn, dest)
	}
	return in.receiveFile(conn, dest)
}

func (in *Incoming) receiveFile(conn net.Conn, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := in.copyN(f, conn, in.Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := expectEnd(conn); err != nil {
		return err
	}
	in.applyMTime(dest, in.MTime)
	return nil
}

// expectEnd checks that the sender has nothing more to say. A timeout
// counts as the end of the payload.
func expectEnd(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(trailerWait))
	var b [1]byte
	n, err := conn.Read(b[:])
	if n > 0 {
		return fmt.Errorf("%w: more data than the declared size", ErrProtocolViolation)
	}
	var netErr net.Error
	if err == nil || errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil
	}
	return err
}

// copyN writes exactly n bytes from r to w, counting every chunk.
func (in *Incoming) copyN(w io.Writer, r io.Reader, n uint64) error {
	buf := make([]byte, in.chunk)
	for n > 0 {
		want := uint64(len(buf))
		if n < want {
			want = n
		}
		got, err := io.ReadFull(r, buf[:want])
		if got > 0 {
			if _, werr := w.Write(buf[:got]); werr != nil {
				return werr
			}
			in.add(got)
			n -= uint64(got)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%d bytes missing: %w", n, err)
		}
	}
	return nil
}

type cursor struct {
	path  string
	mtime time.Time
}

// receiveTree replays a pre-order header stream under dest until the
// cursor climbs back to dest.
func (in *Incoming) receiveTree(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	stack := []cursor{{path: dest}}

	for {
		h, err := protocol.ReadHierHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream ended at depth %d: %w", len(stack)-1, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}

		top := stack[len(stack)-1]
		switch h.Kind {
		case protocol.KindDirectory:
			if err := validName(h.Name); err != nil {
				return err
			}
			path := filepath.Join(top.path, h.Name)
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			stack = append(stack, cursor{path: path, mtime: headerMTime(h)})

		case protocol.KindRegular:
			if len(stack) == 1 {
				return fmt.Errorf("%w: file %q outside the root directory", ErrProtocolViolation, h.Name)
			}
			if err := validName(h.Name); err != nil {
				return err
			}
			path := filepath.Join(top.path, h.Name)
			if err := in.writeTreeFile(r, path, h.Size); err != nil {
				return err
			}
			in.applyMTime(path, headerMTime(h))

		case protocol.KindReturnParent:
			if len(stack) == 1 {
				return fmt.Errorf("%w: return above the destination", ErrProtocolViolation)
			}
			stack = stack[:len(stack)-1]
			in.applyMTime(top.path, top.mtime)
			if len(stack) == 1 {
				return nil
			}

		default:
			return fmt.Errorf("%w: unknown header kind %s", ErrProtocolViolation, h.Kind)
		}
	}
}

func (in *Incoming) writeTreeFile(r io.Reader, path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := in.copyN(f, r, size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func headerMTime(h protocol.HierHeader) time.Time {
	v, ok := protocol.LookupAttr(h.Ext, protocol.AttrMTime)
	if !ok {
		return time.Time{}
	}
	secs, err := strconv.ParseUint(v, 16, 64)
	if err != nil || secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0)
}

func (in *Incoming) applyMTime(path string, t time.Time) {
	if t.IsZero() {
		return
	}
	if err := os.Chtimes(path, t, t); err != nil {
		log.With("file", path).Debug("set mtime: %v", err)
	}
}
