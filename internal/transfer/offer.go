package transfer

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/protocol"
)

// Offer is the sending side of one advertised file or directory.
type Offer struct {
	tracker

	FileID   uint64
	PacketID uint64
	Peer     netip.Addr
	Path     string
	Name     string
	IsDir    bool
	Size     uint64
	MTime    time.Time

	chunk int
}

func newOffer(fileID uint64, peer netip.Addr, path string, chunk int, bus *event.Bus[Progress]) (*Offer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", path, err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("offer %s: not a regular file or directory", path)
	}

	o := &Offer{
		FileID: fileID,
		Peer:   peer,
		Path:   path,
		Name:   filepath.Base(path),
		IsDir:  info.IsDir(),
		MTime:  info.ModTime(),
		chunk:  chunk,
	}
	if !o.IsDir {
		o.Size = uint64(info.Size())
	}
	o.tracker = tracker{role: RoleSend, events: bus, describe: o.describe}
	return o, nil
}

func (o *Offer) describe() Progress {
	return Progress{
		PacketID: o.PacketID,
		FileID:   o.FileID,
		Peer:     o.Peer,
		Name:     o.Name,
		IsDir:    o.IsDir,
		Size:     o.Size,
	}
}

// Info is the file-send-request header advertising this offer.
func (o *Offer) Info() protocol.FileInfo {
	kind := protocol.KindRegular
	if o.IsDir {
		kind = protocol.KindDirectory
	}
	return protocol.FileInfo{
		ID:    o.FileID,
		Name:  o.Name,
		Size:  o.Size,
		MTime: o.MTime.Unix(),
		Kind:  kind,
	}
}

// Cancel withdraws an offer nobody has fetched yet.
func (o *Offer) Cancel() bool {
	return o.cancel()
}

// Send streams the offer into conn. offset applies to single files only.
// conn is closed on return whatever the outcome.
func (o *Offer) Send(conn io.WriteCloser, offset uint64) error {
	defer conn.Close()

	if err := o.begin(); err != nil {
		return err
	}

	var err error
	if o.IsDir {
		err = o.sendTree(conn)
	} else {
		err = o.sendFile(conn, offset)
	}
	if err != nil {
		log.With("file", o.Name, "peer", o.Peer.String()).Warn("send failed: %v", err)
	}
	return o.finish(err)
}

func (o *Offer) sendFile(w io.Writer, offset uint64) error {
	f, err := os.Open(o.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return fmt.Errorf("seek to %d: %w", offset, err)
		}
	}
	return o.stream(w, f)
}

// stream copies r to w chunk by chunk, counting every chunk.
func (o *Offer) stream(w io.Writer, r io.Reader) error {
	buf := make([]byte, o.chunk)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			o.add(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// frame is one open directory on the traversal stack.
type frame struct {
	dir     string
	entries []os.DirEntry
	next    int
}

// sendTree writes a pre-order stream: the root directory header, every
// descendant, and one return-to-parent marker per directory.
func (o *Offer) sendTree(w io.Writer) error {
	root, err := o.openDir(w, o.Path, o.Name)
	if err != nil {
		return err
	}
	stack := []*frame{root}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			ret := protocol.ReturnToParent()
			if _, err := w.Write(ret.Encode()); err != nil {
				return err
			}
			stack = stack[:len(stack)-1]
			continue
		}

		entry := top.entries[top.next]
		top.next++
		path := filepath.Join(top.dir, entry.Name())

		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			child, err := o.openDir(w, path, entry.Name())
			if err != nil {
				return err
			}
			stack = append(stack, child)
		case info.Mode().IsRegular():
			if err := o.sendTreeFile(w, path, info); err != nil {
				return err
			}
		default:
			log.With("file", path).Debug("skipping %s", info.Mode().Type())
		}
	}
	return nil
}

func (o *Offer) openDir(w io.Writer, path, name string) (*frame, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	h := protocol.HierHeader{
		Name: name,
		Kind: protocol.KindDirectory,
		Ext:  []string{protocol.MTimeAttr(info.ModTime())},
	}
	if _, err := w.Write(h.Encode()); err != nil {
		return nil, err
	}
	return &frame{dir: path, entries: entries}, nil
}

func (o *Offer) sendTreeFile(w io.Writer, path string, info os.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	size := info.Size()
	h := protocol.HierHeader{
		Name: info.Name(),
		Size: uint64(size),
		Kind: protocol.KindRegular,
		Ext:  []string{protocol.MTimeAttr(info.ModTime())},
	}
	if _, err := w.Write(h.Encode()); err != nil {
		return err
	}

	// The stream must carry exactly the size announced in the header.
	if err := o.stream(w, io.LimitReader(f, size)); err != nil {
		return err
	}
	if pos, err := f.Seek(0, io.SeekCurrent); err == nil && pos < size {
		return fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}
	return nil
}
