package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/1ureka/ipmsg/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var loopback = netip.MustParseAddr("127.0.0.1")

type fakePackets struct {
	seq *protocol.Sequence
}

func newFakePackets() *fakePackets {
	return &fakePackets{seq: protocol.NewSequence(500)}
}

func (f *fakePackets) NextSeq() uint64 { return f.seq.Next() }

func (f *fakePackets) Packet(seq uint64, cmd uint8, opts uint32, data string) *protocol.Packet {
	return &protocol.Packet{Seq: seq, UserName: "rx", HostName: "host", Command: cmd, Options: opts, Data: data}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// pipeServer returns a registry whose dials land on fn, which plays the
// sender after the request packet has been read.
func pipeServer(t *testing.T, fn func(req *protocol.Packet, conn net.Conn)) *Registry {
	t.Helper()
	dial := func(ctx context.Context, _ netip.AddrPort) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			raw, err := bufio.NewReader(server).ReadSlice(0)
			if err != nil {
				return
			}
			req, err := protocol.Decode(raw)
			if err != nil {
				t.Errorf("request packet: %v", err)
				return
			}
			fn(req, server)
		}()
		return client, nil
	}
	return NewRegistry(Options{Port: 2425, ChunkSize: 4, Dial: dial}, newFakePackets())
}

func hier(h protocol.HierHeader) []byte {
	return h.Encode()
}

func fileInfo(id uint64, name string, size uint64, kind protocol.FileKind) protocol.FileInfo {
	return protocol.FileInfo{ID: id, Name: name, Size: size, Kind: kind}
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

func TestReceiveSingleFile(t *testing.T) {
	const payload = "hello world"

	tests := []struct {
		name    string
		send    string
		state   State
		wantErr error
	}{
		{"exact", payload, Completed, nil},
		{"short", payload[:len(payload)-1], Error, io.ErrUnexpectedEOF},
		{"too long", payload + "extra", Error, ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := pipeServer(t, func(req *protocol.Packet, conn net.Conn) {
				if req.Command != protocol.CmdGetFileData || req.Data != "7:1:0:" {
					t.Errorf("request = %s %q", protocol.CommandName(req.Command), req.Data)
				}
				conn.Write([]byte(tt.send))
			})
			in := reg.AddIncoming(loopback, 7, []protocol.FileInfo{
				fileInfo(1, "greeting.txt", uint64(len(payload)), protocol.KindRegular),
			})[0]

			dest := filepath.Join(t.TempDir(), "greeting.txt")
			err := in.Receive(context.Background(), dest, false)

			if in.State() != tt.state {
				t.Fatalf("state = %s, want %s (err %v)", in.State(), tt.state, err)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if in.Transferred() != uint64(len(payload)) {
				t.Fatalf("transferred = %d, want %d", in.Transferred(), len(payload))
			}
			if got := readFile(t, dest); got != payload {
				t.Fatalf("content = %q", got)
			}
		})
	}
}

func TestReceiveDirectory(t *testing.T) {
	reg := pipeServer(t, func(req *protocol.Packet, conn net.Conn) {
		if req.Command != protocol.CmdGetDirFiles || req.Data != "9:2:" {
			t.Errorf("request = %s %q", protocol.CommandName(req.Command), req.Data)
		}
		var stream bytes.Buffer
		stream.Write(hier(protocol.HierHeader{Name: "a", Kind: protocol.KindDirectory}))
		stream.Write(hier(protocol.HierHeader{Name: "b", Size: 3, Kind: protocol.KindRegular}))
		stream.WriteString("xyz")
		stream.Write(hier(protocol.ReturnToParent()))
		conn.Write(stream.Bytes())
	})
	in := reg.AddIncoming(loopback, 9, []protocol.FileInfo{fileInfo(2, "a", 0, protocol.KindDirectory)})[0]

	dest := t.TempDir()
	if err := in.Receive(context.Background(), dest, false); err != nil {
		t.Fatal(err)
	}
	if in.State() != Completed {
		t.Fatalf("state = %s", in.State())
	}
	if got := readFile(t, filepath.Join(dest, "a", "b")); got != "xyz" {
		t.Fatalf("a/b = %q", got)
	}
}

func TestReceiveDirectoryRejectsBadStreams(t *testing.T) {
	dir := func(name string) []byte {
		return hier(protocol.HierHeader{Name: name, Kind: protocol.KindDirectory})
	}
	file := func(name, body string) []byte {
		h := hier(protocol.HierHeader{Name: name, Size: uint64(len(body)), Kind: protocol.KindRegular})
		return append(h, body...)
	}
	ret := hier(protocol.ReturnToParent())

	tests := []struct {
		name   string
		stream [][]byte
	}{
		{"escaping name", [][]byte{dir("a"), file("../evil", "x"), ret}},
		{"separator", [][]byte{dir("a/b"), ret}},
		{"file at root", [][]byte{file("b", "x")}},
		{"truncated body", [][]byte{dir("a"), file("b", "xyz")[:16]}},
		{"missing return", [][]byte{dir("a")}},
		{"garbage", [][]byte{[]byte("zzzzzzzz:oops")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := pipeServer(t, func(_ *protocol.Packet, conn net.Conn) {
				conn.Write(bytes.Join(tt.stream, nil))
			})
			in := reg.AddIncoming(loopback, 1, []protocol.FileInfo{fileInfo(1, "a", 0, protocol.KindDirectory)})[0]

			dest := t.TempDir()
			if err := in.Receive(context.Background(), dest, false); err == nil {
				t.Fatal("expected an error")
			}
			if in.State() != Error {
				t.Fatalf("state = %s, want error", in.State())
			}
			if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil")); err == nil {
				t.Fatal("file escaped the destination")
			}
		})
	}
}

func TestReceiveRejectsExistingDestination(t *testing.T) {
	reg := pipeServer(t, func(_ *protocol.Packet, conn net.Conn) { conn.Write([]byte("new")) })
	in := reg.AddIncoming(loopback, 1, []protocol.FileInfo{fileInfo(1, "f", 3, protocol.KindRegular)})[0]

	dest := filepath.Join(t.TempDir(), "f")
	writeFile(t, dest, "old")

	if err := in.Receive(context.Background(), dest, false); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("err = %v, want ErrDestinationExists", err)
	}
	if in.State() != WaitingForConnection {
		t.Fatalf("state = %s, a rejected receive must not start", in.State())
	}

	if err := in.Receive(context.Background(), dest, true); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, dest); got != "new" {
		t.Fatalf("content = %q", got)
	}
	if err := in.Receive(context.Background(), dest, true); !errors.Is(err, ErrTransferState) {
		t.Fatalf("second receive = %v, want ErrTransferState", err)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func sendToBuffer(t *testing.T, o *Offer, offset uint64) ([]byte, error) {
	t.Helper()
	rx, tx := net.Pipe()
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(rx)
		got <- b
	}()
	err := o.Send(tx, offset)
	return <-got, err
}

func TestSendFileWithOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	writeFile(t, path, "0123456789")

	reg := NewRegistry(Options{ChunkSize: 3}, newFakePackets())
	sub := reg.Events().SubscribeBuffered(32)

	o, err := reg.NewOffer(loopback, path)
	if err != nil {
		t.Fatal(err)
	}
	if o.Size != 10 || o.IsDir || o.Name != "data.bin" {
		t.Fatalf("offer = %+v", o)
	}

	got, err := sendToBuffer(t, o, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "456789" {
		t.Fatalf("payload = %q", got)
	}
	if o.State() != Completed || o.Transferred() != 6 {
		t.Fatalf("state = %s transferred = %d", o.State(), o.Transferred())
	}

	// begin, two chunks of three, completion.
	var states []State
	for len(sub) > 0 {
		states = append(states, (<-sub).State)
	}
	want := []State{Transferring, Transferring, Transferring, Completed}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("progress states = %v, want %v", states, want)
	}

	if _, err := sendToBuffer(t, o, 0); !errors.Is(err, ErrTransferState) {
		t.Fatalf("second send = %v, want ErrTransferState", err)
	}
}

func TestSendDirectoryStream(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "a.txt"), "aaa")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "bb")
	if err := os.Mkdir(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(Options{}, newFakePackets())
	o, err := reg.NewOffer(loopback, root)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := sendToBuffer(t, o, 0)
	if err != nil {
		t.Fatal(err)
	}

	type node struct {
		name string
		kind protocol.FileKind
		body string
	}
	var nodes []node
	r := bytes.NewReader(stream)
	for {
		h, err := protocol.ReadHierHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n := node{name: h.Name, kind: h.Kind}
		if h.Kind == protocol.KindRegular {
			body := make([]byte, h.Size)
			io.ReadFull(r, body)
			n.body = string(body)
		}
		if h.Kind != protocol.KindReturnParent {
			if _, ok := protocol.LookupAttr(h.Ext, protocol.AttrMTime); !ok {
				t.Errorf("%s has no mtime attribute", h.Name)
			}
		}
		nodes = append(nodes, n)
	}

	want := []node{
		{"tree", protocol.KindDirectory, ""},
		{"a.txt", protocol.KindRegular, "aaa"},
		{"empty", protocol.KindDirectory, ""},
		{".", protocol.KindReturnParent, ""},
		{"sub", protocol.KindDirectory, ""},
		{"b.txt", protocol.KindRegular, "bb"},
		{".", protocol.KindReturnParent, ""},
		{".", protocol.KindReturnParent, ""},
	}
	if fmt.Sprint(nodes) != fmt.Sprint(want) {
		t.Fatalf("stream =\n%v\nwant\n%v", nodes, want)
	}
	if o.Transferred() != 5 {
		t.Fatalf("transferred = %d, want 5", o.Transferred())
	}
}

func TestSendDirectoryMissingFileIsError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "ok.txt"), "ok")
	if err := os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "z-dangling")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	reg := NewRegistry(Options{}, newFakePackets())
	o, err := reg.NewOffer(loopback, root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sendToBuffer(t, o, 0); err == nil {
		t.Fatal("expected an error for the missing file")
	}
	if o.State() != Error || o.Err() == nil {
		t.Fatalf("state = %s err = %v", o.State(), o.Err())
	}
}

func TestSendDeletedFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "x")

	reg := NewRegistry(Options{}, newFakePackets())
	o, err := reg.NewOffer(loopback, path)
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	if _, err := sendToBuffer(t, o, 0); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
	if o.State() != Error {
		t.Fatalf("state = %s", o.State())
	}
}

// ---------------------------------------------------------------------------
// Registry and listener
// ---------------------------------------------------------------------------

func TestReleaseCancelsOffers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "x")

	reg := NewRegistry(Options{}, newFakePackets())
	o, _ := reg.NewOffer(loopback, path)
	reg.Publish(33, o)

	if _, err := reg.Lookup(loopback, 33, o.FileID); err != nil {
		t.Fatal(err)
	}
	if n := reg.Release(loopback, 33); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if o.State() != Cancelled {
		t.Fatalf("state = %s", o.State())
	}
	if _, err := reg.Lookup(loopback, 33, o.FileID); !errors.Is(err, ErrNoSuchOffer) {
		t.Fatalf("lookup after release = %v", err)
	}
}

func startListener(t *testing.T, reg *Registry) uint16 {
	t.Helper()
	l, err := Listen(0, reg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Serve(ctx)
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func TestListenerEndToEnd(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "doc.txt"), "the quick brown fox")
	writeFile(t, filepath.Join(src, "photos", "cat.jpg"), "meow")

	sender := NewRegistry(Options{ChunkSize: 5}, newFakePackets())
	port := startListener(t, sender)

	file, _ := sender.NewOffer(loopback, filepath.Join(src, "doc.txt"))
	dir, _ := sender.NewOffer(loopback, filepath.Join(src, "photos"))
	sender.Publish(77, file, dir)

	receiver := NewRegistry(Options{Port: port, Dial: TCPDialer(2 * time.Second)}, newFakePackets())
	incoming := receiver.AddIncoming(loopback, 77, []protocol.FileInfo{file.Info(), dir.Info()})
	if len(incoming) != 2 {
		t.Fatalf("incoming = %d", len(incoming))
	}

	dest := t.TempDir()
	ctx := context.Background()
	if err := incoming[0].Receive(ctx, filepath.Join(dest, "doc.txt"), false); err != nil {
		t.Fatal(err)
	}
	if err := incoming[1].Receive(ctx, dest, false); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(dest, "doc.txt")); got != "the quick brown fox" {
		t.Fatalf("doc.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "photos", "cat.jpg")); got != "meow" {
		t.Fatalf("cat.jpg = %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for file.State() != Completed || dir.State() != Completed {
		if time.Now().After(deadline) {
			t.Fatalf("sender states = %s, %s", file.State(), dir.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenerRejectsMismatchedRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "secret")

	reg := NewRegistry(Options{}, newFakePackets())
	port := startListener(t, reg)
	o, _ := reg.NewOffer(loopback, path)
	reg.Publish(5, o)

	pk := newFakePackets()
	tests := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{"kind mismatch", pk.Packet(1, protocol.CmdGetDirFiles, 0, fmt.Sprintf("5:%x:", o.FileID))},
		{"unknown file", pk.Packet(2, protocol.CmdGetFileData, 0, "5:99:0:")},
		{"wrong packet", pk.Packet(3, protocol.CmdGetFileData, 0, fmt.Sprintf("6:%x:0:", o.FileID))},
		{"not a request", pk.Packet(4, protocol.CmdSendMsg, 0, "hi")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			conn.Write(protocol.Encode(tt.pkt))

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			got, err := io.ReadAll(conn)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("got reply %q, want a silent close", got)
			}
		})
	}
	if o.State() != WaitingForConnection {
		t.Fatalf("offer state = %s", o.State())
	}
}

func TestReadRequestFraming(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"nul terminated", "1:9:rx:host:96:5:3:0:\x00trailing", "1:9:rx:host:96:5:3:0:\x00"},
		{"file without nul", "1:9:rx:host:96:5:3:1a:", "1:9:rx:host:96:5:3:1a:"},
		{"directory without nul", "1:9:rx:host:98:5:3:", "1:9:rx:host:98:5:3:"},
		{"ends at eof", "1:9:rx:host:32:hello", "1:9:rx:host:32:hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRequest(iotest.OneByteReader(strings.NewReader(tt.raw)))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Fatalf("readRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListenerAcceptsRequestWithoutNUL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "payload")

	reg := NewRegistry(Options{}, newFakePackets())
	port := startListener(t, reg)
	o, _ := reg.NewOffer(loopback, path)
	reg.Publish(5, o)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Arrives in two segments and is never NUL-terminated.
	req := fmt.Sprintf("1:9:rx:host:%d:5:%x:0:", protocol.CmdGetFileData, o.FileID)
	conn.Write([]byte(req[:len(req)-3]))
	time.Sleep(20 * time.Millisecond)
	conn.Write([]byte(req[len(req)-3:]))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want payload", got)
	}
}
