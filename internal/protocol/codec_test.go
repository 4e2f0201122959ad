package protocol_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/1ureka/ipmsg/internal/protocol"
)

// TestEncodeDecodeRoundTrip verifies that decoding an encoded packet yields
// the same packet for every command class.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{
			name: "entry with nick and group",
			pkt: &protocol.Packet{
				Seq:      1234567,
				UserName: "alice",
				HostName: "ws-01",
				Command:  protocol.CmdEntry,
				Options:  protocol.OptAbsence,
				Data:     "Alice\x00Sales\x00lunch",
			},
		},
		{
			name: "message whose text contains colons",
			pkt: &protocol.Packet{
				Seq:      42,
				UserName: "bob",
				HostName: "laptop",
				Command:  protocol.CmdSendMsg,
				Options:  protocol.OptSendCheck | protocol.OptRetry,
				Data:     "meeting at 10:30: room 2",
			},
		},
		{
			name: "central european characters",
			pkt: &protocol.Packet{
				Seq:      7,
				UserName: "łukasz",
				HostName: "počítač",
				Command:  protocol.CmdSendMsg,
				Data:     "Dobrý den, čeština žije",
			},
		},
		{
			name: "empty data",
			pkt: &protocol.Packet{
				Seq:      0,
				UserName: "u",
				HostName: "h",
				Command:  protocol.CmdExit,
			},
		},
		{
			name: "unknown command survives",
			pkt: &protocol.Packet{
				Seq:      99,
				UserName: "u",
				HostName: "h",
				Command:  0x77,
				Data:     "x",
			},
		},
		{
			name: "max sequence and all option bits",
			pkt: &protocol.Packet{
				Seq:      ^uint64(0),
				UserName: "u",
				HostName: "h",
				Command:  protocol.CmdRecvMsg,
				Options:  0xFFFFFF00,
				Data:     "18446744073709551615",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := protocol.Encode(tc.pkt)
			if encoded[len(encoded)-1] != 0 {
				t.Fatalf("encoded packet not NUL terminated: %q", encoded)
			}

			decoded, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Seq != tc.pkt.Seq {
				t.Errorf("Seq mismatch: got %d, want %d", decoded.Seq, tc.pkt.Seq)
			}
			if decoded.UserName != tc.pkt.UserName || decoded.HostName != tc.pkt.HostName {
				t.Errorf("identity mismatch: got %q@%q, want %q@%q",
					decoded.UserName, decoded.HostName, tc.pkt.UserName, tc.pkt.HostName)
			}
			if decoded.Command != tc.pkt.Command {
				t.Errorf("Command mismatch: got 0x%02x, want 0x%02x", decoded.Command, tc.pkt.Command)
			}
			if decoded.Options != tc.pkt.Options {
				t.Errorf("Options mismatch: got 0x%08x, want 0x%08x", decoded.Options, tc.pkt.Options)
			}
			if decoded.Data != tc.pkt.Data {
				t.Errorf("Data mismatch: got %q, want %q", decoded.Data, tc.pkt.Data)
			}
			if decoded.PeerAddress.IsValid() {
				t.Errorf("PeerAddress should be unset after decode, got %v", decoded.PeerAddress)
			}
		})
	}
}

// TestEncodeUsesSingleByteCharset checks that non-ASCII text is written in
// the 8-bit wire charset and not as UTF-8.
func TestEncodeUsesSingleByteCharset(t *testing.T) {
	pkt := &protocol.Packet{Seq: 1, UserName: "u", HostName: "h", Command: protocol.CmdSendMsg, Data: "ł"}
	encoded := protocol.Encode(pkt)

	want := "1:1:u:h:32:\xb3\x00"
	if string(encoded) != want {
		t.Errorf("encoded bytes: got %q, want %q", encoded, want)
	}
}

// TestDecodeTolerance verifies the NUL handling of the data field.
func TestDecodeTolerance(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		data string
	}{
		{"trailing NUL stripped", "1:5:u:h:32:hello\x00", "hello"},
		{"missing NUL tolerated", "1:5:u:h:32:hello", "hello"},
		{"inner NUL kept", "1:5:u:h:1:nick\x00group\x00", "nick\x00group"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkt, err := protocol.Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if pkt.Data != tc.data {
				t.Errorf("Data: got %q, want %q", pkt.Data, tc.data)
			}
		})
	}
}

// TestDecodeMalformed verifies that structural errors are rejected as
// ErrMalformed.
func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"too few fields", "1:5:u:h"},
		{"five fields", "1:5:u:h:32"},
		{"non-numeric sequence", "1:abc:u:h:32:data"},
		{"non-numeric flags", "1:5:u:h:zz:data"},
		{"negative sequence", "1:-5:u:h:32:data"},
		{"non-numeric version", "x:5:u:h:32:data"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, protocol.ErrMalformed) {
				t.Errorf("error %v is not ErrMalformed", err)
			}
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %v is not a *DecodeError", err)
			}
		})
	}
}

// TestFlagsPacking checks the command/options split of the flags field.
func TestFlagsPacking(t *testing.T) {
	pkt := &protocol.Packet{}
	pkt.SetFlags(0x00204120)

	if pkt.Command != protocol.CmdSendMsg {
		t.Errorf("Command: got 0x%02x, want 0x%02x", pkt.Command, protocol.CmdSendMsg)
	}
	if !pkt.Has(protocol.OptFileAttach) || !pkt.Has(protocol.OptRetry) || !pkt.Has(protocol.OptSendCheck) {
		t.Errorf("Options 0x%08x missing expected bits", pkt.Options)
	}
	if pkt.Flags() != 0x00204120 {
		t.Errorf("Flags: got 0x%08x, want 0x00204120", pkt.Flags())
	}
}

// TestPeerAddressIsTransportOnly makes sure the address never reaches the wire.
func TestPeerAddressIsTransportOnly(t *testing.T) {
	a := &protocol.Packet{Seq: 3, UserName: "u", HostName: "h", Command: protocol.CmdEntry}
	b := *a
	b.PeerAddress = netip.MustParseAddr("192.168.1.20")

	if string(protocol.Encode(a)) != string(protocol.Encode(&b)) {
		t.Error("PeerAddress changed the encoded bytes")
	}
}

func TestSequenceMonotonic(t *testing.T) {
	seq := protocol.NewSequence(10)
	prev := uint64(10)
	for range 100 {
		n := seq.Next()
		if n <= prev {
			t.Fatalf("sequence not monotonic: %d after %d", n, prev)
		}
		prev = n
	}

	if protocol.NewRandomSequence().Next() == 0 {
		t.Error("Next must never return the zero value")
	}
}
