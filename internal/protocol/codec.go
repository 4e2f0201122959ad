package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// ErrMalformed is the root of every decode failure.
var ErrMalformed = errors.New("malformed packet")

// DecodeError names the field that failed to parse.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: bad %s", ErrMalformed, e.Field)
	}
	return fmt.Sprintf("%v: bad %s: %v", ErrMalformed, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

// Charset is the single 8-bit encoding used on the wire.
var Charset encoding.Encoding = charmap.Windows1250

const packetFields = 6

// EncodeText converts s to wire bytes. Runes outside the charset are
// replaced rather than failing the whole packet.
func EncodeText(s string) []byte {
	b, err := encoding.ReplaceUnsupported(Charset.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

// DecodeText converts wire bytes to a Go string.
func DecodeText(b []byte) string {
	s, err := Charset.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// Encode serializes a packet to "1:<seq>:<user>:<host>:<flags>:<data>\0".
func Encode(pkt *Packet) []byte {
	var sb strings.Builder
	sb.WriteString(Version)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(pkt.Seq, 10))
	sb.WriteByte(':')
	sb.WriteString(pkt.UserName)
	sb.WriteByte(':')
	sb.WriteString(pkt.HostName)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(uint64(pkt.Flags()), 10))
	sb.WriteByte(':')
	sb.WriteString(pkt.Data)

	buf := EncodeText(sb.String())
	return append(buf, 0)
}

// Decode parses one wire packet. Unknown commands decode fine; only
// structural problems are rejected.
func Decode(data []byte) (*Packet, error) {
	parts := strings.SplitN(DecodeText(data), ":", packetFields)
	if len(parts) != packetFields {
		return nil, &DecodeError{Field: "field count", Err: fmt.Errorf("got %d, want %d", len(parts), packetFields)}
	}

	if _, err := strconv.ParseUint(parts[0], 10, 32); err != nil {
		return nil, &DecodeError{Field: "version", Err: err}
	}

	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, &DecodeError{Field: "sequence", Err: err}
	}

	flags, err := strconv.ParseUint(parts[4], 10, 32)
	if err != nil {
		return nil, &DecodeError{Field: "flags", Err: err}
	}

	pkt := &Packet{
		Seq:      seq,
		UserName: parts[2],
		HostName: parts[3],
		Data:     strings.TrimSuffix(parts[5], "\x00"),
	}
	pkt.SetFlags(uint32(flags))
	return pkt, nil
}

// SplitData splits a data field on NUL separators, dropping nothing.
func SplitData(data string) []string {
	return strings.Split(data, "\x00")
}

// JoinData is the inverse of SplitData.
func JoinData(fields ...string) string {
	return strings.Join(fields, "\x00")
}
