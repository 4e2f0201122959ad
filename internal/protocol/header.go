package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// FileKind is the node type carried by file headers.
type FileKind uint32

const (
	KindRegular      FileKind = 1
	KindDirectory    FileKind = 2
	KindReturnParent FileKind = 3
)

func (k FileKind) String() string {
	switch k {
	case KindRegular:
		return "file"
	case KindDirectory:
		return "dir"
	case KindReturnParent:
		return "retparent"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// AttrMTime is the extended attribute key for the modification time.
const AttrMTime = "14"

// FileListSeparator joins multiple file headers in one announcement.
const FileListSeparator = "\a"

// hierLenDigits is the width of the hierarchical header length prefix.
const hierLenDigits = 8

// MaxHierHeaderSize bounds one hierarchical header.
const MaxHierHeaderSize = 64 * 1024

// ErrShortHeader is returned when a header is truncated by end of stream.
var ErrShortHeader = fmt.Errorf("%w: truncated header", ErrMalformed)

// EscapeName doubles every ':' in a file name.
func EscapeName(name string) string {
	return strings.ReplaceAll(name, ":", "::")
}

// UnescapeName undoes EscapeName.
func UnescapeName(name string) string {
	return strings.ReplaceAll(name, "::", ":")
}

// splitHeader splits a colon-delimited header. Only the field at index
// nameField may contain doubled colons, which are kept as one literal ':'.
func splitHeader(s string, nameField int) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != ':' {
			cur.WriteByte(c)
			continue
		}
		if len(fields) == nameField && i+1 < len(s) && s[i+1] == ':' {
			cur.WriteByte(':')
			i++
			continue
		}
		fields = append(fields, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func parseHex(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &DecodeError{Field: field, Err: err}
	}
	return v, nil
}

func hex(v uint64) string {
	return strconv.FormatUint(v, 16)
}

// MTimeAttr renders a modification time as an extended attribute.
func MTimeAttr(t time.Time) string {
	return AttrMTime + "=" + hex(uint64(t.Unix()))
}

// LookupAttr returns the value of key in a list of "key=value" attributes.
func LookupAttr(ext []string, key string) (string, bool) {
	for _, a := range ext {
		k, v, ok := strings.Cut(a, "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// File-send-request
// ---------------------------------------------------------------------------

// FileInfo describes one offered file in an attachment announcement:
// "<id>:<name>:<size>:<mtime>:<kind>[:ext]*:".
type FileInfo struct {
	ID    uint64
	Name  string
	Size  uint64
	MTime int64
	Kind  FileKind
	Ext   []string
}

// Encode renders the header with hex numeric fields.
func (f FileInfo) Encode() string {
	var sb strings.Builder
	sb.WriteString(hex(f.ID))
	sb.WriteByte(':')
	sb.WriteString(EscapeName(f.Name))
	sb.WriteByte(':')
	sb.WriteString(hex(f.Size))
	sb.WriteByte(':')
	sb.WriteString(hex(uint64(f.MTime)))
	sb.WriteByte(':')
	sb.WriteString(hex(uint64(f.Kind)))
	for _, a := range f.Ext {
		sb.WriteByte(':')
		sb.WriteString(a)
	}
	sb.WriteByte(':')
	return sb.String()
}

// ParseFileInfo parses one file-send-request header.
func ParseFileInfo(s string) (FileInfo, error) {
	fields := splitHeader(s, 1)
	if len(fields) < 5 {
		return FileInfo{}, &DecodeError{Field: "file header", Err: fmt.Errorf("%d fields", len(fields))}
	}

	var f FileInfo
	var err error
	if f.ID, err = parseHex("file id", fields[0]); err != nil {
		return FileInfo{}, err
	}
	f.Name = fields[1]
	if f.Size, err = parseHex("file size", fields[2]); err != nil {
		return FileInfo{}, err
	}
	mtime, err := parseHex("file mtime", fields[3])
	if err != nil {
		return FileInfo{}, err
	}
	f.MTime = int64(mtime)
	kind, err := parseHex("file kind", fields[4])
	if err != nil {
		return FileInfo{}, err
	}
	f.Kind = FileKind(kind & 0xFF)
	for _, a := range fields[5:] {
		if a != "" {
			f.Ext = append(f.Ext, a)
		}
	}
	return f, nil
}

// EncodeFileList joins headers with the BEL separator.
func EncodeFileList(files []FileInfo) string {
	parts := make([]string, len(files))
	for i, f := range files {
		parts[i] = f.Encode()
	}
	return strings.Join(parts, FileListSeparator)
}

// ParseFileList parses a BEL-joined list. Empty entries are skipped.
func ParseFileList(s string) ([]FileInfo, error) {
	var out []FileInfo
	for _, part := range strings.Split(s, FileListSeparator) {
		if part == "" {
			continue
		}
		f, err := ParseFileInfo(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// File-receive-request
// ---------------------------------------------------------------------------

// ReceiveRequest is the data of a get-file/get-directory packet:
// "<packetId>:<fileId>:<offset>:" with the offset omitted for directories.
type ReceiveRequest struct {
	PacketID  uint64
	FileID    uint64
	Offset    uint64
	HasOffset bool
}

func (r ReceiveRequest) Encode() string {
	s := hex(r.PacketID) + ":" + hex(r.FileID) + ":"
	if r.HasOffset {
		s += hex(r.Offset) + ":"
	}
	return s
}

// ParseReceiveRequest parses a file-receive-request header.
func ParseReceiveRequest(s string) (ReceiveRequest, error) {
	fields := strings.Split(strings.TrimRight(s, ":\x00"), ":")
	if len(fields) < 2 || len(fields) > 3 {
		return ReceiveRequest{}, &DecodeError{Field: "receive request", Err: fmt.Errorf("%d fields", len(fields))}
	}

	var r ReceiveRequest
	var err error
	if r.PacketID, err = parseHex("packet id", fields[0]); err != nil {
		return ReceiveRequest{}, err
	}
	if r.FileID, err = parseHex("file id", fields[1]); err != nil {
		return ReceiveRequest{}, err
	}
	if len(fields) == 3 {
		if r.Offset, err = parseHex("offset", fields[2]); err != nil {
			return ReceiveRequest{}, err
		}
		r.HasOffset = true
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Hierarchical file header
// ---------------------------------------------------------------------------

// HierHeader frames one node of a pre-order directory stream:
// "<len,8 hex>:<name>:<size>:<kind>[:ext]*:". Length counts the whole
// header including the prefix itself.
type HierHeader struct {
	Length uint64
	Name   string
	Size   uint64
	Kind   FileKind
	Ext    []string
}

// ReturnToParent is the "pop" marker header.
func ReturnToParent() HierHeader {
	return HierHeader{Name: ".", Kind: KindReturnParent}
}

// Encode renders the header in wire bytes and fills h.Length.
func (h *HierHeader) Encode() []byte {
	var sb strings.Builder
	sb.WriteByte(':')
	sb.WriteString(EscapeName(h.Name))
	sb.WriteByte(':')
	sb.WriteString(hex(h.Size))
	sb.WriteByte(':')
	sb.WriteString(hex(uint64(h.Kind)))
	for _, a := range h.Ext {
		sb.WriteByte(':')
		sb.WriteString(a)
	}
	sb.WriteByte(':')

	body := EncodeText(sb.String())
	h.Length = uint64(hierLenDigits + len(body))

	out := make([]byte, 0, h.Length)
	out = append(out, fmt.Sprintf("%0*x", hierLenDigits, h.Length)...)
	return append(out, body...)
}

// ReadHierHeader reads exactly one hierarchical header from r. End of
// stream before the first byte yields io.EOF; inside a header it yields
// ErrShortHeader.
func ReadHierHeader(r io.Reader) (HierHeader, error) {
	prefix := make([]byte, hierLenDigits)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return HierHeader{}, io.EOF
		}
		return HierHeader{}, ErrShortHeader
	}

	length, err := parseHex("header length", string(prefix))
	if err != nil {
		return HierHeader{}, err
	}
	if length <= hierLenDigits || length > MaxHierHeaderSize {
		return HierHeader{}, &DecodeError{Field: "header length", Err: fmt.Errorf("%d out of range", length)}
	}

	body := make([]byte, length-hierLenDigits)
	if _, err := io.ReadFull(r, body); err != nil {
		return HierHeader{}, ErrShortHeader
	}

	text := DecodeText(body)
	if !strings.HasPrefix(text, ":") {
		return HierHeader{}, &DecodeError{Field: "header framing"}
	}

	fields := splitHeader(text[1:], 0)
	if len(fields) < 3 {
		return HierHeader{}, &DecodeError{Field: "hier header", Err: fmt.Errorf("%d fields", len(fields))}
	}

	h := HierHeader{Length: length, Name: fields[0]}
	if h.Size, err = parseHex("hier size", fields[1]); err != nil {
		return HierHeader{}, err
	}
	kind, err := parseHex("hier kind", fields[2])
	if err != nil {
		return HierHeader{}, err
	}
	h.Kind = FileKind(kind & 0xFF)
	for _, a := range fields[3:] {
		if a != "" {
			h.Ext = append(h.Ext, a)
		}
	}
	return h, nil
}
