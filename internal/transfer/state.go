// Package transfer implements file and directory transfers over ad-hoc TCP
// connections, in both the offering and the receiving role.
package transfer

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/util"
)

var (
	ErrTransferState      = errors.New("transfer: not waiting for connection")
	ErrDestinationExists  = errors.New("transfer: destination exists")
	ErrProtocolViolation  = errors.New("transfer: protocol violation")
	ErrNoSuchOffer        = errors.New("transfer: no such offer")
	ErrKindMismatch       = errors.New("transfer: requested kind does not match offer")
	ErrUnsupportedRequest = errors.New("transfer: not a file request")
)

var log = util.Named("transfer")

// State is the lifecycle of a one-shot transfer object.
type State int

const (
	WaitingForConnection State = iota
	Transferring
	Error
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case WaitingForConnection:
		return "waiting"
	case Transferring:
		return "transferring"
	case Error:
		return "error"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Final reports whether no further transition is possible.
func (s State) Final() bool {
	return s == Error || s == Completed || s == Cancelled
}

// Role tells which end of a transfer an event belongs to.
type Role string

const (
	RoleSend    Role = "send"
	RoleReceive Role = "receive"
)

// Progress is published on every chunk and on every state change.
type Progress struct {
	Role        Role
	PacketID    uint64
	FileID      uint64
	Peer        netip.Addr
	Name        string
	IsDir       bool
	State       State
	Transferred uint64
	Size        uint64
	Err         error
}

// tracker is the state machine shared by Offer and Incoming.
type tracker struct {
	role   Role
	events *event.Bus[Progress]

	mu          sync.Mutex
	state       State
	transferred uint64
	err         error

	// describe fills the identity fields of a Progress.
	describe func() Progress
}

func (t *tracker) snapshot() Progress {
	p := t.describe()
	p.Role = t.role
	p.State = t.state
	p.Transferred = t.transferred
	p.Err = t.err
	return p
}

func (t *tracker) publishLocked() {
	if t.events != nil {
		t.events.Publish(t.snapshot())
	}
}

// begin moves WaitingForConnection to Transferring. Every other state is
// rejected, so a transfer object runs at most once.
func (t *tracker) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != WaitingForConnection {
		return fmt.Errorf("%w (state %s)", ErrTransferState, t.state)
	}
	t.state = Transferring
	t.transferred = 0
	t.publishLocked()
	return nil
}

func (t *tracker) add(n int) {
	if n <= 0 {
		return
	}
	if t.role == RoleSend {
		metrics.AddTransferSent(n)
	} else {
		metrics.AddTransferReceived(n)
	}

	t.mu.Lock()
	t.transferred += uint64(n)
	t.publishLocked()
	t.mu.Unlock()
}

// finish records the outcome of a run; err == nil means Completed.
func (t *tracker) finish(err error) error {
	t.mu.Lock()
	if t.state != Transferring {
		t.mu.Unlock()
		return err
	}
	if err != nil {
		t.state = Error
		t.err = err
	} else {
		t.state = Completed
	}
	state := t.state
	t.publishLocked()
	t.mu.Unlock()

	metrics.RecordTransfer(string(t.role), state.String())
	return err
}

// cancel moves a waiting transfer to Cancelled.
func (t *tracker) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != WaitingForConnection {
		return false
	}
	t.state = Cancelled
	t.publishLocked()
	metrics.RecordTransfer(string(t.role), Cancelled.String())
	return true
}

// State returns the current state.
func (t *tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transferred returns the payload byte count of the current run.
func (t *tracker) Transferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Err returns the failure that moved the transfer to Error.
func (t *tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// validName rejects hierarchical names that would escape the cursor.
func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: bad name %q", ErrProtocolViolation, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: name %q contains a separator", ErrProtocolViolation, name)
	}
	return nil
}
