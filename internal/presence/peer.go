package presence

import (
	"net/netip"
	"time"
)

// Status is a presence value, used both for peers and for the local account.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusBusy:
		return "busy"
	default:
		return "offline"
	}
}

// ParseStatus maps "online", "busy" and "offline" to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "online":
		return StatusOnline, true
	case "busy", "away":
		return StatusBusy, true
	case "offline":
		return StatusOffline, true
	}
	return StatusOffline, false
}

// Peer is a snapshot of one remote participant. The table hands out
// copies, so a Peer value is never observed half-updated.
type Peer struct {
	Addr        netip.Addr
	UserName    string
	HostName    string
	DisplayName string
	Group       string
	StatusText  string
	Status      Status
	LastSeen    time.Time
}

// Online reports whether the peer is Online or Busy.
func (p Peer) Online() bool {
	return p.Status != StatusOffline
}

// EventKind classifies a PeerEvent.
type EventKind int

const (
	PeerJoined EventKind = iota
	PeerUpdated
	PeerLeft
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerUpdated:
		return "updated"
	default:
		return "left"
	}
}

// PeerEvent is published whenever a peer's lifecycle changes.
type PeerEvent struct {
	Kind EventKind
	Peer Peer
}
