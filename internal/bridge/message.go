// Package bridge exposes the engine to external UI collaborators over a
// WebSocket: events stream out as JSON, commands come back in.
package bridge

// MessageType identifies the kind of bridge message.
type MessageType string

// Server → client events.
const (
	MsgTypeHello    MessageType = "hello"
	MsgTypePeer     MessageType = "peer"
	MsgTypePeers    MessageType = "peers"
	MsgTypeDelivery MessageType = "delivery"
	MsgTypeTransfer MessageType = "transfer"
	MsgTypeChat     MessageType = "chat"
	MsgTypeOK       MessageType = "ok"
	MsgTypeError    MessageType = "error"
)

// Client → server commands. MsgTypePeers doubles as the list request.
const (
	MsgTypeStatus MessageType = "status"
	MsgTypeSend   MessageType = "send"
	MsgTypeOffer  MessageType = "offer"
	MsgTypeAccept MessageType = "accept"
)

// Message is the JSON structure exchanged over the WebSocket. Commands fill
// the request fields, events fill one of the payload pointers.
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"` // request id, echoed by ok/error

	// Request fields.
	Status    string   `json:"status,omitempty"`
	Text      string   `json:"text,omitempty"`
	To        []string `json:"to,omitempty"`
	Path      string   `json:"path,omitempty"`
	Peer      string   `json:"peer,omitempty"`
	PacketID  uint64   `json:"packetId,omitempty"`
	FileID    uint64   `json:"fileId,omitempty"`
	Dest      string   `json:"dest,omitempty"`
	Overwrite bool     `json:"overwrite,omitempty"`

	// Event payloads.
	Client   string        `json:"client,omitempty"`
	Event    string        `json:"event,omitempty"`
	PeerInfo *PeerView     `json:"peerInfo,omitempty"`
	Peers    []PeerView    `json:"peers,omitempty"`
	Delivery *DeliveryView `json:"delivery,omitempty"`
	Transfer *TransferView `json:"transfer,omitempty"`
	Chat     *ChatView     `json:"chat,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// PeerView is the JSON form of a presence.Peer.
type PeerView struct {
	Addr   string `json:"addr"`
	User   string `json:"user"`
	Host   string `json:"host"`
	Name   string `json:"name"`
	Group  string `json:"group,omitempty"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
}

// DeliveryView is the JSON form of a delivery.Progress.
type DeliveryView struct {
	ID        uint64 `json:"id"`
	Peer      string `json:"peer"`
	Outcome   string `json:"outcome"`
	Pending   int    `json:"pending"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Done      bool   `json:"done"`
}

// TransferView is the JSON form of a transfer.Progress.
type TransferView struct {
	Role        string `json:"role"`
	PacketID    uint64 `json:"packetId"`
	FileID      uint64 `json:"fileId"`
	Peer        string `json:"peer"`
	Name        string `json:"name"`
	Dir         bool   `json:"dir,omitempty"`
	State       string `json:"state"`
	Transferred uint64 `json:"transferred"`
	Size        uint64 `json:"size"`
	Error       string `json:"error,omitempty"`
}

// FileView describes one file attached to a received message.
type FileView struct {
	PacketID uint64 `json:"packetId"`
	FileID   uint64 `json:"fileId"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	Dir      bool   `json:"dir,omitempty"`
}

// ChatView is the JSON form of a received message.
type ChatView struct {
	From  PeerView   `json:"from"`
	Seq   uint64     `json:"seq"`
	Text  string     `json:"text"`
	Files []FileView `json:"files,omitempty"`
}
