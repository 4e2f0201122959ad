package bridge

import (
	"github.com/1ureka/ipmsg/internal/delivery"
	"github.com/1ureka/ipmsg/internal/engine"
	"github.com/1ureka/ipmsg/internal/presence"
	"github.com/1ureka/ipmsg/internal/transfer"
)

func peerView(p presence.Peer) PeerView {
	return PeerView{
		Addr:   p.Addr.String(),
		User:   p.UserName,
		Host:   p.HostName,
		Name:   p.DisplayName,
		Group:  p.Group,
		Status: p.Status.String(),
		Text:   p.StatusText,
	}
}

func peerEvent(ev presence.PeerEvent) Message {
	v := peerView(ev.Peer)
	return Message{Type: MsgTypePeer, Event: ev.Kind.String(), PeerInfo: &v}
}

func deliveryEvent(p delivery.Progress) Message {
	return Message{Type: MsgTypeDelivery, Delivery: &DeliveryView{
		ID:        p.ID,
		Peer:      p.Peer.String(),
		Outcome:   p.Outcome.String(),
		Pending:   p.Pending,
		Delivered: p.Delivered,
		Failed:    p.Failed,
		Done:      p.Done,
	}}
}

func transferEvent(p transfer.Progress) Message {
	v := &TransferView{
		Role:        string(p.Role),
		PacketID:    p.PacketID,
		FileID:      p.FileID,
		Peer:        p.Peer.String(),
		Name:        p.Name,
		Dir:         p.IsDir,
		State:       p.State.String(),
		Transferred: p.Transferred,
		Size:        p.Size,
	}
	if p.Err != nil {
		v.Error = p.Err.Error()
	}
	return Message{Type: MsgTypeTransfer, Transfer: v}
}

func chatEvent(m engine.Message) Message {
	v := &ChatView{From: peerView(m.From), Seq: m.Seq, Text: m.Text}
	for _, f := range m.Files {
		v.Files = append(v.Files, FileView{
			PacketID: f.PacketID,
			FileID:   f.FileID,
			Name:     f.Name,
			Size:     f.Size,
			Dir:      f.IsDir,
		})
	}
	return Message{Type: MsgTypeChat, Chat: v}
}
