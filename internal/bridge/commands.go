package bridge

import (
	"fmt"
	"net/netip"

	"github.com/1ureka/ipmsg/internal/presence"
)

// handle executes one client command and builds the reply.
func (s *Server) handle(msg Message) Message {
	var err error
	reply := Message{Type: MsgTypeOK}

	switch msg.Type {
	case MsgTypePeers:
		reply.Type = MsgTypePeers
		reply.Peers = []PeerView{}
		for _, p := range s.ctrl.Peers() {
			reply.Peers = append(reply.Peers, peerView(p))
		}

	case MsgTypeStatus:
		status, ok := presence.ParseStatus(msg.Status)
		if !ok {
			err = fmt.Errorf("unknown status %q", msg.Status)
			break
		}
		err = s.ctrl.SetLocalStatus(status, msg.Text)

	case MsgTypeSend:
		var room []netip.Addr
		if room, err = parseAddrs(msg.To); err != nil {
			break
		}
		h, serr := s.ctrl.SendMessage(room, msg.Text)
		if err = serr; err == nil {
			reply.Delivery = &DeliveryView{ID: h.ID, Pending: len(h.Recipients), Outcome: "pending"}
		}

	case MsgTypeOffer:
		var peer netip.Addr
		if peer, err = netip.ParseAddr(msg.Peer); err != nil {
			break
		}
		o, oerr := s.ctrl.OfferFile(msg.Path, peer)
		if err = oerr; err == nil {
			reply.Transfer = &TransferView{
				Role:     "send",
				PacketID: o.PacketID,
				FileID:   o.FileID,
				Peer:     peer.String(),
				Name:     o.Name,
				Dir:      o.IsDir,
				State:    o.State().String(),
				Size:     o.Size,
			}
		}

	case MsgTypeAccept:
		var peer netip.Addr
		if peer, err = netip.ParseAddr(msg.Peer); err != nil {
			break
		}
		in, ok := s.ctrl.FindIncoming(peer, msg.PacketID, msg.FileID)
		if !ok {
			err = fmt.Errorf("no offer %d/%d from %s", msg.PacketID, msg.FileID, peer)
			break
		}
		go func() {
			if err := s.ctrl.AcceptIncomingOffer(in, msg.Dest, msg.Overwrite); err != nil {
				log.With("file", in.Name).Warn("accept failed: %v", err)
			}
		}()

	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}

	if err != nil {
		return Message{Type: MsgTypeError, Error: err.Error()}
	}
	return reply
}

func parseAddrs(in []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(in))
	for _, s := range in {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
