package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/ipmsg/internal/delivery"
	"github.com/1ureka/ipmsg/internal/engine"
	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/presence"
	"github.com/1ureka/ipmsg/internal/transfer"
	"github.com/1ureka/ipmsg/internal/util"
)

var log = util.Named("bridge")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	clientBuffer = 128
	writeTimeout = 5 * time.Second
)

// Controller is the engine surface the bridge drives.
type Controller interface {
	SetLocalStatus(status presence.Status, text string) error
	SendMessage(room []netip.Addr, text string) (*delivery.Handle, error)
	OfferFile(path string, peer netip.Addr) (*transfer.Offer, error)
	FindIncoming(peer netip.Addr, packetID, fileID uint64) (*transfer.Incoming, bool)
	AcceptIncomingOffer(in *transfer.Incoming, dest string, overwrite bool) error
	Peers() []presence.Peer

	PeerEvents() *event.Bus[presence.PeerEvent]
	DeliveryEvents() *event.Bus[delivery.Progress]
	TransferEvents() *event.Bus[transfer.Progress]
	MessageEvents() *event.Bus[engine.Message]
}

// Server fans engine events out to every connected WebSocket client.
type Server struct {
	ctrl Controller

	peers      <-chan presence.PeerEvent
	deliveries <-chan delivery.Progress
	transfers  <-chan transfer.Progress
	chats      <-chan engine.Message

	mu       sync.RWMutex
	clients  map[string]*client
	listener net.Listener
}

// NewServer subscribes to ctrl's events. Call Run to start forwarding.
func NewServer(ctrl Controller) *Server {
	return &Server{
		ctrl:       ctrl,
		peers:      ctrl.PeerEvents().Subscribe(),
		deliveries: ctrl.DeliveryEvents().Subscribe(),
		transfers:  ctrl.TransferEvents().Subscribe(),
		chats:      ctrl.MessageEvents().Subscribe(),
		clients:    make(map[string]*client),
	}
}

// Handler serves /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on addr and serves Handler in the background. It returns
// the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start bridge on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		if err := http.Serve(listener, s.Handler()); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("bridge server stopped: %v", err)
		}
	}()

	log.Info("bridge listening on %s", listener.Addr())
	return listener.Addr().String(), nil
}

// Run forwards events until ctx is cancelled, then disconnects clients.
func (s *Server) Run(ctx context.Context) {
	defer s.closeClients()
	for {
		var msg Message
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.peers:
			if !ok {
				return
			}
			msg = peerEvent(ev)
		case p, ok := <-s.deliveries:
			if !ok {
				return
			}
			msg = deliveryEvent(p)
		case p, ok := <-s.transfers:
			if !ok {
				return
			}
			msg = transferEvent(p)
		case m, ok := <-s.chats:
			if !ok {
				return
			}
			msg = chatEvent(m)
		}
		s.broadcast(msg)
	}
}

// Close stops the listener. Connected clients are dropped by Run.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) broadcast(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(msg)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(uuid.NewString(), conn)
	clog := log.With("client", c.id)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	clog.Info("connected from %s", r.RemoteAddr)

	go c.writePump()
	c.send(Message{Type: MsgTypeHello, Client: c.id})

	err = s.readPump(c)
	clog.Debug("disconnected: %v", err)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
}

// readPump handles commands from one client until its socket fails.
func (s *Server) readPump(c *client) error {
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return err
		}
		reply := s.handle(msg)
		reply.ID = msg.ID
		c.send(reply)
	}
}

// ---------------------------------------------------------------------------
// Per-client writer
// ---------------------------------------------------------------------------

// client owns one WebSocket. Only writePump writes to conn.
type client struct {
	id   string
	conn *websocket.Conn
	out  chan Message
	done chan struct{}
	once sync.Once
}

func newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		conn: conn,
		out:  make(chan Message, clientBuffer),
		done: make(chan struct{}),
	}
}

// send queues msg; a client that cannot keep up misses it.
func (c *client) send(msg Message) {
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		log.With("client", c.id).Warn("client too slow, dropping %s", msg.Type)
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
	})
}
