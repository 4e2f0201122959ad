// Package delivery tracks outbound chat messages until every recipient has
// either confirmed receipt or run out of retries.
package delivery

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/ipmsg/internal/event"
	"github.com/1ureka/ipmsg/internal/metrics"
	"github.com/1ureka/ipmsg/internal/protocol"
	"github.com/1ureka/ipmsg/internal/util"
)

var ErrNoRecipients = errors.New("delivery: message has no recipients")

var log = util.Named("delivery")

// Sender is the serialized outbound primitive owned by the presence engine.
type Sender interface {
	Packet(seq uint64, cmd uint8, opts uint32, data string) *protocol.Packet
	Send(pkt *protocol.Packet, to netip.Addr) error
}

// Tracker is told about recipients that never answered.
type Tracker interface {
	MarkOffline(addr netip.Addr)
}

// Message is one outbound chat message. ID doubles as the packet sequence
// number and is what the recipient echoes back in its confirmation.
type Message struct {
	ID         uint64
	Command    uint8
	Options    uint32
	Data       string
	Recipients []netip.Addr
}

// Outcome is the per-recipient delivery state.
type Outcome int

const (
	Pending Outcome = iota
	Delivered
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Progress reports one recipient changing state, together with the
// message totals at that moment.
type Progress struct {
	ID        uint64
	Peer      netip.Addr
	Outcome   Outcome
	Pending   int
	Delivered int
	Failed    int
	Attempts  int
	Done      bool
}

// Result is the final split of a resolved message.
type Result struct {
	Delivered []netip.Addr
	Failed    []netip.Addr
}

// Handle lets the caller wait for a message to resolve.
type Handle struct {
	ID         uint64
	Recipients []netip.Addr

	done   chan struct{}
	result Result
}

// Done is closed once every recipient is delivered or failed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the final outcome. Only meaningful after Done is closed.
func (h *Handle) Result() Result {
	return h.result
}

// Wait blocks until the message resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type pending struct {
	msg       Message
	waiting   map[netip.Addr]struct{}
	delivered []netip.Addr
	failed    []netip.Addr
	attempts  int
	next      time.Time // zero until the first attempt
	handle    *Handle
}

func (p *pending) progress(peer netip.Addr, o Outcome) Progress {
	return Progress{
		ID:        p.msg.ID,
		Peer:      peer,
		Outcome:   o,
		Pending:   len(p.waiting),
		Delivered: len(p.delivered),
		Failed:    len(p.failed),
		Attempts:  p.attempts,
		Done:      len(p.waiting) == 0,
	}
}

// Queue is the message delivery queue. Run drives it.
type Queue struct {
	sender   Sender
	tracker  Tracker
	interval time.Duration
	limit    int
	events   *event.Bus[Progress]

	mu       sync.Mutex
	messages map[uint64]*pending
	wake     chan struct{}
}

// NewQueue creates a queue that sends every interval and gives up on a
// recipient after limit attempts.
func NewQueue(sender Sender, tracker Tracker, interval time.Duration, limit int) *Queue {
	return &Queue{
		sender:   sender,
		tracker:  tracker,
		interval: interval,
		limit:    limit,
		events:   event.NewBus[Progress](),
		messages: make(map[uint64]*pending),
		wake:     make(chan struct{}, 1),
	}
}

// Events returns the delivery progress bus.
func (q *Queue) Events() *event.Bus[Progress] {
	return q.events
}

// Len returns the number of unresolved messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Enqueue registers msg. Every recipient is reported Pending before
// Enqueue returns, whether or not the first send later succeeds.
func (q *Queue) Enqueue(msg Message) (*Handle, error) {
	recipients := uniqueAddrs(msg.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	msg.Recipients = recipients

	p := &pending{
		msg:     msg,
		waiting: make(map[netip.Addr]struct{}, len(recipients)),
		handle: &Handle{
			ID:         msg.ID,
			Recipients: slices.Clone(recipients),
			done:       make(chan struct{}),
		},
	}
	for _, addr := range recipients {
		p.waiting[addr] = struct{}{}
	}

	q.mu.Lock()
	q.messages[msg.ID] = p
	for _, addr := range recipients {
		q.events.Publish(p.progress(addr, Pending))
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return p.handle, nil
}

// Confirm records that peer acknowledged message id. It reports whether
// anything changed; repeats and unknown ids are no-ops.
func (q *Queue) Confirm(peer netip.Addr, id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.messages[id]
	if !ok {
		return false
	}
	if _, ok := p.waiting[peer]; !ok {
		return false
	}
	delete(p.waiting, peer)
	p.delivered = append(p.delivered, peer)
	metrics.RecordRecipient(Delivered.String())
	q.events.Publish(p.progress(peer, Delivered))

	if len(p.waiting) == 0 {
		q.resolveLocked(p)
	}
	return true
}

func (q *Queue) resolveLocked(p *pending) {
	delete(q.messages, p.msg.ID)
	p.handle.result = Result{
		Delivered: slices.Clone(p.delivered),
		Failed:    slices.Clone(p.failed),
	}
	close(p.handle.done)
	log.Debug("message %d resolved: %d delivered, %d failed", p.msg.ID, len(p.delivered), len(p.failed))
}

// Run sends and retries until ctx is cancelled. Each message is attempted
// once per interval, measured from its own previous attempt; a message
// enqueued mid-interval gets its first attempt right away. With nothing
// queued Run waits for Enqueue.
func (q *Queue) Run(ctx context.Context) {
	for {
		next, busy := q.pass(time.Now())

		var due <-chan time.Time
		var timer *time.Timer
		if busy {
			timer = time.NewTimer(time.Until(next))
			due = timer.C
		}

		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type outbound struct {
	pkt *protocol.Packet
	to  netip.Addr
}

// pass attempts every message that is due at now, failing the ones that
// have used up their attempts. It returns the earliest time another
// message falls due and whether any message is left.
func (q *Queue) pass(now time.Time) (time.Time, bool) {
	var sends []outbound
	var gaveUp []netip.Addr
	var next time.Time

	q.mu.Lock()
	ids := make([]uint64, 0, len(q.messages))
	for id := range q.messages {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		p := q.messages[id]
		if now.Before(p.next) {
			if next.IsZero() || p.next.Before(next) {
				next = p.next
			}
			continue
		}

		if p.attempts >= q.limit {
			for _, addr := range sortedAddrs(p.waiting) {
				delete(p.waiting, addr)
				p.failed = append(p.failed, addr)
				gaveUp = append(gaveUp, addr)
				metrics.RecordRecipient(Failed.String())
				q.events.Publish(p.progress(addr, Failed))
			}
			q.resolveLocked(p)
			continue
		}

		opts := p.msg.Options
		if p.attempts > 0 {
			opts |= protocol.OptRetry
		}
		pkt := q.sender.Packet(p.msg.ID, p.msg.Command, opts, p.msg.Data)
		for _, addr := range sortedAddrs(p.waiting) {
			sends = append(sends, outbound{pkt: pkt, to: addr})
		}
		p.attempts++
		p.next = now.Add(q.interval)
		if next.IsZero() || p.next.Before(next) {
			next = p.next
		}
	}
	left := len(q.messages) > 0
	q.mu.Unlock()

	for _, s := range sends {
		if err := q.sender.Send(s.pkt, s.to); err != nil {
			log.With("peer", s.to.String()).Debug("send of message %d failed: %v", s.pkt.Seq, err)
		}
	}
	for _, addr := range gaveUp {
		log.With("peer", addr.String()).Warn("no delivery confirmation, marking offline")
		q.tracker.MarkOffline(addr)
	}
	return next, left
}

func uniqueAddrs(in []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(in))
	seen := make(map[netip.Addr]struct{}, len(in))
	for _, a := range in {
		if !a.IsValid() {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func sortedAddrs(set map[netip.Addr]struct{}) []netip.Addr {
	out := make([]netip.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}
