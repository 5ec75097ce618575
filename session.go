package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreamqp/go-amqp/internal/debug"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
)

const (
	defaultWindow   = 5000
	defaultMaxLinks = 4294967295
)

// SessionOptions configures a Session created by Connection.NewSession.
type SessionOptions struct {
	// IncomingWindow is the initial session incoming-window, in
	// transfer frames. Defaults to 5000.
	IncomingWindow uint32
	// OutgoingWindow is the initial session outgoing-window. Defaults
	// to 5000.
	OutgoingWindow uint32
	// MaxLinks caps the number of links this session will allow the
	// peer to attach (derived into a handle-max on BEGIN).
	MaxLinks uint32
}

// Session maps to an AMQP session: a sequenced, flow-controlled set of
// links multiplexed over one connection channel.
type Session struct {
	conn          *Conn
	channel       uint16 // local channel
	remoteChannel uint16
	done          chan struct{} // closed when the session has ended
	err           error
	closeOnce     sync.Once

	rx         *frameMailbox                // conn reader -> session mux
	txTransfer chan *frames.PerformTransfer // sender links -> session mux

	nextDeliveryID uint32 // atomic, bumped from sender.go

	// incoming carries peer-initiated ATTACH frames that don't match an
	// already-pending local link by name, for a listener to accept or
	// reject (half-link creation, AMQP 1.0 section 2.6.3).
	incoming chan *frames.PerformAttach

	mu            sync.Mutex
	handles       map[uint32]*link // our own handle -> link
	remoteHandles map[uint32]*link // peer's handle -> link, used to route inbound transfer/flow
	linksByName   map[linkKey]*link
	nextHandle    uint32
	handleMax            uint32
	incomingWindow       uint32
	outgoingWindow       uint32
	nextOutgoingID       uint32
	nextIncomingID       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	unsettled map[uint32]chan encoding.DeliveryState

	resumeMu sync.Mutex
	// resumeStore holds a detached link's delivery-tag-keyed unsettled
	// map, indexed by link key, so a later attach reusing the same name
	// can advertise it to the peer and resume rather than losing track
	// of in-flight deliveries. Scoped to this session's lifetime: there
	// is no durable storage layer anywhere in this module to persist it
	// across a dropped connection.
	resumeStore map[linkKey]map[string]encoding.DeliveryState
}

// saveUnsettled records key's outstanding delivery-tag map for a later
// attach under the same name to resume from. An empty map clears any
// previously saved entry.
func (s *Session) saveUnsettled(key linkKey, m map[string]encoding.DeliveryState) {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	if len(m) == 0 {
		delete(s.resumeStore, key)
		return
	}
	if s.resumeStore == nil {
		s.resumeStore = make(map[linkKey]map[string]encoding.DeliveryState)
	}
	s.resumeStore[key] = m
}

// loadUnsettled returns key's saved unsettled map, if any, from a
// previous attach under the same name.
func (s *Session) loadUnsettled(key linkKey) map[string]encoding.DeliveryState {
	s.resumeMu.Lock()
	defer s.resumeMu.Unlock()
	return s.resumeStore[key]
}

func newSession(c *Conn, channel uint16, opts *SessionOptions) *Session {
	s := &Session{
		conn:           c,
		channel:        channel,
		done:           make(chan struct{}),
		rx:             newFrameMailbox(sessionRxSegmentSize),
		txTransfer:     make(chan *frames.PerformTransfer),
		incoming:       make(chan *frames.PerformAttach, 16),
		handles:        make(map[uint32]*link),
		remoteHandles:  make(map[uint32]*link),
		linksByName:    make(map[linkKey]*link),
		unsettled:      make(map[uint32]chan encoding.DeliveryState),
		incomingWindow: defaultWindow,
		outgoingWindow: defaultWindow,
		handleMax:      defaultMaxLinks,
	}
	if opts != nil {
		if opts.IncomingWindow != 0 {
			s.incomingWindow = opts.IncomingWindow
		}
		if opts.OutgoingWindow != 0 {
			s.outgoingWindow = opts.OutgoingWindow
		}
		if opts.MaxLinks != 0 {
			s.handleMax = opts.MaxLinks
		}
	}
	return s
}

// begin sends the BEGIN frame and waits for the peer's reply.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if err := s.conn.txFrame(s.channel, begin, nil); err != nil {
		return err
	}

	var fr frames.Frame
	select {
	case <-s.rx.notify:
		f, ok := s.rx.pop()
		if !ok {
			return fmt.Errorf("amqp: session rx woke with no frame queued")
		}
		fr = f
	case <-s.conn.Done:
		return s.conn.err
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		return fmt.Errorf("amqp: expected begin response, got %T", fr.Body)
	}
	s.remoteChannel = fr.Channel
	s.remoteIncomingWindow = resp.IncomingWindow
	s.remoteOutgoingWindow = resp.OutgoingWindow
	s.nextIncomingID = resp.NextOutgoingID

	go s.mux()
	return nil
}

// muxReceived is called by the connection's reader goroutine to hand
// a frame addressed to this session off to its mux loop. It never
// blocks: frames queue in the session's segmented mailbox regardless
// of how far behind the mux loop is, so a stuck session never stalls
// the single reader goroutine shared by every other session on the
// connection. A session whose mux has already exited just leaves the
// frame queued; shutdown doesn't need to drain it.
func (s *Session) muxReceived(fr frames.Frame) {
	s.rx.push(fr)
}

// allocateHandle assigns l the lowest free handle, subject to
// handleMax.
func (s *Session) allocateHandle(l *link) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.handles)) >= s.handleMax {
		return 0, fmt.Errorf("amqp: reached session handle-max %d", s.handleMax)
	}
	if _, dup := s.linksByName[l.key]; dup {
		return 0, fmt.Errorf("amqp: link name %q already attached", l.key.name)
	}

	for {
		h := s.nextHandle
		if _, used := s.handles[h]; !used {
			s.handles[h] = l
			s.linksByName[l.key] = l
			s.nextHandle++
			return h, nil
		}
		s.nextHandle++
	}
}

func (s *Session) deallocateHandle(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, l.handle)
	delete(s.remoteHandles, l.remoteHandle)
	delete(s.linksByName, l.key)
}

func (s *Session) linkByHandle(h uint32) (*link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.handles[h]
	return l, ok
}

// registerRemoteHandle records the peer's own handle for l, learned
// from its ATTACH (as an initial reply, or as the initiating frame for
// a peer-initiated link). Frames the peer sends us (transfer, flow,
// detach) are addressed using this handle, not l.handle.
func (s *Session) registerRemoteHandle(h uint32, l *link) {
	s.mu.Lock()
	l.remoteHandle = h
	s.remoteHandles[h] = l
	s.mu.Unlock()
}

func (s *Session) linkByRemoteHandle(h uint32) (*link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.remoteHandles[h]
	return l, ok
}

// registerUnsettled records ch as the channel to notify once a
// disposition covering deliveryID arrives. Called by Sender.send
// before handing the final transfer fragment to the mux.
func (s *Session) registerUnsettled(deliveryID uint32, ch chan encoding.DeliveryState) {
	s.mu.Lock()
	s.unsettled[deliveryID] = ch
	s.mu.Unlock()
}

// flowFields returns a consistent snapshot of the session-level flow
// control fields every PerformFlow (even a link-level one) must
// carry, for use by link mux goroutines building their own flow
// frames.
func (s *Session) flowFields() (nextIncomingID uint32, nextOutgoingID, incomingWindow, outgoingWindow uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIncomingID, s.nextOutgoingID, s.incomingWindow, s.outgoingWindow
}

// txFrame hands fr to the connection to be written on this session's
// channel. done, if non-nil, is only meaningful for
// *frames.PerformTransfer: it receives nil once a settled transfer has
// been written; for a delivery registered with registerUnsettled, the
// disposition handler sends the settlement state and closes it.
func (s *Session) txFrame(body frames.FrameBody, done chan encoding.DeliveryState) error {
	return s.conn.txFrame(s.channel, body, done)
}

// mux routes frames from the connection reader to the appropriate
// link and forwards outgoing transfers from sender links, applying
// session-level flow control (the incoming/outgoing window).
func (s *Session) mux() {
	defer s.shutdown(nil)

	for {
		select {
		case <-s.rx.notify:
			for {
				fr, ok := s.rx.pop()
				if !ok {
					break
				}
				if err := s.handleFrame(fr.Body); err != nil {
					s.shutdown(err)
					return
				}
			}

		case tr := <-s.txTransfer:
			if s.remoteIncomingWindow == 0 {
				debug.Log(1, "session: remote incoming window exhausted, dropping transfer")
				continue
			}
			if err := s.conn.txFrame(s.channel, tr, tr.Done); err != nil {
				s.shutdown(err)
				return
			}
			s.mu.Lock()
			s.nextOutgoingID++
			s.mu.Unlock()
			s.remoteIncomingWindow--

		case <-s.conn.Done:
			s.shutdown(s.conn.err)
			return

		case <-s.done:
			return
		}
	}
}

func (s *Session) handleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		s.mu.Lock()
		l, ok := s.linksByName[linkKey{fr.Name, !fr.Role}]
		s.mu.Unlock()
		if !ok {
			select {
			case s.incoming <- fr:
			default:
				debug.Log(1, "session: incoming attach queue full, rejecting link %q", fr.Name)
				_ = s.txFrame(&frames.PerformDetach{
					Handle: fr.Handle, Closed: true,
					Error: &encoding.Error{Condition: ErrCondResourceLimitExceeded, Description: "no listener accepting incoming links"},
				}, nil)
			}
			return nil
		}
		s.registerRemoteHandle(fr.Handle, l)
		deliverToLink(l, fr)
		return nil

	case *frames.PerformFlow:
		if fr.Handle == nil {
			s.mu.Lock()
			if fr.NextIncomingID != nil {
				s.nextIncomingID = *fr.NextIncomingID
			}
			s.mu.Unlock()
			s.remoteOutgoingWindow = fr.OutgoingWindow
			return nil
		}
		l, ok := s.linkByRemoteHandle(*fr.Handle)
		if !ok {
			return fmt.Errorf("amqp: flow for unknown handle %d", *fr.Handle)
		}
		deliverToLink(l, fr)
		return nil

	case *frames.PerformTransfer:
		l, ok := s.linkByRemoteHandle(fr.Handle)
		if !ok {
			return fmt.Errorf("amqp: transfer for unknown handle %d", fr.Handle)
		}
		s.mu.Lock()
		if s.remoteOutgoingWindow == 0 {
			s.mu.Unlock()
			return &SessionError{RemoteError: &encoding.Error{
				Condition:   ErrCondWindowViolation,
				Description: "peer sent a transfer beyond its declared outgoing window",
			}}
		}
		s.remoteOutgoingWindow--
		s.nextIncomingID++
		s.incomingWindow--
		exhausted := s.incomingWindow == 0
		s.mu.Unlock()
		if exhausted {
			s.resetIncomingWindow()
		}
		deliverToLink(l, fr)
		return nil

	case *frames.PerformDisposition:
		last := fr.First
		if fr.Last != nil {
			last = *fr.Last
		}
		s.mu.Lock()
		var notify []chan encoding.DeliveryState
		for id := fr.First; id <= last; id++ {
			if ch, ok := s.unsettled[id]; ok {
				notify = append(notify, ch)
				delete(s.unsettled, id)
			}
		}
		s.mu.Unlock()
		for _, ch := range notify {
			ch <- fr.State
			close(ch)
		}

		// also fan the disposition out to sender links so they can
		// auto-ack (RSM=second) or detach on a rejected delivery.
		s.mu.Lock()
		targets := make([]*link, 0, len(s.handles))
		for _, l := range s.handles {
			targets = append(targets, l)
		}
		s.mu.Unlock()
		for _, l := range targets {
			deliverToLinkNonBlocking(l, fr)
		}
		return nil

	case *frames.PerformDetach:
		l, ok := s.linkByRemoteHandle(fr.Handle)
		if !ok {
			return nil
		}
		deliverToLink(l, fr)
		return nil

	case *frames.PerformEnd:
		return &SessionError{RemoteError: fr.Error}

	default:
		return fmt.Errorf("amqp: unexpected frame %T on session", fr)
	}
}

// deliverToLink blocks until the link's mux consumes fr, or the link
// closes out from under us.
func deliverToLink(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	case <-l.close:
	case <-l.Detached:
	}
}

// deliverToLinkNonBlocking is used for fan-out frames (disposition)
// where a slow/dead link must not hold up delivery to its siblings.
func deliverToLinkNonBlocking(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	default:
	}
}

// resetIncomingWindow replenishes the session incoming-window back to
// defaultWindow and notifies the peer with a session-level flow.
func (s *Session) resetIncomingWindow() {
	s.mu.Lock()
	s.incomingWindow = defaultWindow
	nextIncomingID := s.nextIncomingID
	nextOutgoingID := s.nextOutgoingID
	outgoingWindow := s.outgoingWindow
	s.mu.Unlock()

	fr := &frames.PerformFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: defaultWindow,
		NextOutgoingID: nextOutgoingID,
		OutgoingWindow: outgoingWindow,
	}
	_ = s.conn.txFrame(s.channel, fr, nil)
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		if s.err == nil {
			s.err = ErrSessionClosed
		}
		s.mu.Lock()
		links := make([]*link, 0, len(s.handles))
		for _, l := range s.handles {
			links = append(links, l)
		}
		s.mu.Unlock()
		for _, l := range links {
			select {
			case <-l.Detached:
			default:
				close(l.Detached)
			}
		}
		s.conn.removeSession(s)
		close(s.done)
	})
}

// Close sends END and shuts the session down, closing the Detached
// channel of every link still attached; no DETACH frames are sent.
func (s *Session) Close(ctx context.Context) error {
	end := &frames.PerformEnd{}
	_ = s.conn.txFrame(s.channel, end, nil)
	s.shutdown(nil)
	return nil
}

// IncomingAttach is a peer-initiated ATTACH that didn't match a
// pending local request by name, awaiting the listener's decision to
// complete it (as a Sender or Receiver, whichever the peer's role
// requires) or reject it.
type IncomingAttach struct {
	Name          string
	PeerRole      encoding.Role
	SourceAddress string
	TargetAddress string

	session *Session
	attach  *frames.PerformAttach
}

// Accept blocks until the peer attaches a new link on this session, or
// the session ends.
func (s *Session) Accept(ctx context.Context) (*IncomingAttach, error) {
	select {
	case a := <-s.incoming:
		ia := &IncomingAttach{Name: a.Name, PeerRole: a.Role, session: s, attach: a}
		if a.Source != nil {
			ia.SourceAddress = a.Source.Address
		}
		if a.Target != nil {
			ia.TargetAddress = a.Target.Address
		}
		return ia, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptAsReceiver completes a peer-initiated sender attach by
// creating a local Receiver bound to the peer's source address.
func (ia *IncomingAttach) AcceptAsReceiver(ctx context.Context, opts *ReceiverOptions) (*Receiver, error) {
	if ia.PeerRole != encoding.RoleSender {
		return nil, fmt.Errorf("amqp: peer attached as a receiver, call AcceptAsSender")
	}
	r, err := newReceiver(ia.SourceAddress, ia.session, opts)
	if err != nil {
		return nil, err
	}
	if err := r.acceptAttach(ctx, ia.session, ia.attach); err != nil {
		return nil, err
	}
	return r, nil
}

// AcceptAsSender completes a peer-initiated receiver attach by
// creating a local Sender bound to the peer's target address.
func (ia *IncomingAttach) AcceptAsSender(ctx context.Context, opts *SenderOptions) (*Sender, error) {
	if ia.PeerRole != encoding.RoleReceiver {
		return nil, fmt.Errorf("amqp: peer attached as a sender, call AcceptAsReceiver")
	}
	snd, err := newSender(ia.TargetAddress, ia.session, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.acceptAttach(ctx, ia.session, ia.attach); err != nil {
		return nil, err
	}
	return snd, nil
}

// Reject detaches the peer's link with reason instead of completing
// it.
func (ia *IncomingAttach) Reject(reason *Error) error {
	return ia.session.txFrame(&frames.PerformDetach{Handle: ia.attach.Handle, Closed: true, Error: reason}, nil)
}

// NewSender opens a sending link with the given target address.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx, s); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a receiving link on the given source address.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx, s); err != nil {
		return nil, err
	}
	return rcv, nil
}
