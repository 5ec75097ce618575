package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coreamqp/go-amqp/internal/debug"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
)

// linkKey uniquely identifies a link within a session: its name plus
// which end of the link we are (a sender name and a receiver name may
// collide legitimately, since the peer's handle table is scoped by
// role too).
type linkKey struct {
	name string
	role encoding.Role
}

// link holds the state shared by Sender and Receiver: attach/detach
// bookkeeping, flow control counters, and the mux lifecycle. Sender
// and Receiver embed it and add their own mux goroutine and frame
// handling on top.
type link struct {
	key          linkKey
	handle       uint32 // our handle, carried on frames we send
	remoteHandle uint32 // the peer's handle, carried on frames they send
	session      *Session

	source *encoding.Source
	target *encoding.Target

	dynamicAddr bool
	properties  map[encoding.Symbol]any

	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode

	maxMessageSize uint64
	deliveryCount  uint32
	linkCredit     uint32

	rx chan frames.FrameBody // frames routed to this link by the session mux

	close    chan struct{} // closed by Close to unwind the mux
	Detached chan struct{} // closed once the mux has exited
	err      error         // mux exit reason, valid after Detached closes

	detachError *encoding.Error // non-nil if the peer sent a detach with an error

	unsettledMu sync.Mutex
	// unsettled tracks deliveries sent or received but not yet settled,
	// keyed by delivery tag (delivery ids aren't stable across a
	// re-attach, so resumption keys on the tag per AMQP 1.0 section
	// 2.6.13). Exchanged on attach so a re-attach under the same link
	// name can resume instead of losing track of in-flight deliveries.
	unsettled map[string]encoding.DeliveryState
}

// rememberUnsettled records tag as outstanding, for resumption if the
// link detaches before it settles.
func (l *link) rememberUnsettled(tag []byte, state encoding.DeliveryState) {
	if len(tag) == 0 {
		return
	}
	l.unsettledMu.Lock()
	defer l.unsettledMu.Unlock()
	if l.unsettled == nil {
		l.unsettled = make(map[string]encoding.DeliveryState)
	}
	l.unsettled[string(tag)] = state
}

// forgetUnsettled drops tag once it has settled.
func (l *link) forgetUnsettled(tag []byte) {
	if len(tag) == 0 {
		return
	}
	l.unsettledMu.Lock()
	defer l.unsettledMu.Unlock()
	delete(l.unsettled, string(tag))
}

// unsettledSnapshot copies the current unsettled map for inclusion in
// an ATTACH frame, or nil if there's nothing outstanding.
func (l *link) unsettledSnapshot() map[string]encoding.DeliveryState {
	l.unsettledMu.Lock()
	defer l.unsettledMu.Unlock()
	if len(l.unsettled) == 0 {
		return nil
	}
	out := make(map[string]encoding.DeliveryState, len(l.unsettled))
	for k, v := range l.unsettled {
		out[k] = v
	}
	return out
}

// newLinkBase initializes the channels and once-guards every link
// needs regardless of role; Sender/Receiver constructors build on top.
func newLinkBase() link {
	return link{
		close:    make(chan struct{}),
		Detached: make(chan struct{}),
	}
}

// attachLink sends the ATTACH frame (after letting configure customize
// it), waits for the peer's reply (after letting onReply inspect it),
// and registers the link's handle and rx channel with the session.
func (l *link) attachLink(ctx context.Context, s *Session, configure func(*frames.PerformAttach), onReply func(*frames.PerformAttach)) error {
	l.session = s

	handle, err := s.allocateHandle(l)
	if err != nil {
		return err
	}
	l.handle = handle

	if saved := s.loadUnsettled(l.key); len(saved) > 0 {
		l.unsettledMu.Lock()
		l.unsettled = saved
		l.unsettledMu.Unlock()
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               l.key.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
		Unsettled:          l.unsettledSnapshot(),
	}
	if configure != nil {
		configure(attach)
	}

	if err := s.txFrame(attach, nil); err != nil {
		s.deallocateHandle(l)
		return err
	}

	var fr frames.FrameBody
	select {
	case fr = <-l.rx:
	case <-s.done:
		s.deallocateHandle(l)
		return s.err
	case <-ctx.Done():
		s.deallocateHandle(l)
		return ctx.Err()
	}

	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		s.deallocateHandle(l)
		return fmt.Errorf("amqp: expected attach response, got %T", fr)
	}
	// session.handleFrame already recorded resp.Handle as our remote
	// handle for l before routing resp onto l.rx.

	if resp.Source != nil {
		l.source = resp.Source
	}
	if resp.Target != nil {
		l.target = resp.Target
	}
	if resp.MaxMessageSize != 0 && (l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}
	if resp.SenderSettleMode != nil {
		l.senderSettleMode = resp.SenderSettleMode
	}
	if resp.ReceiverSettleMode != nil {
		l.receiverSettleMode = resp.ReceiverSettleMode
	}
	if l.key.role == encoding.RoleReceiver {
		l.deliveryCount = resp.InitialDeliveryCount
	}

	// Reconcile our resumed unsettled map against the peer's: a tag we
	// still list but the peer doesn't already settled while we were
	// detached, so there's nothing left to track for it.
	l.unsettledMu.Lock()
	for tag := range l.unsettled {
		if _, stillPending := resp.Unsettled[tag]; !stillPending {
			delete(l.unsettled, tag)
		}
	}
	l.unsettledMu.Unlock()

	if onReply != nil {
		onReply(resp)
	}
	return nil
}

// attachReply completes a peer-initiated attach (half-link creation):
// unlike attachLink, the peer's ATTACH has already arrived (peerAttach)
// and we only need to allocate our own handle and send our half of the
// exchange.
func (l *link) attachReply(ctx context.Context, s *Session, peerAttach *frames.PerformAttach, configure func(*frames.PerformAttach)) error {
	l.session = s

	handle, err := s.allocateHandle(l)
	if err != nil {
		return err
	}
	l.handle = handle

	if peerAttach.SenderSettleMode != nil {
		l.senderSettleMode = peerAttach.SenderSettleMode
	}
	if peerAttach.ReceiverSettleMode != nil {
		l.receiverSettleMode = peerAttach.ReceiverSettleMode
	}
	if l.key.role == encoding.RoleReceiver {
		l.deliveryCount = peerAttach.InitialDeliveryCount
	}

	if saved := s.loadUnsettled(l.key); len(saved) > 0 {
		l.unsettledMu.Lock()
		l.unsettled = saved
		l.unsettledMu.Unlock()
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               l.key.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
		Unsettled:          l.unsettledSnapshot(),
	}
	if configure != nil {
		configure(attach)
	}

	if err := s.txFrame(attach, nil); err != nil {
		s.deallocateHandle(l)
		return err
	}
	s.registerRemoteHandle(peerAttach.Handle, l)

	l.unsettledMu.Lock()
	for tag := range l.unsettled {
		if _, stillPending := peerAttach.Unsettled[tag]; !stillPending {
			delete(l.unsettled, tag)
		}
	}
	l.unsettledMu.Unlock()

	return nil
}

// muxHandleFrame processes frame types common to both Sender and
// Receiver (detach and errors); role-specific frames are handled by
// the embedding type's own muxHandleFrame before falling back here.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		debug.Log(1, "RX (link): %s", fr)
		if fr.Error != nil {
			l.detachError = fr.Error
		}
		if !fr.Closed {
			// peer detached without closing; reciprocate so the
			// handle can be reused, but surface it as a link error.
			_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)
		}
		return &DetachError{RemoteError: fr.Error}
	default:
		return fmt.Errorf("amqp: unexpected frame %T on link %q", fr, l.key.name)
	}
}

// muxDetach tears down the link: optionally sends a detach, waits
// (briefly) for the peer's reply, deallocates the handle, and closes
// Detached so blocked callers unblock with l.err.
func (l *link) muxDetach(ctx context.Context, detachErr *encoding.Error) {
	select {
	case <-l.Detached:
		return
	default:
	}

	fr := &frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
		Error:  detachErr,
	}
	_ = l.session.txFrame(fr, nil)

	if l.err == nil {
		l.err = ErrLinkClosed
	}

	// Save whatever is still unsettled so a future attach reusing this
	// link's name can resume instead of losing track of it.
	l.session.saveUnsettled(l.key, l.unsettledSnapshot())

	l.session.deallocateHandle(l)
	close(l.Detached)
}

// closeLink requests link closure and waits for the mux to exit.
func (l *link) closeLink(ctx context.Context) error {
	select {
	case <-l.close:
	default:
		close(l.close)
	}

	select {
	case <-l.Detached:
		var de *DetachError
		if errors.As(l.err, &de) && de.RemoteError == nil {
			return nil
		}
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return ModeUnsettled
	}
	return *m
}

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ModeFirst
	}
	return *m
}
