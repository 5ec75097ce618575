package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/debug"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/shared"
)

// maxTransferFrameHeader is a conservative estimate of the non-payload
// bytes a PerformTransfer composite adds on top of a bare frame
// header, leaving enough of PeerMaxFrameSize for the payload itself.
const maxTransferFrameHeader = 128

const maxDeliveryTagLength = 32

// AttachOptions holds the fields common to both Sender and Receiver
// attach configuration.
type AttachOptions struct {
	// Capabilities lists the extension capabilities the caller wants
	// to advertise on its terminus.
	Capabilities []string
	// Durability is the requested terminus durability. Default: none.
	Durability Durability
	// DynamicAddress requests the peer assign an address dynamically.
	DynamicAddress bool
	// ExpiryPolicy controls when an expiring terminus's timer starts.
	// Default: session-end.
	ExpiryPolicy ExpiryPolicy
	// ExpiryTimeout is the duration, in seconds, the terminus persists
	// after ExpiryPolicy fires.
	ExpiryTimeout uint32
	// Name overrides the randomly generated link name.
	Name string
	// Properties to set on the attach frame.
	Properties map[string]any
	// RequestedReceiverSettleMode asks the peer for a specific
	// receiver settlement mode.
	RequestedReceiverSettleMode *ReceiverSettleMode
	// SettlementMode sets this link's sender settlement mode.
	SettlementMode *SenderSettleMode
}

// SenderOptions configures a Sender created by Session.NewSender.
type SenderOptions struct {
	AttachOptions
	// SourceAddress overrides the sender's source address (normally
	// left blank).
	SourceAddress string
	// IgnoreDispositionErrors, if true, keeps the link open even when
	// a disposition reports a rejected delivery (useful for servers
	// that use rejection as a throttling signal rather than a fatal
	// terminus error).
	IgnoreDispositionErrors bool
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	link
	transfers chan frames.PerformTransfer

	detachOnDispositionError bool

	mu              sync.Mutex
	buf             buffer.Buffer
	nextDeliveryTag uint64
}

// LinkName is the name of the link used for this Sender.
func (s *Sender) LinkName() string { return s.key.name }

// MaxMessageSize is the maximum size of a single message, or 0 if
// unbounded.
func (s *Sender) MaxMessageSize() uint64 { return s.maxMessageSize }

// Address returns the link's target address.
func (s *Sender) Address() string {
	if s.target == nil {
		return ""
	}
	return s.target.Address
}

// Send sends a Message, blocking until it's been written to the wire
// and (if settlement was negotiated) until a disposition confirms it,
// ctx completes, or the link fails.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	select {
	case <-s.Detached:
		return s.err
	default:
	}

	done, deliveryTag, err := s.send(ctx, msg)
	if err != nil {
		return err
	}

	select {
	case state := <-done:
		s.forgetUnsettled(deliveryTag)
		if rej, ok := state.(*encoding.StateRejected); ok {
			if s.detachOnRejectDisp() {
				return &DetachError{RemoteError: rej.Error}
			}
			return rej.Error
		}
		return nil
	case <-s.Detached:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send encodes msg and hands it to the mux in (possibly several)
// transfer frames, returning the channel the final fragment's
// settlement will be posted to, and the delivery tag it was sent
// under (for resumption bookkeeping).
func (s *Sender) send(ctx context.Context, msg *Message) (chan encoding.DeliveryState, []byte, error) {
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, nil, fmt.Errorf("amqp: delivery tag exceeds %d bytes, len: %d", maxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, nil, err
	}
	if s.maxMessageSize != 0 && uint64(s.buf.Len()) > s.maxMessageSize {
		return nil, nil, fmt.Errorf("amqp: encoded message size exceeds max of %d", s.maxMessageSize)
	}

	var (
		maxPayloadSize = int64(s.session.conn.PeerMaxFrameSize) - maxTransferFrameHeader
		ssm            = s.senderSettleMode
		senderSettled  = ssm != nil && (*ssm == ModeSettled || (*ssm == ModeMixed && msg.SendSettled))
		deliveryID     = atomic.AddUint32(&s.session.nextDeliveryID, 1)
	)

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	fr := frames.PerformTransfer{
		Handle:        s.handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		More:          s.buf.Len() > 0,
	}

	for fr.More {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			fr.Settled = senderSettled
			fr.Done = make(chan encoding.DeliveryState, 1)
			s.session.registerUnsettled(deliveryID, fr.Done)
			if !senderSettled {
				s.rememberUnsettled(deliveryTag, nil)
			}
		}

		select {
		case s.transfers <- fr:
		case <-s.Detached:
			return nil, nil, s.err
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}

		fr.DeliveryID = nil
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
	}

	return fr.Done, deliveryTag, nil
}

// Close closes the Sender and its AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.closeLink(ctx)
}

func newSender(target string, sess *Session, opts *SenderOptions) (*Sender, error) {
	l := &Sender{
		link: link{
			key:     linkKey{shared.RandString(40), encoding.RoleSender},
			session: sess,
			close:   make(chan struct{}),

			Detached: make(chan struct{}),
			target:   &encoding.Target{Address: target},
			source:   new(encoding.Source),
		},
		detachOnDispositionError: true,
	}

	if opts == nil {
		return l, nil
	}

	for _, v := range opts.Capabilities {
		l.source.Capabilities = append(l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("amqp: invalid Durability %d", opts.Durability)
	}
	l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		l.target.Address = ""
		l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	l.source.Timeout = opts.ExpiryTimeout
	l.detachOnDispositionError = !opts.IgnoreDispositionErrors
	if opts.Name != "" {
		l.key.name = opts.Name
	}
	if opts.Properties != nil {
		l.properties = make(map[encoding.Symbol]any, len(opts.Properties))
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("amqp: link property key must not be empty")
			}
			l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ModeSecond {
			return nil, fmt.Errorf("amqp: invalid RequestedReceiverSettleMode %d", rsm)
		}
		l.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > ModeMixed {
			return nil, fmt.Errorf("amqp: invalid SettlementMode %d", ssm)
		}
		l.senderSettleMode = opts.SettlementMode
	}
	l.source.Address = opts.SourceAddress
	return l, nil
}

func (s *Sender) attach(ctx context.Context, session *Session) error {
	if senderSettleModeValue(s.senderSettleMode) != ModeSettled && receiverSettleModeValue(s.receiverSettleMode) == ModeSecond {
		return errors.New("amqp: sender does not support exactly-once guarantee")
	}

	s.rx = make(chan frames.FrameBody, 1)

	if err := s.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(encoding.Target)
		}
		pa.Target.Dynamic = s.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if s.target == nil {
			s.target = new(encoding.Target)
		}
		if s.dynamicAddr && pa.Target != nil {
			s.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)
	go s.mux()
	return nil
}

// acceptAttach completes a peer-initiated attach (the peer attached as
// a receiver; we reply as the sender), used by IncomingAttach.AcceptAsSender.
func (s *Sender) acceptAttach(ctx context.Context, session *Session, peerAttach *frames.PerformAttach) error {
	if senderSettleModeValue(s.senderSettleMode) != ModeSettled && receiverSettleModeValue(s.receiverSettleMode) == ModeSecond {
		return errors.New("amqp: sender does not support exactly-once guarantee")
	}

	s.key.name = peerAttach.Name
	s.rx = make(chan frames.FrameBody, 1)

	if err := s.attachReply(ctx, session, peerAttach, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(encoding.Target)
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)
	go s.mux()
	return nil
}

func (s *Sender) mux() {
	defer s.muxDetach(context.Background(), nil)

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer
		if s.linkCredit > 0 {
			debug.Log(3, "sender: credit: %d, deliveryCount: %d", s.linkCredit, s.deliveryCount)
			outgoingTransfers = s.transfers
		}

		select {
		case fr := <-s.rx:
			s.err = s.muxHandleFrame(fr)
			if s.err != nil {
				return
			}

		case tr := <-outgoingTransfers:
			debug.Log(3, "TX (sender): %v", tr)
			for {
				select {
				case s.session.txTransfer <- &tr:
					if !tr.More {
						s.deliveryCount++
						s.linkCredit--
					}
					continue Loop
				case fr := <-s.rx:
					s.err = s.muxHandleFrame(fr)
					if s.err != nil {
						return
					}
				case <-s.close:
					s.err = ErrLinkClosed
					return
				case <-s.session.done:
					s.err = s.session.err
					return
				}
			}

		case <-s.close:
			s.err = ErrLinkClosed
			return
		case <-s.session.done:
			s.err = s.session.err
			return
		}
	}
}

func (s *Sender) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		debug.Log(3, "RX (sender): %v", fr)
		linkCredit := *fr.LinkCredit - s.deliveryCount
		if fr.DeliveryCount != nil {
			linkCredit += *fr.DeliveryCount
		}
		s.linkCredit = linkCredit

		if !fr.Echo {
			return nil
		}

		deliveryCount := s.deliveryCount
		resp := &frames.PerformFlow{
			Handle:        &s.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit,
		}
		_ = s.session.txFrame(resp, nil)

	case *frames.PerformDisposition:
		debug.Log(3, "RX (sender): %v", fr)
		if rej, ok := fr.State.(*encoding.StateRejected); ok && s.detachOnRejectDisp() {
			return &DetachError{RemoteError: rej.Error}
		}
		if fr.Settled {
			return nil
		}
		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		_ = s.session.txFrame(resp, nil)

	default:
		return s.link.muxHandleFrame(fr)
	}

	return nil
}

// detachOnRejectDisp reports whether a rejected disposition should
// tear the link down, versus just being surfaced to the caller (the
// receiver is in ModeSecond and will send its own explicit
// disposition that we still need to process).
func (s *Sender) detachOnRejectDisp() bool {
	return s.detachOnDispositionError && (s.receiverSettleMode == nil || *s.receiverSettleMode == ModeFirst)
}
