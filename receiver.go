package amqp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/coreamqp/go-amqp/internal/debug"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/shared"
)

// ReceiverCreditMode controls how a Receiver replenishes its
// link-credit.
type ReceiverCreditMode int

const (
	// CreditModeAuto automatically issues more credit from the
	// receiver's mux whenever outstanding unprocessed deliveries drop
	// below a low-watermark.
	CreditModeAuto ReceiverCreditMode = iota
	// CreditModeManual requires the caller to call Receiver.IssueCredit
	// explicitly; no credit is granted on attach or afterward.
	CreditModeManual
)

const defaultLinkCredit = 1

// ReceiverOptions configures a Receiver created by Session.NewReceiver.
type ReceiverOptions struct {
	AttachOptions
	// TargetAddress overrides the receiver's target address (normally
	// left blank).
	TargetAddress string
	// Credit is the link-credit issued in CreditModeAuto; once the
	// remaining credit falls to half of Credit or less, it is topped
	// back up to Credit. Default: 1.
	Credit uint32
	// CreditMode selects automatic or manual credit management.
	// Default: CreditModeAuto.
	CreditMode ReceiverCreditMode
	// AutoAccept settles each delivered message with Accepted as soon
	// as it's handed to the caller, when the negotiated settlement
	// mode allows it. Default: false.
	AutoAccept bool
	// MaxMessageSize caps the size of a single message the receiver
	// will accept, advertised to the peer on attach.
	MaxMessageSize uint64
}

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link
	messages   chan Message
	pendingBuf []byte // accumulates fragments of a multi-frame transfer; mux-goroutine only
	pendingTag []byte // delivery tag of the transfer being assembled; only set on its first fragment

	// cmd carries caller-initiated requests (IssueCredit, Drain,
	// settlement) into the mux, alongside r.rx's peer frames.
	cmd chan any

	creditMode ReceiverCreditMode
	autoAccept bool

	manualCreditor *manualCreditor
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string { return r.key.name }

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.source == nil {
		return ""
	}
	return r.source.Address
}

// Prefetched returns the next message already buffered by the
// receiver's mux, or nil if none is available, without blocking.
func (r *Receiver) Prefetched() *Message {
	select {
	case m := <-r.messages:
		return &m
	default:
		return nil
	}
}

// Receive blocks until a message arrives, ctx is done, or the link
// fails.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case m := <-r.messages:
		if r.autoAccept {
			if err := r.AcceptMessage(ctx, &m); err != nil {
				return nil, err
			}
		}
		return &m, nil
	case <-r.Detached:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IssueCredit adds credits to be requested at the next flow frame.
// Only valid when the receiver was created with CreditModeManual.
func (r *Receiver) IssueCredit(credits uint32) error {
	if r.manualCreditor == nil {
		return errors.New("amqp: IssueCredit requires CreditModeManual")
	}
	if err := r.manualCreditor.IssueCredit(credits, r); err != nil {
		return err
	}
	select {
	case r.cmd <- flowRequestedSentinel{}:
	default:
	}
	return nil
}

// Drain requests the peer return any unused credit and blocks until
// it does. Only valid with CreditModeManual.
func (r *Receiver) Drain(ctx context.Context) error {
	if r.manualCreditor == nil {
		return errors.New("amqp: Drain requires CreditModeManual")
	}
	if err := r.manualCreditor.IssueCredit(0, r); err != nil {
		return err
	}
	select {
	case r.cmd <- flowRequestedSentinel{}:
	case <-r.Detached:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.manualCreditor.Drain(ctx, &r.link)
}

// AcceptMessage settles m as Accepted.
func (r *Receiver) AcceptMessage(ctx context.Context, m *Message) error {
	return r.settleMessage(ctx, m, new(encoding.StateAccepted))
}

// RejectMessage settles m as Rejected, optionally carrying err as the
// rejection reason.
func (r *Receiver) RejectMessage(ctx context.Context, m *Message, rejErr *Error) error {
	return r.settleMessage(ctx, m, &encoding.StateRejected{Error: rejErr})
}

// ReleaseMessage settles m as Released, making it available for
// redelivery.
func (r *Receiver) ReleaseMessage(ctx context.Context, m *Message) error {
	return r.settleMessage(ctx, m, new(encoding.StateReleased))
}

// ModifyMessage settles m as Modified.
func (r *Receiver) ModifyMessage(ctx context.Context, m *Message, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	state := &encoding.StateModified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
	}
	if annotations != nil {
		a := make(map[encoding.Symbol]any, len(annotations))
		for k, v := range annotations {
			a[encoding.Symbol(k)] = v
		}
		state.MessageAnnotations = a
	}
	return r.settleMessage(ctx, m, state)
}

// AcceptMessages settles msgs as Accepted, coalescing runs of
// consecutive delivery IDs into a single range disposition each
// instead of one disposition per message.
func (r *Receiver) AcceptMessages(ctx context.Context, msgs []*Message) error {
	return r.settleMessages(ctx, msgs, new(encoding.StateAccepted))
}

// RejectMessages settles msgs as Rejected, optionally carrying rejErr
// as the rejection reason, coalescing runs of consecutive delivery IDs
// into a single range disposition each.
func (r *Receiver) RejectMessages(ctx context.Context, msgs []*Message, rejErr *Error) error {
	return r.settleMessages(ctx, msgs, &encoding.StateRejected{Error: rejErr})
}

// ReleaseMessages settles msgs as Released, coalescing runs of
// consecutive delivery IDs into a single range disposition each.
func (r *Receiver) ReleaseMessages(ctx context.Context, msgs []*Message) error {
	return r.settleMessages(ctx, msgs, new(encoding.StateReleased))
}

// ModifyMessages settles msgs as Modified, coalescing runs of
// consecutive delivery IDs into a single range disposition each.
func (r *Receiver) ModifyMessages(ctx context.Context, msgs []*Message, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	state := &encoding.StateModified{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
	}
	if annotations != nil {
		a := make(map[encoding.Symbol]any, len(annotations))
		for k, v := range annotations {
			a[encoding.Symbol(k)] = v
		}
		state.MessageAnnotations = a
	}
	return r.settleMessages(ctx, msgs, state)
}

// settleMessages groups msgs by contiguous delivery ID and sends one
// range disposition per run, the same coalescing the protocol allows a
// peer to apply when settling a batch it received in one credit
// window rather than acknowledging each delivery individually.
func (r *Receiver) settleMessages(ctx context.Context, msgs []*Message, state encoding.DeliveryState) error {
	pending := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.settled {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].deliveryID < pending[j].deliveryID })

	runStart := 0
	for i := 1; i <= len(pending); i++ {
		if i < len(pending) && pending[i].deliveryID == pending[i-1].deliveryID+1 {
			continue
		}
		first := pending[runStart].deliveryID
		last := pending[i-1].deliveryID
		disp := &frames.PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   first,
			Settled: true,
			State:   state,
		}
		if last != first {
			disp.Last = &last
		}
		select {
		case r.cmd <- dispositionRequest{disp}:
		case <-r.Detached:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, m := range pending[runStart:i] {
			m.settled = true
			r.forgetUnsettled(m.DeliveryTag)
		}
		runStart = i
	}
	return nil
}

func (r *Receiver) settleMessage(ctx context.Context, m *Message, state encoding.DeliveryState) error {
	if m.settled {
		return nil
	}
	first := m.deliveryID
	disp := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   first,
		Settled: true,
		State:   state,
	}
	select {
	case r.cmd <- dispositionRequest{disp}:
	case <-r.Detached:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
	m.settled = true
	r.forgetUnsettled(m.DeliveryTag)
	return nil
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.closeLink(ctx)
}

// flowRequestedSentinel and dispositionRequest travel over r.cmd,
// nudging the mux to act without waiting on a peer frame.
type flowRequestedSentinel struct{}
type dispositionRequest struct {
	disp *frames.PerformDisposition
}

func newReceiver(source string, sess *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		link: link{
			key:     linkKey{shared.RandString(40), encoding.RoleReceiver},
			session: sess,
			close:   make(chan struct{}),

			Detached:   make(chan struct{}),
			source:     &encoding.Source{Address: source},
			target:     new(encoding.Target),
			linkCredit: defaultLinkCredit,
		},
		creditMode: CreditModeAuto,
	}

	credit := uint32(defaultLinkCredit)

	if opts != nil {
		for _, v := range opts.Capabilities {
			r.source.Capabilities = append(r.source.Capabilities, encoding.Symbol(v))
		}
		if opts.Durability > DurabilityUnsettledState {
			return nil, fmt.Errorf("amqp: invalid Durability %d", opts.Durability)
		}
		r.source.Durable = opts.Durability
		if opts.DynamicAddress {
			r.source.Address = ""
			r.dynamicAddr = opts.DynamicAddress
		}
		if opts.ExpiryPolicy != "" {
			if err := encoding.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
				return nil, err
			}
			r.source.ExpiryPolicy = opts.ExpiryPolicy
		}
		r.source.Timeout = opts.ExpiryTimeout
		if opts.Name != "" {
			r.key.name = opts.Name
		}
		if opts.Properties != nil {
			r.properties = make(map[encoding.Symbol]any, len(opts.Properties))
			for k, v := range opts.Properties {
				if k == "" {
					return nil, errors.New("amqp: link property key must not be empty")
				}
				r.properties[encoding.Symbol(k)] = v
			}
		}
		if opts.RequestedReceiverSettleMode != nil {
			if rsm := *opts.RequestedReceiverSettleMode; rsm > ModeSecond {
				return nil, fmt.Errorf("amqp: invalid RequestedReceiverSettleMode %d", rsm)
			}
			r.receiverSettleMode = opts.RequestedReceiverSettleMode
		}
		if opts.SettlementMode != nil {
			if ssm := *opts.SettlementMode; ssm > ModeMixed {
				return nil, fmt.Errorf("amqp: invalid SettlementMode %d", ssm)
			}
			r.senderSettleMode = opts.SettlementMode
		}
		r.target.Address = opts.TargetAddress
		r.maxMessageSize = opts.MaxMessageSize
		r.autoAccept = opts.AutoAccept
		r.creditMode = opts.CreditMode
		if opts.Credit != 0 {
			credit = opts.Credit
		}
	}

	if r.creditMode == CreditModeManual {
		r.manualCreditor = new(manualCreditor)
		r.linkCredit = 0
	} else {
		r.linkCredit = credit
	}

	r.messages = make(chan Message, credit)
	r.cmd = make(chan any, 4)
	return r, nil
}

func (r *Receiver) attach(ctx context.Context, session *Session) error {
	r.rx = make(chan frames.FrameBody, 1)

	initialCredit := r.linkCredit

	if err := r.attachLink(ctx, session, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(encoding.Source)
		}
		pa.Source.Dynamic = r.dynamicAddr
		if r.maxMessageSize != 0 {
			pa.MaxMessageSize = r.maxMessageSize
		}
	}, func(pa *frames.PerformAttach) {
		if r.source == nil {
			r.source = new(encoding.Source)
		}
		if r.dynamicAddr && pa.Source != nil {
			r.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	r.linkCredit = initialCredit
	if r.linkCredit > 0 {
		if err := r.sendFlow(); err != nil {
			return err
		}
	}

	go r.mux()
	return nil
}

// acceptAttach completes a peer-initiated attach (the peer attached as
// a sender; we reply as the receiver), used by IncomingAttach.AcceptAsReceiver.
func (r *Receiver) acceptAttach(ctx context.Context, session *Session, peerAttach *frames.PerformAttach) error {
	r.key.name = peerAttach.Name
	r.rx = make(chan frames.FrameBody, 1)

	initialCredit := r.linkCredit

	if err := r.attachReply(ctx, session, peerAttach, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(encoding.Source)
		}
		if r.maxMessageSize != 0 {
			pa.MaxMessageSize = r.maxMessageSize
		}
	}); err != nil {
		return err
	}

	r.linkCredit = initialCredit
	if r.linkCredit > 0 {
		if err := r.sendFlow(); err != nil {
			return err
		}
	}

	go r.mux()
	return nil
}

func (r *Receiver) mux() {
	defer r.muxDetach(context.Background(), nil)

	for {
		select {
		case fr := <-r.rx:
			if err := r.muxHandleFrame(fr); err != nil {
				r.err = err
				return
			}

		case cmd := <-r.cmd:
			if err := r.muxHandleCommand(cmd); err != nil {
				r.err = err
				return
			}

		case <-r.close:
			r.err = ErrLinkClosed
			return

		case <-r.session.done:
			r.err = r.session.err
			return
		}
	}
}

func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		debug.Log(3, "RX (receiver): %v", fr)
		return r.muxReceive(fr)

	case *frames.PerformFlow:
		debug.Log(3, "RX (receiver): %v", fr)
		if r.manualCreditor != nil {
			r.manualCreditor.EndDrain()
		}
		return nil

	default:
		return r.link.muxHandleFrame(fr)
	}
}

func (r *Receiver) muxHandleCommand(cmd any) error {
	switch cmd := cmd.(type) {
	case dispositionRequest:
		return r.session.txFrame(cmd.disp, nil)

	case flowRequestedSentinel:
		return r.sendFlow()

	default:
		return fmt.Errorf("amqp: unexpected command %T on receiver", cmd)
	}
}

// muxReceive assembles (possibly multi-frame) transfers into a
// Message and, once complete, hands it to the caller via r.messages,
// refilling credit per the configured mode.
func (r *Receiver) muxReceive(fr *frames.PerformTransfer) error {
	if len(r.pendingBuf) == 0 && len(fr.DeliveryTag) > 0 {
		r.pendingTag = fr.DeliveryTag
	}
	r.pendingBuf = append(r.pendingBuf, fr.Payload...)
	if fr.More {
		return nil
	}

	var msg Message
	buf := r.pendingBuf
	tag := r.pendingTag
	r.pendingBuf = nil
	r.pendingTag = nil

	if err := msg.unmarshalBytes(buf); err != nil {
		return err
	}
	if fr.DeliveryID != nil {
		msg.deliveryID = *fr.DeliveryID
		r.deliveryCount++
	}
	msg.DeliveryTag = tag
	msg.LinkName = r.key.name
	msg.rcvd = r
	msg.settled = fr.Settled
	if !fr.Settled {
		r.rememberUnsettled(tag, nil)
	}

	select {
	case r.messages <- msg:
	default:
		debug.Log(1, "receiver: message buffer full, dropping delivery %d", msg.deliveryID)
	}

	if r.creditMode == CreditModeAuto {
		r.linkCredit--
		if r.linkCredit <= uint32(cap(r.messages))/2 {
			return r.sendFlow()
		}
	}
	return nil
}

func (r *Receiver) sendFlow() error {
	var credits uint32
	var drain bool
	if r.manualCreditor != nil {
		drain, credits = r.manualCreditor.FlowBits()
	} else {
		credits = uint32(cap(r.messages)) - r.linkCredit
	}
	r.linkCredit += credits

	nextIncomingID, nextOutgoingID, incomingWindow, outgoingWindow := r.session.flowFields()

	lc := r.linkCredit
	dc := r.deliveryCount
	flow := &frames.PerformFlow{
		Handle:         &r.handle,
		DeliveryCount:  &dc,
		LinkCredit:     &lc,
		Drain:          drain,
		NextIncomingID: &nextIncomingID,
		IncomingWindow: incomingWindow,
		NextOutgoingID: nextOutgoingID,
		OutgoingWindow: outgoingWindow,
	}
	return r.session.txFrame(flow, nil)
}
