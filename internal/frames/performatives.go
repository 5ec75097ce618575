package frames

import (
	"fmt"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/encoding"
)

/*
PerformOpen negotiates connection-wide parameters.

<type name="open" class="composite" source="list" provides="frame">

	<descriptor name="amqp:open:list" code="0x00000000:0x00000010"/>

</type>
*/
type PerformOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32 // default: 4294967295
	ChannelMax          uint16 // default: 65535
	IdleTimeout         encoding.Milliseconds
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (o *PerformOpen) frameBody() {}

func (o *PerformOpen) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: &o.ContainerID, Omit: false},
		{Value: &o.Hostname, Omit: o.Hostname == ""},
		{Value: &o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: &o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: &o.IdleTimeout, Omit: o.IdleTimeout == 0},
		{Value: &o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: &o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: &o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: &o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeOpen, []encoding.UnmarshalField{
		{Field: &o.ContainerID, HandleNull: func() error { return fmt.Errorf("Open.ContainerID is required") }},
		{Field: &o.Hostname},
		{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		{Field: &o.IdleTimeout},
		{Field: &o.OutgoingLocales},
		{Field: &o.IncomingLocales},
		{Field: &o.OfferedCapabilities},
		{Field: &o.DesiredCapabilities},
		{Field: &o.Properties},
	})
}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %q, Hostname: %q, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout.Duration())
}

/*
PerformBegin establishes a session on a channel.
*/
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32 // required, sequence number
	IncomingWindow      uint32 // required
	OutgoingWindow      uint32 // required
	HandleMax           uint32 // default: 4294967295
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (b *PerformBegin) frameBody() {}

func (b *PerformBegin) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: &b.NextOutgoingID, Omit: false},
		{Value: &b.IncomingWindow, Omit: false},
		{Value: &b.OutgoingWindow, Omit: false},
		{Value: &b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: &b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: &b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin, []encoding.UnmarshalField{
		{Field: &b.RemoteChannel},
		{Field: &b.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Begin.NextOutgoingID is required") }},
		{Field: &b.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Begin.IncomingWindow is required") }},
		{Field: &b.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Begin.OutgoingWindow is required") }},
		{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		{Field: &b.OfferedCapabilities},
		{Field: &b.DesiredCapabilities},
		{Field: &b.Properties},
	})
}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %v, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		b.RemoteChannel, b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

/*
PerformAttach establishes a link between two link endpoints.
*/
type PerformAttach struct {
	Name                 string // required
	Handle               uint32 // required
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *encoding.Source
	Target               *encoding.Target
	Unsettled            map[string]encoding.DeliveryState
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]any
}

func (a *PerformAttach) frameBody() {}

func (a *PerformAttach) marshal(wr *buffer.Buffer) error {
	unsettled := map[string]any{}
	for k, v := range a.Unsettled {
		unsettled[k] = v
	}
	var unsettledAny any = unsettled
	if len(unsettled) == 0 {
		unsettledAny = nil
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: &a.Name, Omit: false},
		{Value: &a.Handle, Omit: false},
		{Value: &a.Role, Omit: false},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: unsettledAny, Omit: unsettledAny == nil},
		{Value: &a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: &a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: &a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: &a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: &a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) unmarshal(r *buffer.Buffer) error {
	var unsettled map[string]any
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeAttach, []encoding.UnmarshalField{
		{Field: &a.Name, HandleNull: func() error { return fmt.Errorf("Attach.Name is required") }},
		{Field: &a.Handle, HandleNull: func() error { return fmt.Errorf("Attach.Handle is required") }},
		{Field: &a.Role},
		{Field: &a.SenderSettleMode},
		{Field: &a.ReceiverSettleMode},
		{Field: &a.Source},
		{Field: &a.Target},
		{Field: &unsettled},
		{Field: &a.IncompleteUnsettled},
		{Field: &a.InitialDeliveryCount},
		{Field: &a.MaxMessageSize},
		{Field: &a.OfferedCapabilities},
		{Field: &a.DesiredCapabilities},
		{Field: &a.Properties},
	})
	if err != nil {
		return err
	}
	if len(unsettled) > 0 {
		a.Unsettled = make(map[string]encoding.DeliveryState, len(unsettled))
		for k, v := range unsettled {
			ds, _ := v.(encoding.DeliveryState)
			a.Unsettled[k] = ds
		}
	}
	return nil
}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %q, Handle: %d, Role: %s, Source: %v, Target: %v}",
		a.Name, a.Handle, a.Role, a.Source, a.Target)
}

/*
PerformFlow updates link/session flow control state.
*/
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

func (f *PerformFlow) frameBody() {}

func (f *PerformFlow) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: &f.IncomingWindow, Omit: false},
		{Value: &f.NextOutgoingID, Omit: false},
		{Value: &f.OutgoingWindow, Omit: false},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: &f.Drain, Omit: !f.Drain},
		{Value: &f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow, []encoding.UnmarshalField{
		{Field: &f.NextIncomingID},
		{Field: &f.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Flow.IncomingWindow is required") }},
		{Field: &f.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Flow.NextOutgoingID is required") }},
		{Field: &f.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Flow.OutgoingWindow is required") }},
		{Field: &f.Handle},
		{Field: &f.DeliveryCount},
		{Field: &f.LinkCredit},
		{Field: &f.Available},
		{Field: &f.Drain},
		{Field: &f.Echo},
		{Field: &f.Properties},
	})
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, Handle: %s, DeliveryCount: %s, LinkCredit: %s, Drain: %t, Echo: %t}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow,
		formatUint32Ptr(f.Handle), formatUint32Ptr(f.DeliveryCount), formatUint32Ptr(f.LinkCredit), f.Drain, f.Echo)
}

/*
PerformTransfer carries a (fragment of a) message.
*/
type PerformTransfer struct {
	Handle             uint32 // required
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done, when non-nil, receives the settlement state and is then
	// closed once a disposition covering the delivery is observed. For
	// a settled final transfer it receives nil (without being closed)
	// once the frame has been written.
	Done chan encoding.DeliveryState
}

func (t *PerformTransfer) frameBody() {}

func (t *PerformTransfer) marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: &t.Handle, Omit: false},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: &t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: &t.Settled, Omit: !t.Settled},
		{Value: &t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: &t.Resume, Omit: !t.Resume},
		{Value: &t.Aborted, Omit: !t.Aborted},
		{Value: &t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Append(t.Payload)
	return nil
}

func (t *PerformTransfer) unmarshal(r *buffer.Buffer) error {
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer, []encoding.UnmarshalField{
		{Field: &t.Handle, HandleNull: func() error { return fmt.Errorf("Transfer.Handle is required") }},
		{Field: &t.DeliveryID},
		{Field: &t.DeliveryTag},
		{Field: &t.MessageFormat},
		{Field: &t.Settled},
		{Field: &t.More},
		{Field: &t.ReceiverSettleMode},
		{Field: &t.State},
		{Field: &t.Resume},
		{Field: &t.Aborted},
		{Field: &t.Batchable},
	})
	if err != nil {
		return err
	}
	t.Payload = append([]byte(nil), r.Bytes()...)
	return nil
}

func (t *PerformTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, More: %t, Settled: %t, Payload [size]: %d}",
		t.Handle, formatUint32Ptr(t.DeliveryID), t.More, t.Settled, len(t.Payload))
}

/*
PerformDisposition conveys delivery-state for a contiguous range of
deliveries.
*/
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32 // required
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) frameBody() {}

func (d *PerformDisposition) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: &d.Role, Omit: false},
		{Value: &d.First, Omit: false},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: &d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: &d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition, []encoding.UnmarshalField{
		{Field: &d.Role, HandleNull: func() error { return fmt.Errorf("Disposition.Role is required") }},
		{Field: &d.First, HandleNull: func() error { return fmt.Errorf("Disposition.First is required") }},
		{Field: &d.Last},
		{Field: &d.Settled},
		{Field: &d.State},
		{Field: &d.Batchable},
	})
}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State)
}

/*
PerformDetach terminates a link endpoint.
*/
type PerformDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) frameBody() {}

func (d *PerformDetach) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: &d.Handle, Omit: false},
		{Value: &d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach, []encoding.UnmarshalField{
		{Field: &d.Handle, HandleNull: func() error { return fmt.Errorf("Detach.Handle is required") }},
		{Field: &d.Closed},
		{Field: &d.Error},
	})
}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

/*
PerformEnd terminates a session.
*/
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) frameBody() {}

func (e *PerformEnd) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd, []encoding.UnmarshalField{
		{Field: &e.Error},
	})
}

func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

/*
PerformClose terminates a connection.
*/
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) frameBody() {}

func (c *PerformClose) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose, []encoding.UnmarshalField{
		{Field: &c.Error},
	})
}

func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }
