package amqp

import (
	"fmt"
	"time"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/encoding"
)

// MessageHeader carries transfer-scoped delivery annotations: whether
// the message is durable, its relative priority, and its TTL.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer.Buffer) error {
	ttl := encoding.Milliseconds(h.TTL)
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: &h.Durable, Omit: !h.Durable},
		{Value: &h.Priority, Omit: h.Priority == 4},
		{Value: &ttl, Omit: h.TTL == 0},
		{Value: &h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: &h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) unmarshal(r *buffer.Buffer) error {
	var ttl encoding.Milliseconds
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader, []encoding.UnmarshalField{
		{Field: &h.Durable},
		{Field: &h.Priority, HandleNull: func() error { h.Priority = 4; return nil }},
		{Field: &ttl},
		{Field: &h.FirstAcquirer},
		{Field: &h.DeliveryCount},
	})
	h.TTL = ttl.Duration()
	return err
}

// MessageProperties is the immutable, application-facing "properties"
// section (AMQP 1.0 section 3.2.4).
type MessageProperties struct {
	MessageID          any // string, ulong, UUID, or []byte
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        encoding.Symbol
	ContentEncoding    encoding.Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: &p.MessageID, Omit: p.MessageID == nil},
		{Value: &p.UserID, Omit: len(p.UserID) == 0},
		{Value: &p.To, Omit: p.To == ""},
		{Value: &p.Subject, Omit: p.Subject == ""},
		{Value: &p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: &p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: &p.ContentType, Omit: p.ContentType == ""},
		{Value: &p.ContentEncoding, Omit: p.ContentEncoding == ""},
		{Value: &p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: &p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: &p.GroupID, Omit: p.GroupID == ""},
		{Value: &p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: &p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties, []encoding.UnmarshalField{
		{Field: &p.MessageID},
		{Field: &p.UserID},
		{Field: &p.To},
		{Field: &p.Subject},
		{Field: &p.ReplyTo},
		{Field: &p.CorrelationID},
		{Field: &p.ContentType},
		{Field: &p.ContentEncoding},
		{Field: &p.AbsoluteExpiryTime},
		{Field: &p.CreationTime},
		{Field: &p.GroupID},
		{Field: &p.GroupSequence},
		{Field: &p.ReplyToGroupID},
	})
}

// Message is a single AMQP message: zero or more header/annotation
// sections, an optional properties section, a body, and an optional
// footer. Only Data is currently populated for the body; Value and
// Sequence are preserved on round-trip but not otherwise interpreted.
type Message struct {
	Header                *MessageHeader
	DeliveryAnnotations   encoding.Annotations
	Annotations           encoding.Annotations // message-annotations
	Properties            *MessageProperties
	ApplicationProperties map[string]any
	Data                  [][]byte
	Sequence              [][]any
	Value                 any
	Footer                encoding.Annotations

	// Format is the AMQP message-format carried outside the message
	// sections, on the transfer performative.
	Format uint32
	// DeliveryTag is the tag under which this message was (or will be)
	// transferred; set by Send, or populated from the wire on receive.
	DeliveryTag []byte
	// LinkName records which link delivered this message; set by the
	// receiver, ignored on send.
	LinkName string
	// SendSettled requests the transfer be marked settled, when the
	// sender's settlement mode is mixed.
	SendSettled bool

	deliveryID uint32
	settled    bool
	rcvd       *Receiver
}

// NewMessage wraps body as a single Data section, the common case for
// an application sending opaque bytes.
func NewMessage(body []byte) *Message {
	return &Message{Data: [][]byte{body}}
}

// GetData returns the concatenation of all Data sections, nil if the
// message used a Value or Sequence body instead.
func (m *Message) GetData() []byte {
	if len(m.Data) == 1 {
		return m.Data[0]
	}
	var buf []byte
	for _, d := range m.Data {
		buf = append(buf, d...)
	}
	return buf
}

// Marshal encodes the full message (header through footer) into wr.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}
	if m.DeliveryAnnotations.Len() > 0 {
		if err := marshalAnnotationsComposite(wr, encoding.TypeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}
	if m.Annotations.Len() > 0 {
		if err := marshalAnnotationsComposite(wr, encoding.TypeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: m.ApplicationProperties, Omit: false},
		}); err != nil {
			return err
		}
	}
	for _, d := range m.Data {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationData, []encoding.MarshalField{
			{Value: &d, Omit: false},
		}); err != nil {
			return err
		}
	}
	if m.Value != nil {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPValue, []encoding.MarshalField{
			{Value: &m.Value, Omit: false},
		}); err != nil {
			return err
		}
	}
	if m.Footer.Len() > 0 {
		if err := marshalAnnotationsComposite(wr, encoding.TypeCodeFooter, m.Footer); err != nil {
			return err
		}
	}
	return nil
}

func marshalAnnotationsComposite(wr *buffer.Buffer, code encoding.AMQPType, a encoding.Annotations) error {
	wr.WriteByte(0x00)
	if err := encoding.Marshal(wr, uint64(code)); err != nil {
		return err
	}
	return a.MarshalValue(wr)
}

// sectionCode peeks the next section's composite descriptor without
// consuming more than that, so Unmarshal can dispatch on it.
func sectionCode(r *buffer.Buffer) (encoding.AMQPType, bool, error) {
	if r.Len() == 0 {
		return 0, false, nil
	}
	b, err := r.PeekByte()
	if err != nil {
		return 0, false, err
	}
	if b != 0x00 {
		return 0, false, fmt.Errorf("amqp: expected message section, got 0x%x", b)
	}
	save := *r
	r.Skip(1)
	var code uint64
	if err := encoding.Unmarshal(r, &code); err != nil {
		return 0, false, err
	}
	*r = save
	return encoding.AMQPType(code), true, nil
}

// unmarshalBytes decodes a full message from a raw byte slice, as
// assembled from one or more transfer frame payloads.
func (m *Message) unmarshalBytes(b []byte) error {
	return m.Unmarshal(buffer.New(b))
}

// Unmarshal decodes a full message (as carried across one or more
// transfer frames) from r.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		code, ok, err := sectionCode(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			if err := unmarshalAnnotationsComposite(r, encoding.TypeCodeDeliveryAnnotations, &m.DeliveryAnnotations); err != nil {
				return err
			}
		case encoding.TypeCodeMessageAnnotations:
			if err := unmarshalAnnotationsComposite(r, encoding.TypeCodeMessageAnnotations, &m.Annotations); err != nil {
				return err
			}
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			var props map[string]any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationProperties, []encoding.UnmarshalField{
				{Field: &props},
			}); err != nil {
				return err
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeApplicationData:
			var d []byte
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationData, []encoding.UnmarshalField{
				{Field: &d},
			}); err != nil {
				return err
			}
			m.Data = append(m.Data, d)
		case encoding.TypeCodeAMQPValue:
			var v any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPValue, []encoding.UnmarshalField{
				{Field: &v},
			}); err != nil {
				return err
			}
			m.Value = v
		case encoding.TypeCodeFooter:
			if err := unmarshalAnnotationsComposite(r, encoding.TypeCodeFooter, &m.Footer); err != nil {
				return err
			}
		default:
			return fmt.Errorf("amqp: unknown message section descriptor 0x%x", code)
		}
	}
	return nil
}

func unmarshalAnnotationsComposite(r *buffer.Buffer, code encoding.AMQPType, out *encoding.Annotations) error {
	r.Skip(1) // descriptor constructor
	var gotCode uint64
	if err := encoding.Unmarshal(r, &gotCode); err != nil {
		return err
	}
	if encoding.AMQPType(gotCode) != code {
		return fmt.Errorf("amqp: expected section descriptor 0x%x, got 0x%x", code, gotCode)
	}
	return out.UnmarshalValue(r)
}
