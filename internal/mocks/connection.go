// Package mocks provides a net.Conn-shaped test double that drives
// the connection/session/link state machines end to end without a
// real socket.
package mocks

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
)

// NewConnection creates a MockConnection. resp is invoked by Write
// whenever a frame is received: return an encoded frame to reply,
// nil/nil to swallow it, or a non-nil error to simulate a write
// failure.
func NewConnection(resp func(frames.FrameBody) ([]byte, error)) *MockConnection {
	return &MockConnection{
		resp: resp,
		// starts with no deadline pending, same as a fresh net.Conn.
		readDL: time.NewTimer(noDeadline),
		// buffered so a late connWriter write during shutdown doesn't
		// block on a reader that's already gone.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// noDeadline is substituted for a zero time.Time (net.Conn's "no
// deadline" convention) since time.Until of the zero value is a huge
// negative duration and would fire the timer immediately.
const noDeadline = 100 * 365 * 24 * time.Hour

// MockConnection satisfies net.Conn, looping frames written by the
// engine back through resp instead of a real socket.
type MockConnection struct {
	resp      func(frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool

	// pending holds the tail of a queued chunk that didn't fit in the
	// caller's buffer on the previous Read, same as a real stream
	// socket would retain it. The frame codec reads a fixed-size header
	// and then its body as two separate Read calls, so without this a
	// single queued reply larger than the header would lose its body.
	pending []byte
}

// Read is invoked by the connection's reader goroutine. It blocks
// until Write or Close are called, or the read deadline expires.
func (m *MockConnection) Read(b []byte) (int, error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	if len(m.pending) == 0 {
		select {
		case <-m.readClose:
			return 0, errors.New("mock connection was closed")
		case <-m.readDL.C:
			return 0, errors.New("mock connection read deadline exceeded")
		case rd := <-m.readData:
			m.pending = rd
		}
	}

	n := copy(b, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// Write is invoked by the connection's writer goroutine for every
// frame sent. It decodes the frame and calls resp to produce (or
// suppress) a reply.
func (m *MockConnection) Write(b []byte) (int, error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := m.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		m.readData <- resp
	}
	return len(b), nil
}

// Inject queues b to be read by the connection's reader goroutine as
// if the peer had sent it unprompted, for simulating peer-initiated
// traffic (an unsolicited transfer or flow) outside the resp callback.
func (m *MockConnection) Inject(b []byte) {
	m.readData <- b
}

// Close is called when the engine's mux unwinds.
func (m *MockConnection) Close() error {
	if m.closed {
		return errors.New("double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *MockConnection) LocalAddr() net.Addr  { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }
func (m *MockConnection) RemoteAddr() net.Addr { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }

func (m *MockConnection) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (m *MockConnection) SetReadDeadline(t time.Time) error {
	if m.readDL != nil && !m.readDL.Stop() {
		select {
		case <-m.readDL.C:
		default:
		}
	}
	d := noDeadline
	if !t.IsZero() {
		d = time.Until(t)
	}
	m.readDL = time.NewTimer(d)
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error { return nil }

// ProtoID mirrors frames.ProtoID for callers that only import mocks.
type ProtoID = frames.ProtoID

const (
	ProtoAMQP = frames.ProtoAMQP
	ProtoTLS  = frames.ProtoTLS
	ProtoSASL = frames.ProtoSASL
)

// ProtoHeader builds the 8-byte protocol header handshake frame.
func ProtoHeader(id ProtoID) ([]byte, error) {
	h := frames.ProtoHeader{ProtoID: id, Major: 1}
	enc := h.Encode()
	return enc[:], nil
}

// SASLMechanisms builds a sasl-mechanisms frame offering mechs.
func SASLMechanisms(mechs ...encoding.Symbol) ([]byte, error) {
	return encodeFrame(frames.TypeSASL, &frames.SASLMechanisms{Mechanisms: mechs})
}

// SASLOutcome builds a sasl-outcome frame with the given code.
func SASLOutcome(code frames.SASLCode) ([]byte, error) {
	return encodeFrame(frames.TypeSASL, &frames.SASLOutcome{Code: code})
}

// PerformOpen builds an AMQP open frame with the given container ID.
func PerformOpen(containerID string) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformOpen{ContainerID: containerID})
}

// PerformOpenMaxFrameSize builds an AMQP open frame advertising a
// specific max-frame-size, for tests that need control over transfer
// segmentation.
func PerformOpenMaxFrameSize(containerID string, maxFrameSize uint32) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformOpen{ContainerID: containerID, MaxFrameSize: maxFrameSize})
}

// PerformBegin builds a begin frame replying on the given remote
// channel.
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// ReceiverAttach builds an attach frame as the peer (opposite, sender)
// side of a Session.NewReceiver call.
func ReceiverAttach(linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &encoding.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// SenderAttach builds an attach frame as the peer (opposite, receiver)
// side of a Session.NewSender call.
func SenderAttach(linkName string, linkHandle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &encoding.Target{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		SenderSettleMode:     &mode,
		InitialDeliveryCount: 1,
		MaxMessageSize:       math.MaxUint32,
	})
}

// PerformTransfer builds a single-frame transfer carrying payload as
// one ApplicationData section.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	body := buffer.New(nil)
	if err := encoding.MarshalComposite(body, encoding.TypeCodeApplicationData, []encoding.MarshalField{
		{Value: &payload, Omit: false},
	}); err != nil {
		return nil, err
	}
	return encodeFrame(frames.TypeAMQP, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       body.Detach(),
	})
}

// PerformDisposition builds a disposition settling deliveryID with
// state.
func PerformDisposition(deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformDisposition{
		Role:    encoding.RoleSender,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// PerformFlow builds a flow frame granting credit to linkHandle.
func PerformFlow(linkHandle uint32, deliveryCount, linkCredit uint32) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformFlow{
		Handle:         &linkHandle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		IncomingWindow: 5000,
		OutgoingWindow: 5000,
		NextOutgoingID: 1,
	})
}

// AMQPProto is the pseudo frame type decodeFrame returns for the raw
// 8-byte protocol header handshake.
type AMQPProto struct {
	frames.FrameBody
}

// KeepAlive is the pseudo frame type decodeFrame returns for an empty
// (header-only) frame.
type KeepAlive struct {
	frames.FrameBody
}

func encodeFrame(t uint8, f frames.FrameBody) ([]byte, error) {
	body := buffer.New(nil)
	if err := encoding.Marshal(body, f); err != nil {
		return nil, err
	}
	out := buffer.New(nil)
	out.WriteUint32(uint32(body.Len()) + frames.HeaderSize)
	out.WriteByte(2) // data offset, in 4-byte words
	out.WriteByte(t)
	out.WriteUint16(0) // channel
	out.Append(body.Bytes())
	return out.Detach(), nil
}

func decodeFrame(b []byte) (frames.FrameBody, error) {
	if len(b) >= 4 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}

	size, _, typ, _, err := frames.ParseHeader(b[:frames.HeaderSize], 0)
	if err != nil {
		return nil, err
	}
	if size == frames.HeaderSize {
		return &KeepAlive{}, nil
	}
	return frames.DecodeBody(typ, b[frames.HeaderSize:size])
}
