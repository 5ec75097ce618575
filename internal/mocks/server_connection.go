package mocks

import (
	"errors"
	"net"
	"time"

	"github.com/coreamqp/go-amqp/internal/frames"
)

// ServerConnection is a net.Conn test double for the listener role: it
// has no resp callback, since the caller (a test) plays the client
// side directly by injecting bytes with SendClientProtoHeader/
// SendClientOpen and inspecting whatever the engine under test writes
// back.
type ServerConnection struct {
	writes    chan []byte
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool
	pending   []byte
}

// NewServerConnection creates a ServerConnection.
func NewServerConnection() *ServerConnection {
	return &ServerConnection{
		writes:    make(chan []byte, 10),
		readDL:    time.NewTimer(noDeadline),
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

func (m *ServerConnection) Read(b []byte) (int, error) {
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

func (m *ServerConnection) Write(b []byte) (int, error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}
	m.writes <- append([]byte(nil), b...)
	return len(b), nil
}

func (m *ServerConnection) Close() error {
	if m.closed {
		return errors.New("double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *ServerConnection) LocalAddr() net.Addr  { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }
func (m *ServerConnection) RemoteAddr() net.Addr { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }

func (m *ServerConnection) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

func (m *ServerConnection) SetReadDeadline(t time.Time) error {
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

func (m *ServerConnection) SetWriteDeadline(t time.Time) error { return nil }

// SendClientProtoHeader injects the client's AMQP protocol header, as
// the listener's handshake code expects to receive it, then drains the
// listener's reply header off the write side.
func (m *ServerConnection) SendClientProtoHeader() error {
	enc, err := ProtoHeader(ProtoAMQP)
	if err != nil {
		return err
	}
	m.readData <- enc
	<-m.writes
	return nil
}

// SendClientOpen injects a client OPEN frame and drains the listener's
// OPEN reply off the write side.
func (m *ServerConnection) SendClientOpen(containerID string) error {
	enc, err := PerformOpen(containerID)
	if err != nil {
		return err
	}
	m.readData <- enc
	<-m.writes
	return nil
}

// LastWrite returns the most recently captured outbound frame bytes,
// decoded, blocking until one arrives.
func (m *ServerConnection) LastWrite() (frames.FrameBody, error) {
	b := <-m.writes
	return decodeFrame(b)
}
