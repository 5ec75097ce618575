package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/debug"
	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/shared"
)

const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
	minMaxFrameSize     = 512
)

// ConnOptions configures a Conn created by Dial or New.
type ConnOptions struct {
	// ContainerID identifies this peer to the remote; a random value
	// is generated if empty.
	ContainerID string
	// HostName is sent as Open.Hostname, used by some brokers for
	// virtual-host routing. Left unset when empty; it is not derived
	// from the dialed address.
	HostName string
	// MaxFrameSize caps the size of frames we are willing to receive.
	// Defaults to 65536; the protocol minimum is 512.
	MaxFrameSize uint32
	// ChannelMax caps the number of concurrently open sessions minus
	// one (channels are 0-indexed). Defaults to 65535.
	ChannelMax uint16
	// IdleTimeout is the maximum duration this peer will wait between
	// frames, including empty frames, before considering the
	// connection dead. Zero disables idle timeout enforcement.
	IdleTimeout time.Duration
	// TLSConfig enables TLS when dialing with Dial.
	TLSConfig *tls.Config
	// SASLType selects and configures the SASL mechanism used during
	// the connection handshake. Defaults to SASL disabled (the peer
	// must accept a bare AMQP protocol header). Client-side only.
	SASLType SASLType
	// SASLVerifiers lists the SASL mechanisms a listener (Server)
	// offers and how to verify them. Nil disables SASL: the listener
	// expects a bare AMQP protocol header. Server-side only.
	SASLVerifiers []SASLVerifier
	// Properties are sent in Open.Properties.
	Properties map[string]any
}

// Conn is an AMQP 1.0 connection: one TCP (or TLS) socket carrying a
// negotiated protocol header, an optional SASL handshake, and then a
// stream of framed performatives multiplexed across sessions.
type Conn struct {
	net net.Conn

	Done chan struct{} // closed once the connection has shut down
	err  error

	closeOnce sync.Once

	containerID string

	MaxFrameSize     uint32 // ours, advertised in Open
	PeerMaxFrameSize uint32 // the remote's, learned from its Open
	channelMax       uint16
	idleTimeout      time.Duration
	peerIdleTimeout  time.Duration

	outgoingLocale encoding.MultiSymbol

	tx chan frameEnvelope // session mux -> connWriter

	mu             sync.Mutex
	sessions       map[uint16]*Session // our own channel -> session, for local bookkeeping
	remoteSessions map[uint16]*Session // peer's channel -> session, used to route inbound frames
	nextChannel    uint16

	// incomingSessions carries peer-initiated BEGIN frames that don't
	// match an existing session, for a listener to accept.
	incomingSessions chan frames.Frame

	lastRxTime time.Time
	rxMu       sync.Mutex
}

// frameEnvelope pairs a frame body with its channel and (for
// transfers) settlement notification channel, for the connWriter
// goroutine.
type frameEnvelope struct {
	channel uint16
	body    frames.FrameBody
	done    chan encoding.DeliveryState
}

// Dial connects to addr (host:port), negotiates the protocol header
// and optional SASL layer, exchanges OPEN performatives, and starts
// the connection's reader/writer goroutines.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	dialer := &net.Dialer{}
	var netConn net.Conn
	var err error
	if opts != nil && opts.TLSConfig != nil {
		netConn, err = dialTLS(ctx, dialer, addr, opts.TLSConfig)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("amqp: dial %s: %w", addr, err)
	}
	return New(ctx, netConn, opts)
}

func dialTLS(ctx context.Context, d *net.Dialer, addr string, cfg *tls.Config) (net.Conn, error) {
	tlsDialer := &tls.Dialer{NetDialer: d, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

// New wraps an already-established net.Conn (e.g. a mock transport in
// tests) and performs the same client-side handshake Dial does.
func New(ctx context.Context, netConn net.Conn, opts *ConnOptions) (*Conn, error) {
	return newConn(ctx, netConn, opts, false)
}

// Server wraps an already-accepted net.Conn (from a net.Listener) and
// drives the listener side of the same handshake: await the peer's
// protocol header and OPEN instead of sending first. The core state
// machine is symmetric, so a Conn built by Server behaves identically
// to one built by Dial/New once the handshake completes.
func Server(ctx context.Context, netConn net.Conn, opts *ConnOptions) (*Conn, error) {
	return newConn(ctx, netConn, opts, true)
}

func newConn(ctx context.Context, netConn net.Conn, opts *ConnOptions, isServer bool) (*Conn, error) {
	c := &Conn{
		net:          netConn,
		Done:         make(chan struct{}),
		MaxFrameSize: defaultMaxFrameSize,
		channelMax:   defaultChannelMax,
		tx:               make(chan frameEnvelope, 64),
		sessions:         make(map[uint16]*Session),
		remoteSessions:   make(map[uint16]*Session),
		incomingSessions: make(chan frames.Frame, 16),
	}
	if opts != nil {
		if opts.ContainerID != "" {
			c.containerID = opts.ContainerID
		}
		if opts.MaxFrameSize >= minMaxFrameSize {
			c.MaxFrameSize = opts.MaxFrameSize
		}
		if opts.ChannelMax != 0 {
			c.channelMax = opts.ChannelMax
		}
		c.idleTimeout = opts.IdleTimeout
	}
	if c.containerID == "" {
		c.containerID = generateContainerID()
	}

	if isServer {
		if opts != nil && len(opts.SASLVerifiers) > 0 {
			if err := c.awaitProtoHeader(ctx, frames.ProtoSASL); err != nil {
				return nil, err
			}
			if err := serverSASLHandshake(ctx, c, opts.SASLVerifiers); err != nil {
				return nil, err
			}
		}
		if err := c.awaitProtoHeader(ctx, frames.ProtoAMQP); err != nil {
			return nil, err
		}
		if err := c.exchangeOpenServer(ctx, opts); err != nil {
			return nil, err
		}
	} else {
		if opts != nil && opts.SASLType != nil {
			if err := c.negotiateProtoHeader(ctx, frames.ProtoSASL); err != nil {
				return nil, err
			}
			if err := clientSASLHandshake(ctx, c, opts.SASLType); err != nil {
				return nil, err
			}
		}
		if err := c.negotiateProtoHeader(ctx, frames.ProtoAMQP); err != nil {
			return nil, err
		}
		if err := c.exchangeOpen(ctx, opts); err != nil {
			return nil, err
		}
	}

	c.noteRx()

	go c.connWriter()
	go c.connReader()
	if c.idleTimeout > 0 {
		go c.idleTimeoutWatcher()
	}

	return c, nil
}

func generateContainerID() string {
	return "go-amqp-" + shared.RandString(12)
}

func (c *Conn) negotiateProtoHeader(ctx context.Context, id frames.ProtoID) error {
	hdr := frames.ProtoHeader{ProtoID: id, Major: 1}
	enc := hdr.Encode()
	if _, err := c.net.Write(enc[:]); err != nil {
		return fmt.Errorf("amqp: writing protocol header: %w", err)
	}

	buf := make([]byte, 8)
	if dl, ok := ctx.Deadline(); ok {
		_ = c.net.SetReadDeadline(dl)
	}
	if _, err := readFull(c.net, buf); err != nil {
		return fmt.Errorf("amqp: reading protocol header: %w", err)
	}
	_ = c.net.SetReadDeadline(time.Time{})

	got, err := frames.DecodeProtoHeader(buf)
	if err != nil {
		return err
	}
	if got.ProtoID != id {
		return fmt.Errorf("amqp: protocol header mismatch: want proto %d, got %d", id, got.ProtoID)
	}
	return nil
}

// awaitProtoHeader is the listener-side mirror of negotiateProtoHeader:
// it reads the peer's header first, validates it, then echoes back
// its own (matching the server role of the client/server handshake
// described by section 2.2 of the protocol).
func (c *Conn) awaitProtoHeader(ctx context.Context, id frames.ProtoID) error {
	buf := make([]byte, 8)
	if dl, ok := ctx.Deadline(); ok {
		_ = c.net.SetReadDeadline(dl)
	}
	if _, err := readFull(c.net, buf); err != nil {
		return fmt.Errorf("amqp: reading protocol header: %w", err)
	}
	_ = c.net.SetReadDeadline(time.Time{})

	got, err := frames.DecodeProtoHeader(buf)
	if err != nil {
		return err
	}
	if got.ProtoID != id {
		return fmt.Errorf("amqp: protocol header mismatch: want proto %d, got %d", id, got.ProtoID)
	}

	hdr := frames.ProtoHeader{ProtoID: id, Major: 1}
	enc := hdr.Encode()
	if _, err := c.net.Write(enc[:]); err != nil {
		return fmt.Errorf("amqp: writing protocol header: %w", err)
	}
	return nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Conn) exchangeOpen(ctx context.Context, opts *ConnOptions) error {
	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		MaxFrameSize: c.MaxFrameSize,
		ChannelMax:   c.channelMax,
	}
	if opts != nil {
		open.Hostname = opts.HostName
		if opts.IdleTimeout > 0 {
			open.IdleTimeout = encoding.Milliseconds(opts.IdleTimeout)
		}
		if len(opts.Properties) > 0 {
			open.Properties = make(map[encoding.Symbol]any, len(opts.Properties))
			for k, v := range opts.Properties {
				open.Properties[encoding.Symbol(k)] = v
			}
		}
	}

	if err := c.writeFrame(0, open); err != nil {
		return err
	}

	fr, err := c.readFrame(ctx)
	if err != nil {
		return err
	}
	resp, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected open, got %T", fr.Body)
	}
	c.PeerMaxFrameSize = resp.MaxFrameSize
	if c.PeerMaxFrameSize == 0 {
		c.PeerMaxFrameSize = defaultMaxFrameSize
	}
	c.peerIdleTimeout = resp.IdleTimeout.Duration()
	return nil
}

// exchangeOpenServer is the listener-side mirror of exchangeOpen: it
// waits for the client's OPEN before sending its own reply.
func (c *Conn) exchangeOpenServer(ctx context.Context, opts *ConnOptions) error {
	fr, err := c.readFrame(ctx)
	if err != nil {
		return err
	}
	peer, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected open, got %T", fr.Body)
	}
	c.PeerMaxFrameSize = peer.MaxFrameSize
	if c.PeerMaxFrameSize == 0 {
		c.PeerMaxFrameSize = defaultMaxFrameSize
	}
	c.peerIdleTimeout = peer.IdleTimeout.Duration()

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		MaxFrameSize: c.MaxFrameSize,
		ChannelMax:   c.channelMax,
	}
	if opts != nil {
		open.Hostname = opts.HostName
		if opts.IdleTimeout > 0 {
			open.IdleTimeout = encoding.Milliseconds(opts.IdleTimeout)
		}
		if len(opts.Properties) > 0 {
			open.Properties = make(map[encoding.Symbol]any, len(opts.Properties))
			for k, v := range opts.Properties {
				open.Properties[encoding.Symbol(k)] = v
			}
		}
	}
	return c.writeFrame(0, open)
}

// writeFrame encodes and writes fr synchronously, bypassing connWriter;
// used for the handshake (SASL and OPEN) and for outgoing CLOSE frames.
func (c *Conn) writeFrame(channel uint16, body frames.FrameBody) error {
	buf := buffer.New(nil)
	if err := frames.WriteFrame(buf, &frames.Frame{Type: frames.TypeAMQP, Channel: channel, Body: body}); err != nil {
		return err
	}
	_, err := c.net.Write(buf.Bytes())
	return err
}

// readFrame reads and decodes a single frame synchronously; used only
// during the handshake, before connReader takes over the socket.
func (c *Conn) readFrame(ctx context.Context) (frames.Frame, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.net.SetReadDeadline(dl)
		defer c.net.SetReadDeadline(time.Time{})
	}
	return readOneFrame(c.net, 0)
}

// readOneFrame reads and decodes exactly one frame from r. A
// maxFrameSize of 0 disables the inbound size check (used during the
// handshake, before a max-frame-size has been negotiated).
func readOneFrame(r net.Conn, maxFrameSize uint32) (frames.Frame, error) {
	hdr := make([]byte, frames.HeaderSize)
	if _, err := readFull(r, hdr); err != nil {
		return frames.Frame{}, err
	}
	size, dataOffset, typ, channel, err := frames.ParseHeader(hdr, maxFrameSize)
	if err != nil {
		return frames.Frame{}, err
	}
	bodyLen := int(size) - int(dataOffset)*4
	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		if _, err := readFull(r, body); err != nil {
			return frames.Frame{}, err
		}
	}
	fb, err := frames.DecodeBody(typ, body)
	if err != nil {
		return frames.Frame{}, err
	}
	return frames.Frame{Type: typ, Channel: channel, Body: fb}, nil
}

// txFrame queues body for the connWriter goroutine to send on channel.
func (c *Conn) txFrame(channel uint16, body frames.FrameBody, done chan encoding.DeliveryState) error {
	select {
	case c.tx <- frameEnvelope{channel: channel, body: body, done: done}:
		return nil
	case <-c.Done:
		return c.err
	}
}

// connWriter serializes all writes to the transport: both
// session/link-originated frames and periodic empty keep-alive frames
// when an idle timeout was negotiated with the peer.
func (c *Conn) connWriter() {
	var keepAlive <-chan time.Time
	if c.peerIdleTimeout > 0 {
		interval := c.peerIdleTimeout / 2
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case env := <-c.tx:
			buf := buffer.New(nil)
			if err := frames.WriteFrame(buf, &frames.Frame{Type: frames.TypeAMQP, Channel: env.channel, Body: env.body}); err != nil {
				c.shutdown(err)
				return
			}
			debug.Log(2, "TX (conn): channel %d: %v", env.channel, env.body)
			if _, err := c.net.Write(buf.Bytes()); err != nil {
				c.shutdown(err)
				return
			}
			if tr, ok := env.body.(*frames.PerformTransfer); ok && tr.Settled && env.done != nil {
				select {
				case env.done <- nil:
				default:
				}
			}

		case <-keepAlive:
			buf := buffer.New(nil)
			buf.Write([]byte{0, 0, 0, 0, frames.MinDataOffset, frames.TypeAMQP})
			buf.WriteUint16(0)
			buf.PutUint32At(0, frames.HeaderSize)
			if _, err := c.net.Write(buf.Bytes()); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.Done:
			return
		}
	}
}

// connReader owns the socket for reading: it decodes frames and
// routes them either to a session's mux (via muxReceived) or handles
// connection-scoped frames (begin-reply channel mapping, close) here.
func (c *Conn) connReader() {
	for {
		fr, err := readOneFrame(c.net, c.MaxFrameSize)
		if err != nil {
			c.shutdown(&ConnError{inner: err})
			return
		}
		c.noteRx()

		if fr.Body == nil {
			debug.Log(3, "RX (conn): channel %d: keep-alive", fr.Channel)
			continue
		}

		if cl, ok := fr.Body.(*frames.PerformClose); ok {
			debug.Log(1, "RX (conn): close: %v", cl.Error)
			_ = c.writeFrame(0, &frames.PerformClose{})
			c.shutdown(&ConnError{RemoteError: cl.Error})
			return
		}

		c.routeFrame(fr)
	}
}

func (c *Conn) noteRx() {
	c.rxMu.Lock()
	c.lastRxTime = time.Now()
	c.rxMu.Unlock()
}

func (c *Conn) idleTimeoutWatcher() {
	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rxMu.Lock()
			last := c.lastRxTime
			c.rxMu.Unlock()
			if !last.IsZero() && time.Since(last) > c.idleTimeout {
				connErr := &encoding.Error{Condition: ErrCondResourceLimitExceeded, Description: "no frame received within the idle timeout"}
				_ = c.writeFrame(0, &frames.PerformClose{Error: connErr})
				c.shutdown(&ConnError{RemoteError: connErr})
				return
			}
		case <-c.Done:
			return
		}
	}
}

// routeFrame dispatches fr to the session registered for the peer's
// channel (as distinct from our own local channel for the same
// session: each side numbers channels independently, so frames the
// peer sends us always carry the channel number they chose). A BEGIN
// that names our channel via RemoteChannel is the reply to a session
// we initiated; one that doesn't is the first frame of a peer-
// initiated session, queued for AcceptSession.
func (c *Conn) routeFrame(fr frames.Frame) {
	c.mu.Lock()
	s, ok := c.remoteSessions[fr.Channel]
	c.mu.Unlock()
	if ok {
		s.muxReceived(fr)
		return
	}

	begin, isBegin := fr.Body.(*frames.PerformBegin)
	if !isBegin {
		debug.Log(1, "RX (conn): frame on unknown channel %d: %T", fr.Channel, fr.Body)
		return
	}
	if begin.RemoteChannel != nil {
		c.mu.Lock()
		s, ok := c.sessions[*begin.RemoteChannel]
		c.mu.Unlock()
		if ok {
			c.registerRemoteChannel(fr.Channel, s)
			s.muxReceived(fr)
			return
		}
	}
	select {
	case c.incomingSessions <- fr:
	default:
		debug.Log(1, "conn: incoming session queue full, dropping begin on channel %d", fr.Channel)
	}
}

// removeSession drops s from both channel tables once it has ended.
func (c *Conn) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.channel)
	delete(c.remoteSessions, s.remoteChannel)
	c.mu.Unlock()
}

// registerRemoteChannel records the peer's channel number for s, once
// learned from its BEGIN (as an initial reply, or as the frame that
// initiated a peer-initiated session).
func (c *Conn) registerRemoteChannel(peerChannel uint16, s *Session) {
	c.mu.Lock()
	c.remoteSessions[peerChannel] = s
	c.mu.Unlock()
}

// AcceptSession blocks until the peer begins a new session on this
// connection, or the connection closes.
func (c *Conn) AcceptSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	select {
	case fr := <-c.incomingSessions:
		return c.acceptSession(ctx, fr, opts)
	case <-c.Done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) acceptSession(ctx context.Context, fr frames.Frame, opts *SessionOptions) (*Session, error) {
	peerBegin, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		return nil, fmt.Errorf("amqp: expected begin, got %T", fr.Body)
	}

	c.mu.Lock()
	channel := c.nextChannel
	c.nextChannel++
	s := newSession(c, channel, opts)
	c.sessions[channel] = s
	c.mu.Unlock()

	s.remoteChannel = fr.Channel
	s.nextIncomingID = peerBegin.NextOutgoingID
	s.remoteIncomingWindow = peerBegin.IncomingWindow
	s.remoteOutgoingWindow = peerBegin.OutgoingWindow
	c.registerRemoteChannel(fr.Channel, s)

	remoteChannel := fr.Channel
	begin := &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if err := c.txFrame(channel, begin, nil); err != nil {
		c.mu.Lock()
		delete(c.sessions, channel)
		delete(c.remoteSessions, fr.Channel)
		c.mu.Unlock()
		return nil, err
	}

	go s.mux()
	return s, nil
}

// NewSession begins a new session over this connection.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	c.mu.Lock()
	channel := c.nextChannel
	c.nextChannel++
	s := newSession(c, channel, opts)
	c.sessions[channel] = s
	c.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessions, channel)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Close sends a CLOSE performative, shuts the connection down and closes
// the transport; it does not wait for the peer's reply. Calling Close
// again after an earlier Close is a no-op that returns nil.
func (c *Conn) Close() error {
	select {
	case <-c.Done:
		if c.err == ErrConnClosed {
			return nil
		}
	default:
	}
	_ = c.writeFrame(0, &frames.PerformClose{})
	c.shutdown(nil)
	return c.net.Close()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		c.err = err

		c.mu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()
		for _, s := range sessions {
			s.shutdown(err)
		}

		close(c.Done)
	})
}
