// Package frames implements the AMQP 1.0 frame codec: the 8-byte
// protocol header preamble, the length-delimited frame header, and the
// fourteen AMQP/SASL performative bodies carried inside frames.
package frames

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/encoding"
)

// Frame types carried in the frame header's TYPE octet.
const (
	TypeAMQP uint8 = 0x00
	TypeSASL uint8 = 0x01
)

const (
	// HeaderSize is the fixed 8-byte frame header: size, doff, type,
	// channel.
	HeaderSize = 8
	// MinDataOffset is the smallest legal DOFF (header-only, no
	// extended header).
	MinDataOffset = 2
)

// Frame is the decoded representation of one AMQP or SASL frame.
type Frame struct {
	Type    uint8 // TypeAMQP or TypeSASL
	Channel uint16
	Body    FrameBody

	// Done is not set or read by the connection's writer; transfers
	// carry their settlement channel in PerformTransfer.Done instead.
	Done chan encoding.DeliveryState
}

// FrameBody adds type safety to the set of values that can ride inside
// a Frame.
type FrameBody interface {
	frameBody()
	marshal(*buffer.Buffer) error
	unmarshal(*buffer.Buffer) error
}

// ProtoID identifies which sub-protocol a protocol header precedes.
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0
	ProtoTLS  ProtoID = 2
	ProtoSASL ProtoID = 3
)

// ProtoHeader is the 8 literal bytes exchanged before the frame stream
// begins: 'A','M','Q','P', proto-id, major, minor, revision.
type ProtoHeader struct {
	ProtoID  ProtoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// Encode writes the 8-byte header literal.
func (h ProtoHeader) Encode() [8]byte {
	return [8]byte{'A', 'M', 'Q', 'P', byte(h.ProtoID), h.Major, h.Minor, h.Revision}
}

// DecodeProtoHeader validates and parses an 8-byte header previously
// read from the transport.
func DecodeProtoHeader(b []byte) (ProtoHeader, error) {
	if len(b) != 8 {
		return ProtoHeader{}, fmt.Errorf("frames: short protocol header (%d bytes)", len(b))
	}
	if string(b[:4]) != "AMQP" {
		return ProtoHeader{}, fmt.Errorf("frames: invalid protocol header preamble %q", b[:4])
	}
	return ProtoHeader{
		ProtoID:  ProtoID(b[4]),
		Major:    b[5],
		Minor:    b[6],
		Revision: b[7],
	}, nil
}

// WriteFrame encodes fr into buf, including the 8-byte header and the
// backfilled total-size prefix. It does not enforce a max frame size,
// and no caller checks the encoded length against the remote
// max-frame-size before writing it to the transport.
func WriteFrame(buf *buffer.Buffer, fr *Frame) error {
	sizeOffset := buf.Size()
	buf.Write([]byte{0, 0, 0, 0, MinDataOffset, fr.Type})
	buf.WriteUint16(fr.Channel)

	if err := fr.Body.marshal(buf); err != nil {
		return err
	}

	total := buf.Size() - sizeOffset
	if uint(total) > math.MaxUint32 {
		return fmt.Errorf("frames: encoded frame too large (%d bytes)", total)
	}
	buf.PutUint32At(sizeOffset, uint32(total))
	return nil
}

// ParseHeader reads and validates the fixed 8-byte frame header,
// returning the total frame size (including the header) and channel.
// maxFrameSize, if non-zero, is the local inbound budget; frames
// larger than it are a framing error.
func ParseHeader(hdr []byte, maxFrameSize uint32) (size uint32, dataOffset uint8, typ uint8, channel uint16, err error) {
	if len(hdr) != HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("frames: short header (%d bytes)", len(hdr))
	}
	size = binary.BigEndian.Uint32(hdr[0:4])
	dataOffset = hdr[4]
	typ = hdr[5]
	channel = binary.BigEndian.Uint16(hdr[6:8])

	if size < HeaderSize {
		return 0, 0, 0, 0, &FramingError{Msg: fmt.Sprintf("frame size %d smaller than header", size)}
	}
	if dataOffset < MinDataOffset {
		return 0, 0, 0, 0, &FramingError{Msg: fmt.Sprintf("data offset %d smaller than minimum", dataOffset)}
	}
	if maxFrameSize != 0 && size > maxFrameSize {
		return 0, 0, 0, 0, &FramingError{Msg: fmt.Sprintf("frame size %d exceeds max frame size %d", size, maxFrameSize)}
	}
	return size, dataOffset, typ, channel, nil
}

// FramingError is returned for any violation of the frame header
// invariants (size, data-offset, max-frame-size). It maps to the
// amqp:connection:framing-error condition.
type FramingError struct {
	Msg string
}

func (e *FramingError) Error() string { return "frames: framing error: " + e.Msg }

// DecodeBody parses the performative/SASL body out of body (the frame
// payload after the header and any extended header), dispatching on
// the descriptor code found in the described-type constructor. An
// empty body decodes as a nil FrameBody (the heartbeat case).
func DecodeBody(typ uint8, body []byte) (FrameBody, error) {
	if len(body) == 0 {
		return nil, nil
	}
	r := buffer.New(body)
	b0, err := r.PeekByte()
	if err != nil {
		return nil, err
	}
	if b0 != 0x00 {
		return nil, fmt.Errorf("frames: expected described-type frame body, got 0x%x", b0)
	}

	// peek the descriptor without consuming, by decoding from a copy.
	peek := *r
	peek.ReadByte()
	var code uint64
	if err := encoding.Unmarshal(&peek, &code); err != nil {
		return nil, err
	}

	var fb FrameBody
	if typ == TypeSASL {
		switch encoding.AMQPType(code) {
		case encoding.TypeCodeSASLMechanisms:
			fb = new(SASLMechanisms)
		case encoding.TypeCodeSASLInit:
			fb = new(SASLInit)
		case encoding.TypeCodeSASLChallenge:
			fb = new(SASLChallenge)
		case encoding.TypeCodeSASLResponse:
			fb = new(SASLResponse)
		case encoding.TypeCodeSASLOutcome:
			fb = new(SASLOutcome)
		default:
			return nil, fmt.Errorf("frames: unknown SASL descriptor 0x%x", code)
		}
	} else {
		switch encoding.AMQPType(code) {
		case encoding.TypeCodeOpen:
			fb = new(PerformOpen)
		case encoding.TypeCodeBegin:
			fb = new(PerformBegin)
		case encoding.TypeCodeAttach:
			fb = new(PerformAttach)
		case encoding.TypeCodeFlow:
			fb = new(PerformFlow)
		case encoding.TypeCodeTransfer:
			fb = new(PerformTransfer)
		case encoding.TypeCodeDisposition:
			fb = new(PerformDisposition)
		case encoding.TypeCodeDetach:
			fb = new(PerformDetach)
		case encoding.TypeCodeEnd:
			fb = new(PerformEnd)
		case encoding.TypeCodeClose:
			fb = new(PerformClose)
		default:
			return nil, fmt.Errorf("frames: unknown AMQP descriptor 0x%x", code)
		}
	}

	if err := fb.unmarshal(r); err != nil {
		return nil, err
	}
	return fb, nil
}
