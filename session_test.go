package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/mocks"
	"github.com/stretchr/testify/require"
)

// dialTestConn builds a Conn whose handshake is satisfied entirely by
// resp, matching new incoming frames to canned replies the way a real
// peer's session/link state machine would.
func dialTestConn(t *testing.T, resp func(frames.FrameBody) ([]byte, error)) *Conn {
	t.Helper()
	netConn := mocks.NewConnection(resp)
	c, err := New(context.Background(), netConn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSessionBeginEnd(t *testing.T) {
	c := dialTestConn(t, func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, s)

	require.NoError(t, s.Close(context.Background()))
}

// TestSenderReceiverRoundTrip attaches a sender, sends one message, and
// verifies the peer sees the transfer and the sender sees the
// resulting disposition settle it.
func TestSenderReceiverRoundTrip(t *testing.T) {
	const linkHandle = 7
	settled := make(chan struct{})

	c := dialTestConn(t, func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(fr.Name, linkHandle, ModeUnsettled)
		case *frames.PerformTransfer:
			close(settled)
			return mocks.PerformDisposition(*fr.DeliveryID, new(encoding.StateAccepted))
		case *frames.PerformDetach:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := s.NewSender(context.Background(), "test-target", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage([]byte("hello"))))

	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("peer never observed the transfer")
	}
}

// TestReceiverReceivesMessage attaches a receiver and feeds it a
// transfer as if from the peer, verifying Receive surfaces it.
func TestReceiverReceivesMessage(t *testing.T) {
	const linkHandle = 3
	netConn := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(fr.Name, linkHandle, ModeSettled)
		case *frames.PerformFlow, *frames.PerformDisposition, *frames.PerformDetach:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})
	c, err := New(context.Background(), netConn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	rcv, err := s.NewReceiver(context.Background(), "test-source", nil)
	require.NoError(t, err)

	// linkHandle is the handle the peer assigned itself in its own
	// attach (mocks.SenderAttach above); frames the peer sends us carry
	// that handle, not our own local one, mirroring the protocol's
	// per-endpoint handle numbering.
	transfer, err := mocks.PerformTransfer(linkHandle, 1, []byte("world"))
	require.NoError(t, err)
	netConn.Inject(transfer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := rcv.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "world", string(msg.GetData()))
}
