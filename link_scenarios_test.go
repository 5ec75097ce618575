package amqp

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/mocks"
	"github.com/stretchr/testify/require"
)

// TestScenarioSettledSend drives Open+Begin+Attach(sender, settled),
// sends a single message, and checks the resulting wire frame both
// decodes back to the expected PerformTransfer and carries the
// transfer/application-data composite descriptors at the byte level,
// then detaches/ends/closes so both peers reach a terminal state.
func TestScenarioSettledSend(t *testing.T) {
	const linkHandle = 1
	var (
		mu       sync.Mutex
		captured []byte
		detached, ended, closed bool
	)
	settleMode := ModeSettled

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
		case *frames.PerformTransfer:
			mu.Lock()
			captured = append([]byte(nil), fr.Payload...)
			mu.Unlock()
			return nil, nil
		case *frames.PerformDetach:
			detached = true
			return nil, nil
		case *frames.PerformEnd:
			ended = true
			return nil, nil
		case *frames.PerformClose:
			closed = true
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	c, err := New(context.Background(), netConn, nil)
	require.NoError(t, err)

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := s.NewSender(context.Background(), "test-target", &SenderOptions{
		AttachOptions: AttachOptions{SettlementMode: &settleMode},
	})
	require.NoError(t, err)

	require.NoError(t, snd.Send(context.Background(), NewMessage([]byte("Hello AMQP"))))

	mu.Lock()
	payload := captured
	mu.Unlock()
	require.NotEmpty(t, payload)

	// The application-data section is a described list: constructor
	// (0x00), smallulong format code (0x53), descriptor 0x75, then the
	// binary-encoded body containing the literal message bytes.
	require.True(t, bytes.Contains(payload, []byte{0x00, 0x53, 0x75}), "application-data descriptor not found in payload")
	require.True(t, bytes.Contains(payload, []byte("Hello AMQP")), "message bytes not found in payload")

	var msg Message
	require.NoError(t, msg.unmarshalBytes(payload))
	require.Equal(t, "Hello AMQP", string(msg.GetData()))

	require.NoError(t, snd.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, c.Close())

	require.True(t, detached)
	require.True(t, ended)
	require.True(t, closed)
}

// TestScenarioUnsettledSendDisposition attaches with snd-settle-mode
// unsettled, has the peer send a matching Accepted disposition, and
// checks Send reports no error and the session's unsettled-by-
// delivery-id map is empty afterward.
func TestScenarioUnsettledSendDisposition(t *testing.T) {
	const linkHandle = 2
	settleMode := ModeUnsettled

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
			return mocks.PerformDisposition(*fr.DeliveryID, new(encoding.StateAccepted))
		case *frames.PerformDetach:
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	})

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)

	snd, err := s.NewSender(context.Background(), "test-target", &SenderOptions{
		AttachOptions: AttachOptions{SettlementMode: &settleMode},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage([]byte("Hello AMQP"))))

	require.Empty(t, s.unsettled, "session's unsettled-by-delivery-id map should be drained after the disposition")
	require.Empty(t, snd.unsettled, "link's unsettled-by-tag map should be drained after the disposition")
}

// TestScenarioMultiFrameTransfer forces a small negotiated
// max-frame-size and sends a 10 KiB payload, checking it's split into
// at least 20 continuation transfers, that only the first fragment
// carries delivery-id/delivery-tag/message-format, and that the
// receiver side reassembles the exact original payload.
func TestScenarioMultiFrameTransfer(t *testing.T) {
	const linkHandle = 3
	settleMode := ModeSettled

	var (
		mu          sync.Mutex
		fragments   int
		moreOnAllButLast bool
		sawBareContinuation bool
		reassembled []byte
	)

	netConn := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch fr := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpenMaxFrameSize("peer", 512)
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(fr.Name, linkHandle, ModeSettled)
		case *frames.PerformTransfer:
			mu.Lock()
			fragments++
			if fr.DeliveryID == nil && len(fr.DeliveryTag) == 0 && fr.MessageFormat == nil {
				sawBareContinuation = true
			}
			if !fr.More {
				moreOnAllButLast = true
			}
			reassembled = append(reassembled, fr.Payload...)
			mu.Unlock()
			return nil, nil
		case *frames.PerformDetach:
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

	snd, err := s.NewSender(context.Background(), "test-target", &SenderOptions{
		AttachOptions: AttachOptions{SettlementMode: &settleMode},
	})
	require.NoError(t, err)

	body := bytes.Repeat([]byte("x"), 10*1024)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, snd.Send(ctx, NewMessage(body)))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, fragments, 20, "expected at least 20 transfer fragments for a 10KiB payload at max-frame-size 512")
	require.True(t, moreOnAllButLast)
	require.True(t, sawBareContinuation, "continuation transfers must omit delivery-id/delivery-tag/message-format")

	var msg Message
	require.NoError(t, msg.unmarshalBytes(reassembled))
	require.Equal(t, body, msg.GetData())
}

// TestScenarioCreditExhaustion grants the sender 3 units of credit,
// confirms the first three sends go through, confirms a fourth send
// blocks, then grants more credit and confirms it unblocks.
func TestScenarioCreditExhaustion(t *testing.T) {
	const linkHandle = 4
	settleMode := ModeSettled

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
		case *frames.PerformTransfer:
			return nil, nil
		case *frames.PerformDetach:
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

	snd, err := s.NewSender(context.Background(), "test-target", &SenderOptions{
		AttachOptions: AttachOptions{SettlementMode: &settleMode},
	})
	require.NoError(t, err)

	flow, err := mocks.PerformFlow(linkHandle, 0, 3)
	require.NoError(t, err)
	netConn.Inject(flow)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, snd.Send(ctx, NewMessage([]byte("msg"))))
	}

	fourthDone := make(chan error, 1)
	go func() {
		fourthDone <- snd.Send(context.Background(), NewMessage([]byte("msg4")))
	}()

	select {
	case <-fourthDone:
		t.Fatal("fourth send should have suspended pending more credit")
	case <-time.After(150 * time.Millisecond):
	}

	moreFlow, err := mocks.PerformFlow(linkHandle, 3, 2)
	require.NoError(t, err)
	netConn.Inject(moreFlow)

	select {
	case err := <-fourthDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fourth send never unblocked after more credit arrived")
	}
}
