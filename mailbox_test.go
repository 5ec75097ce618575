package amqp

import (
	"testing"
	"time"

	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/stretchr/testify/require"
)

func TestFrameMailboxPopEmpty(t *testing.T) {
	m := newFrameMailbox(4)
	_, ok := m.pop()
	require.False(t, ok)
}

func TestFrameMailboxPushNotifiesAndPreservesOrder(t *testing.T) {
	m := newFrameMailbox(4)

	m.push(frames.Frame{Channel: 1})
	m.push(frames.Frame{Channel: 2})

	select {
	case <-m.notify:
	case <-time.After(time.Second):
		t.Fatal("push did not signal notify")
	}

	fr, ok := m.pop()
	require.True(t, ok)
	require.EqualValues(t, 1, fr.Channel)

	fr, ok = m.pop()
	require.True(t, ok)
	require.EqualValues(t, 2, fr.Channel)

	_, ok = m.pop()
	require.False(t, ok)
}

// TestFrameMailboxSingleNotifyCoversMultiplePushes confirms a single
// notify signal can stand for several already-enqueued frames, which
// is why mux loops drain with pop until it returns false rather than
// waiting on notify once per frame.
func TestFrameMailboxSingleNotifyCoversMultiplePushes(t *testing.T) {
	m := newFrameMailbox(4)

	for i := 0; i < 5; i++ {
		m.push(frames.Frame{Channel: uint16(i)})
	}

	notifies := 0
drain:
	for {
		select {
		case <-m.notify:
			notifies++
		default:
			break drain
		}
	}
	require.Equal(t, 1, notifies)

	count := 0
	for {
		_, ok := m.pop()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 5, count)
}

func TestFrameMailboxPushDoesNotBlock(t *testing.T) {
	m := newFrameMailbox(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.push(frames.Frame{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked despite no reader draining the mailbox")
	}
}
