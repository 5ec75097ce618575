package amqp

import (
	"github.com/coreamqp/go-amqp/internal/frames"
	"github.com/coreamqp/go-amqp/internal/queue"
)

// sessionRxSegmentSize is the segment size for each session's inbound
// frame mailbox. Segments are allocated lazily as traffic demands, so
// this only bounds the size of each allocation, not the mailbox depth.
const sessionRxSegmentSize = 64

// frameMailbox is an unbounded, non-blocking inbound queue for a
// single session's mux goroutine. The connection reader is the sole
// producer and must never stall behind a slow or stuck session, so
// frames accumulate in the segmented queue instead of a fixed-size
// buffered channel; notify is a capacity-1 signal channel a select
// can wait on without polling the queue.
type frameMailbox struct {
	holder *queue.Holder[frames.Frame]
	notify chan struct{}
}

func newFrameMailbox(segmentSize int) *frameMailbox {
	return &frameMailbox{
		holder: queue.NewHolder[frames.Frame](segmentSize),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues fr and wakes a pending receive. It never blocks.
func (m *frameMailbox) push(fr frames.Frame) {
	q := m.holder.Wait()
	q.Enqueue(fr)
	m.holder.Release(q)

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop dequeues the oldest pending frame, if any. Callers drain with
// pop until it returns ok == false before waiting on notify again,
// since a single notify can cover several enqueued frames.
func (m *frameMailbox) pop() (fr frames.Frame, ok bool) {
	q := m.holder.Wait()
	item := q.Dequeue()
	m.holder.Release(q)

	if item == nil {
		return frames.Frame{}, false
	}
	return *item, true
}
