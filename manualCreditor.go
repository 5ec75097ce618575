package amqp

import (
	"context"
	"errors"
	"sync"
)

// manualCreditor accumulates credit/drain requests issued by the
// caller between flow frames, for a Receiver configured with
// CreditModeManual.
type manualCreditor struct {
	mu sync.Mutex

	pendingDrain bool
	creditsToAdd uint32

	// drained is non-nil while a drain is in flight; closed once the
	// peer's responding flow frame arrives.
	drained chan struct{}
}

var (
	errLinkDraining    = errors.New("amqp: link is currently draining, no credits can be added")
	errAlreadyDraining = errors.New("amqp: drain already in progress")

	// ErrCreditLimitExceeded is returned from Receiver.IssueCredit when
	// issuing the requested credit would overflow the receiver's
	// message buffer.
	ErrCreditLimitExceeded = errors.New("amqp: link credit exceeded, too many outstanding messages")
)

// EndDrain ends the current drain, unblocking any active Drain calls.
func (mc *manualCreditor) EndDrain() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.drained != nil {
		close(mc.drained)
		mc.drained = nil
	}
}

// FlowBits returns the drain flag and accumulated credit count for the
// next flow frame, resetting internal state.
func (mc *manualCreditor) FlowBits() (bool, uint32) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	drain := mc.drained != nil
	credits := mc.creditsToAdd

	mc.creditsToAdd = 0
	mc.pendingDrain = false

	return drain, credits
}

// Drain initiates a drain and blocks until the peer's flow response
// ends it.
func (mc *manualCreditor) Drain(ctx context.Context, l *link) error {
	mc.mu.Lock()
	if mc.drained != nil {
		mc.mu.Unlock()
		return errAlreadyDraining
	}
	mc.drained = make(chan struct{})
	drained := mc.drained
	mc.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-l.close:
		return l.err
	case <-l.Detached:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssueCredit queues additional credit to be requested at the next
// FlowBits call, refusing to overrun r's message buffer.
func (mc *manualCreditor) IssueCredit(credits uint32, r *Receiver) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.drained != nil {
		return errLinkDraining
	}

	if len(r.messages)+int(r.linkCredit)+int(credits) > cap(r.messages) {
		return ErrCreditLimitExceeded
	}

	mc.creditsToAdd += credits
	return nil
}
