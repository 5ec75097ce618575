package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualCreditorFlowBitsResets(t *testing.T) {
	var mc manualCreditor

	r := &Receiver{messages: make(chan Message, 4)}
	require.NoError(t, mc.IssueCredit(3, r))

	drain, credits := mc.FlowBits()
	require.False(t, drain)
	require.EqualValues(t, 3, credits)

	// a second call sees nothing left to report.
	drain, credits = mc.FlowBits()
	require.False(t, drain)
	require.Zero(t, credits)
}

func TestManualCreditorIssueCreditAccumulates(t *testing.T) {
	var mc manualCreditor
	r := &Receiver{messages: make(chan Message, 10)}

	require.NoError(t, mc.IssueCredit(2, r))
	require.NoError(t, mc.IssueCredit(3, r))

	_, credits := mc.FlowBits()
	require.EqualValues(t, 5, credits)
}

func TestManualCreditorIssueCreditOverCapacity(t *testing.T) {
	var mc manualCreditor
	r := &Receiver{messages: make(chan Message, 4)}
	r.linkCredit = 2

	err := mc.IssueCredit(10, r)
	require.ErrorIs(t, err, ErrCreditLimitExceeded)
}

func TestManualCreditorDrainBlocksUntilEnded(t *testing.T) {
	var mc manualCreditor
	l := &link{close: make(chan struct{}), Detached: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- mc.Drain(context.Background(), l)
	}()

	// Drain is in flight: further issue/drain calls must be refused.
	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return mc.drained != nil
	}, time.Second, time.Millisecond)

	r := &Receiver{messages: make(chan Message, 1)}
	require.ErrorIs(t, mc.IssueCredit(1, r), errLinkDraining)
	require.ErrorIs(t, mc.Drain(context.Background(), l), errAlreadyDraining)

	mc.EndDrain()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Drain did not unblock after EndDrain")
	}
}

func TestManualCreditorDrainUnblocksOnLinkClose(t *testing.T) {
	var mc manualCreditor
	l := &link{close: make(chan struct{}), Detached: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- mc.Drain(context.Background(), l)
	}()

	require.Eventually(t, func() bool {
		mc.mu.Lock()
		defer mc.mu.Unlock()
		return mc.drained != nil
	}, time.Second, time.Millisecond)

	l.err = ErrLinkClosed
	close(l.Detached)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLinkClosed)
	case <-time.After(time.Second):
		t.Fatal("Drain did not unblock after link detached")
	}
}

func TestManualCreditorDrainRespectsContext(t *testing.T) {
	var mc manualCreditor
	l := &link{close: make(chan struct{}), Detached: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mc.Drain(ctx, l)
	require.ErrorIs(t, err, context.Canceled)
}
