package uiprotect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uilibs/uiprotect/data"
)

func discardf(string, ...any) {}

func TestMessageDispatchOrder(t *testing.T) {
	subs := newSubscribers(10, discardf)
	var got []string
	subs.subscribeMessages(func(m *data.WSSubscriptionMessage) {
		got = append(got, m.ID)
	})

	for i := 0; i < 5; i++ {
		subs.dispatch(&data.WSSubscriptionMessage{ID: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	subs := newSubscribers(10, discardf)
	count := 0
	unsub := subs.subscribeMessages(func(*data.WSSubscriptionMessage) { count++ })
	other := subs.subscribeMessages(func(*data.WSSubscriptionMessage) {})

	unsub()
	unsub()
	unsub()
	subs.dispatch(&data.WSSubscriptionMessage{})
	assert.Zero(t, count)

	// The other subscription survives the repeated unsubscribes.
	subs.mu.Lock()
	assert.Len(t, subs.messages, 1)
	subs.mu.Unlock()
	_ = other
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	subs := newSubscribers(10, discardf)
	var unsub func()
	calls := 0
	unsub = subs.subscribeMessages(func(*data.WSSubscriptionMessage) {
		calls++
		unsub() // self-removal mid-fanout must not break iteration
	})
	subs.dispatch(&data.WSSubscriptionMessage{})
	subs.dispatch(&data.WSSubscriptionMessage{})
	assert.Equal(t, 1, calls)
}

func TestStateChannelDelivery(t *testing.T) {
	subs := newSubscribers(10, discardf)
	ch, unsub := subs.subscribeState()
	defer unsub()

	subs.publishState(StateAuthenticating)
	subs.publishState(StateBootstrapping)

	assert.Equal(t, StateAuthenticating, <-ch)
	assert.Equal(t, StateBootstrapping, <-ch)
}

func TestSlowStateSubscriberDropped(t *testing.T) {
	warned := 0
	subs := newSubscribers(2, func(string, ...any) { warned++ })
	ch, _ := subs.subscribeState()

	// Fill the buffer, then one more: the subscriber is dropped and its
	// channel closed.
	subs.publishState(StateConnecting)
	subs.publishState(StateConnected)
	subs.publishState(StateReconnecting)

	assert.Equal(t, 1, warned)
	assert.Equal(t, StateConnecting, <-ch)
	assert.Equal(t, StateConnected, <-ch)
	_, open := <-ch
	assert.False(t, open, "dropped subscriber's channel is closed")
}

func TestStateTransitionTable(t *testing.T) {
	tests := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateIdle, StateAuthenticating, true},
		{StateAuthenticating, StateBootstrapping, true},
		{StateAuthenticating, StateFailed, true},
		{StateBootstrapping, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateReconnecting, true},
		{StateConnected, StateReconnecting, true},
		{StateConnected, StateClosing, true},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateAuthenticating, true},
		{StateReconnecting, StateFailed, true},
		{StateClosing, StateClosed, true},
		{StateFailed, StateAuthenticating, true},

		{StateIdle, StateConnected, false},
		{StateConnected, StateAuthenticating, false},
		{StateClosed, StateAuthenticating, false},
		{StateFailed, StateConnected, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, transitionAllowed(tt.from, tt.to))
		})
	}
}

func TestCloseAllClosesStateChannels(t *testing.T) {
	subs := newSubscribers(2, discardf)
	ch, _ := subs.subscribeState()
	subs.closeAll()
	_, open := <-ch
	require.False(t, open)
}
