// SPDX-License-Identifier: Apache-2.0

package chatretry

import (
	"context"
	"testing"

	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLifecycle(t *testing.T) {
	var st State
	assert.False(t, st.ShouldShowRetryPopup())

	st.BeginAttempt("sell my AAPL", "thread-1")
	assert.False(t, st.ShouldShowRetryPopup())

	st.HandleSendFailure()
	assert.True(t, st.ShouldShowRetryPopup())
	assert.Equal(t, "sell my AAPL", st.LastFailedMessage)

	// A retry starts a fresh attempt for the same message.
	st.BeginAttempt(st.LastFailedMessage, st.LastFailedThreadID)
	assert.False(t, st.ShouldShowRetryPopup())

	st.HandleSendSuccess()
	assert.False(t, st.ShouldShowRetryPopup())
	assert.Equal(t, State{}, st)
}

func TestStateDismiss(t *testing.T) {
	var st State
	st.BeginAttempt("hi", "thread-1")
	st.HandleSendFailure()
	st.Dismiss()
	assert.False(t, st.ShouldShowRetryPopup())
}

func TestFailureWithoutThreadHasNoPopup(t *testing.T) {
	var st State
	st.BeginAttempt("hi", "")
	st.HandleSendFailure()
	assert.False(t, st.ShouldShowRetryPopup())
}

func TestStoreIsScopedPerSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemoryStore(), 0)

	_, err := store.Update(ctx, "user-1", "s1", func(st *State) {
		st.BeginAttempt("hello", "thread-1")
		st.HandleSendFailure()
	})
	require.NoError(t, err)

	st, err := store.Load(ctx, "user-1", "s1")
	require.NoError(t, err)
	assert.True(t, st.ShouldShowRetryPopup())

	other, err := store.Load(ctx, "user-1", "s2")
	require.NoError(t, err)
	assert.False(t, other.ShouldShowRetryPopup())

	otherUser, err := store.Load(ctx, "user-2", "s1")
	require.NoError(t, err)
	assert.Equal(t, State{}, otherUser)

	_, err = store.Update(ctx, "user-1", "s1", (*State).Dismiss)
	require.NoError(t, err)
	st, err = store.Load(ctx, "user-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, State{}, st)
}
