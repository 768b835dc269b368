package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatusTerminal(t *testing.T) {
	testCases := []struct {
		status   OrderStatus
		terminal bool
		live     bool
	}{
		{OrderStatusPending, false, false},
		{OrderStatusSubmitted, false, true},
		{OrderStatusPartiallyFilled, false, true},
		{OrderStatusFilled, true, false},
		{OrderStatusCancelled, true, false},
		{OrderStatusRejected, true, false},
		{OrderStatusFailed, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.status.String(), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.status.IsTerminal())
			assert.Equal(t, tc.live, tc.status.IsLive())
		})
	}
}

func TestEnumText(t *testing.T) {
	b, err := OrderStatusPartiallyFilled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "PARTIALLY_FILLED", string(b))

	var status OrderStatus
	require.NoError(t, status.UnmarshalText([]byte("cancelled")))
	assert.Equal(t, OrderStatusCancelled, status)

	var reason RejectReason
	assert.Error(t, reason.UnmarshalText([]byte("nope")))
	assert.False(t, reason.IsAvailable())
}
