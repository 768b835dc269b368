package exception

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yanun0323/errors"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		desc       string
		err        error
		transient  bool
		definitive bool
	}{
		{"nil", nil, false, false},
		{"transient", errors.Wrap(ErrGatewayTransient, "dial"), true, false},
		{"definitive", errors.Wrap(ErrGatewayDefinitive, "-1013 filter failure"), false, true},
		{"validation", errors.Wrap(ErrValidation, "notional"), false, true},
		{"deadline", context.DeadlineExceeded, true, false},
		{"unclassified", errors.New("boom"), true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
			assert.Equal(t, tc.definitive, IsDefinitive(tc.err))
		})
	}
}
