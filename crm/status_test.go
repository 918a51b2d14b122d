package crm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to crm.Status
		legal    bool
	}{
		{crm.StatusAdded, crm.StatusAdded, true},
		{crm.StatusAdded, crm.StatusActive, true},
		{crm.StatusAdded, crm.StatusExpired, true},
		{crm.StatusActive, crm.StatusActive, true},
		{crm.StatusActive, crm.StatusExpired, true},
		{crm.StatusExpired, crm.StatusExpired, true},
		{crm.StatusExpired, crm.StatusActive, true},
		{crm.StatusActive, crm.StatusAdded, false},
		{crm.StatusExpired, crm.StatusAdded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := crm.CheckTransition(tt.from, tt.to)
			if tt.legal {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, crm.ErrIllegalTransition)
			assert.True(t, crm.IsClientError(err))
			assert.False(t, crm.IsRetryable(err))

			var te *crm.TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.from, te.From)
			assert.Equal(t, tt.to, te.To)
		})
	}
}

func TestCheckTransition_UnknownStatus(t *testing.T) {
	assert.ErrorIs(t, crm.CheckTransition("paused", crm.StatusActive), crm.ErrInvalidStatus)
	assert.ErrorIs(t, crm.CheckTransition(crm.StatusActive, ""), crm.ErrInvalidStatus)
}

func TestParseStatus(t *testing.T) {
	for _, st := range crm.AllStatuses {
		got, err := crm.ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}

	_, err := crm.ParseStatus("ACTIVE")
	assert.ErrorIs(t, err, crm.ErrInvalidStatus)
}

func TestErrorClassification(t *testing.T) {
	consistency := &crm.ConsistencyError{PartnerID: "p-1", Op: "credit commission"}
	assert.ErrorIs(t, consistency, crm.ErrConsistencyViolation)
	assert.True(t, crm.IsRetryable(consistency))
	assert.False(t, crm.IsClientError(consistency))
	assert.Contains(t, consistency.Error(), "p-1")

	assert.True(t, crm.IsRetryable(crm.ErrConcurrentModification))
	assert.True(t, crm.IsNotFound(crm.ErrUserNotFound))
	assert.True(t, crm.IsNotFound(crm.ErrPartnerNotFound))
	assert.False(t, crm.IsNotFound(crm.ErrDuplicateEmail))
	assert.True(t, crm.IsClientError(crm.ErrPartnerInactive))

	te := &crm.TransitionError{UserID: "u-1", From: crm.StatusActive, To: crm.StatusAdded}
	assert.Equal(t, "illegal subscription status transition for u-1: active -> added", te.Error())
}
