package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractionStatusTerminal(t *testing.T) {
	assert.False(t, StatusUnprocessed.Terminal())
	assert.False(t, StatusIdentifiersFound.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusNoIdentifiers.Terminal())
	assert.True(t, StatusYes.Terminal())
	assert.True(t, StatusRejected.Terminal())
}

func TestExtractionStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to ExtractionStatus
		ok       bool
	}{
		{StatusUnprocessed, StatusNoIdentifiers, true},
		{StatusUnprocessed, StatusIdentifiersFound, true},
		{StatusUnprocessed, StatusPending, false},
		{StatusUnprocessed, StatusYes, false},
		{StatusIdentifiersFound, StatusPending, true},
		{StatusIdentifiersFound, StatusYes, true},
		{StatusIdentifiersFound, StatusRejected, true},
		{StatusIdentifiersFound, StatusNoIdentifiers, false},
		{StatusPending, StatusYes, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusIdentifiersFound, false},
		{StatusYes, StatusRejected, false},
		{StatusRejected, StatusYes, false},
		{StatusNoIdentifiers, StatusIdentifiersFound, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
