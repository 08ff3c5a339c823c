package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionAllowsDocumentedPaths(t *testing.T) {
	cases := []struct {
		from, to TunnelState
		want     bool
	}{
		{StateIdle, StateDiscovering, true},
		{StateDiscovering, StateAuthenticating, true},
		{StateAuthenticating, StateChallengePending, true},
		{StateChallengePending, StateAuthenticating, true},
		{StateEstablishing, StateConnected, true},
		{StateConnected, StateDisconnecting, true},
		{StateDisconnecting, StateIdle, true},
		{StateIdle, StateConnected, false},
		{StateConnected, StateDiscovering, false},
		{StateChallengePending, StateConnected, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestErrInvalidTransitionNamesBothStates(t *testing.T) {
	err := errInvalidTransition(StateIdle, StateConnected)
	assert.Contains(t, err.Error(), string(StateIdle))
	assert.Contains(t, err.Error(), string(StateConnected))
}
