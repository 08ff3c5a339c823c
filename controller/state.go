// Package controller implements the session controller (C7, spec §4.7):
// the single serialized state machine that drives discovery,
// authentication, IKE/ESP or SSL-tunnel establishment, and teardown,
// and that exposes that state over a local IPC socket to the CLI
// front ends.
package controller

import "fmt"

// TunnelState is one point in the controller's lifecycle state machine
// (§4.7). The enum plus an explicit transition table (rather than
// scattering validity checks across call sites) mirrors how
// nasnet-panel's orchestrator tracks instance lifecycle status.
type TunnelState string

const (
	StateIdle             TunnelState = "idle"
	StateDiscovering      TunnelState = "discovering"
	StateAuthenticating   TunnelState = "authenticating"
	StateChallengePending TunnelState = "challenge_pending"
	StateSSOPending       TunnelState = "sso_pending"
	StateEstablishing     TunnelState = "establishing"
	StateConnected        TunnelState = "connected"
	StateReconnectDelay   TunnelState = "reconnect_delay"
	StateDisconnecting    TunnelState = "disconnecting"
)

// ValidTransitions enumerates the states each state may move to. A
// transition not listed here is a programming error, not a runtime
// condition to recover from.
// Discovering/Authenticating/ChallengePending/SSOPending may all land on
// ReconnectDelay instead of Idle: a background ReconnectDelay retry
// (started while an older tunnel is still up) can fail at any of those
// stages without ever touching the tunnel still in use, so the
// controller demotes back to ReconnectDelay rather than Idle (§7).
var ValidTransitions = map[TunnelState][]TunnelState{
	StateIdle:             {StateDiscovering, StateEstablishing}, // Establishing: no-auth resume of a persisted session
	StateDiscovering:      {StateAuthenticating, StateIdle, StateReconnectDelay},
	StateAuthenticating:   {StateChallengePending, StateSSOPending, StateEstablishing, StateIdle, StateReconnectDelay},
	StateChallengePending: {StateAuthenticating, StateIdle, StateReconnectDelay},
	StateSSOPending:       {StateAuthenticating, StateIdle, StateReconnectDelay},
	StateEstablishing:     {StateConnected, StateIdle, StateReconnectDelay},
	StateConnected:        {StateDisconnecting, StateReconnectDelay},
	StateReconnectDelay:   {StateDiscovering, StateIdle, StateDisconnecting},
	StateDisconnecting:    {StateIdle},
}

// CanTransition reports whether moving from from to to is legal.
func CanTransition(from, to TunnelState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// errInvalidTransition names the illegal pair so callers can log it;
// the controller treats this as a bug, never as a retryable condition.
func errInvalidTransition(from, to TunnelState) error {
	return fmt.Errorf("controller: illegal transition %s -> %s", from, to)
}

// NotificationKind discriminates the Notification union sent over a
// Controller's notification channel.
type NotificationKind string

const (
	NotifyStateChanged      NotificationKind = "state_changed"
	NotifyChallengePending  NotificationKind = "challenge_pending"
	NotifySSOPending        NotificationKind = "sso_pending"
	NotifyConnected         NotificationKind = "connected"
	NotifyDisconnected      NotificationKind = "disconnected"
	NotifyError             NotificationKind = "error"
)

// Notification is one asynchronous event the controller emits; ccvpnd
// forwards these to any IPC clients subscribed for status updates.
type Notification struct {
	Kind           NotificationKind
	State          TunnelState
	ChallengePrompt string
	ChallengeID     string
	SSOURL          string
	Err             string
}

// Status is the point-in-time snapshot returned by the "status"
// command and pushed as NotifyStateChanged/NotifyConnected events.
type Status struct {
	State     TunnelState
	InnerIP   string
	PeerAddr  string
	Transport string
	Profile   string
}
