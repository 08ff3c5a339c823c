// Package gateway is the HTTPS CCC client (C3): login-options
// discovery, the multi-factor authentication dialogue, SSO hand-off,
// certificate enrollment, and signout, all carried as S-expression
// payloads over the gateway's /clients/ endpoint.
package gateway

import "time"

// Factor describes one credential the gateway wants, discovered as
// part of LoginOptions (spec §3).
type Factor struct {
	Kind   string // "password", "otp", "push", ...
	Prompt string
	Secret bool
}

// LoginOption is one selectable login type (the gateway's login_type
// id) with the factors it requires.
type LoginOption struct {
	ID          string
	DisplayName string
	Factors     []Factor
}

// LoginOptions is the discovery result from the /clients/ endpoint
// (spec §3, §4.3): selectable login types, supported/preferred
// tunnel protocols, and gateway-advertised connectivity info.
type LoginOptions struct {
	Options             []LoginOption
	SupportedProtocols   []string
	PreferredProtocol    string
	TCPTPort             int
	NATTPort             int
	InternalCAFingerprint [32]byte
	ServerIP              string
}

// FindOption looks up a login option by id.
func (l *LoginOptions) FindOption(id string) *LoginOption {
	for i := range l.Options {
		if l.Options[i].ID == id {
			return &l.Options[i]
		}
	}
	return nil
}

// StageKind discriminates the server's reply during the authentication
// dialogue (spec §4.3 step 2).
type StageKind int

const (
	StageOK StageKind = iota
	StageNeedsPassword
	StageChallenge
	StageSSORedirect
	StageError
)

// Stage is one server reply in the authentication loop.
type Stage struct {
	Kind StageKind

	// StageChallenge
	ChallengePrompt string
	ChallengeID     string

	// StageSSORedirect
	SSOURL string

	// Authentication session cookie, present once StageOK is reached.
	SessionCookie string

	// StageError
	ErrorCode string
	ErrorMsg  string
}

// AuthResult is the outcome of a completed authentication dialogue,
// handed to C4 to drive XAuth/Phase-1 identity and to C6 for the SSL
// tunnel-establish record.
type AuthResult struct {
	SessionCookie string
	Username      string
	CompletedAt   time.Time
}

// CertEnrollmentResult carries a freshly issued client certificate
// from the enrollment dialogue (PKCS#8 DER, plus the chain).
type CertEnrollmentResult struct {
	CertificateDER [][]byte
	PrivateKeyDER  []byte
}
