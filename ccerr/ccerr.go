// Package ccerr defines the tagged-union error kinds the core
// propagates upward, per the propagation policy: lower layers return a
// typed error, the session controller (C7) decides retry vs. surface.
package ccerr

import "fmt"

// Kind identifies one of the error classes from the error handling
// design. The controller switches on Kind to decide whether to retry,
// demote the tunnel to ReconnectDelay, or surface the error verbatim.
type Kind int

const (
	Configuration Kind = iota
	Network
	ServerReply
	Authentication
	Crypto
	Transport
	Resource
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "Configuration"
	case Network:
		return "Network"
	case ServerReply:
		return "ServerReply"
	case Authentication:
		return "Authentication"
	case Crypto:
		return "Crypto"
	case Transport:
		return "Transport"
	case Resource:
		return "Resource"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the stack. Code is a
// short machine-readable tag (e.g. "endless_challenges", "xfrm_missing")
// used by tests and by the IPC layer; Cause is the wrapped original
// error, if any.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(k Kind, code, msg string, cause error) *Error {
	return &Error{Kind: k, Code: code, Msg: msg, Cause: cause}
}

func Config(code, msg string, cause error) *Error         { return new_(Configuration, code, msg, cause) }
func Net(code, msg string, cause error) *Error            { return new_(Network, code, msg, cause) }
func Reply(code, msg string, cause error) *Error          { return new_(ServerReply, code, msg, cause) }
func Auth(code, msg string, cause error) *Error           { return new_(Authentication, code, msg, cause) }
func CryptoErr(code, msg string, cause error) *Error      { return new_(Crypto, code, msg, cause) }
func Transp(code, msg string, cause error) *Error         { return new_(Transport, code, msg, cause) }
func Res(code, msg string, cause error) *Error            { return new_(Resource, code, msg, cause) }
func Cancel(code, msg string) *Error                      { return new_(Cancelled, code, msg, nil) }

// Retryable reports whether the controller's attempt policy should
// retry this error within the current attempt (only Network errors,
// per §4.3's "network errors retry twice with 2s backoff").
func Retryable(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == Network
	}
	return false
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == k
	}
	return false
}

// as walks err's Unwrap chain by hand and stores the first *Error it
// finds in target, so this file doesn't need to import "errors" for
// errors.As.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
