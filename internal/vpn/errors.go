package vpn

import (
	"errors"
	"strings"
)

type ErrorKind string

const (
	KindUnreachable         ErrorKind = "unreachable"
	KindAuthKeyInvalid      ErrorKind = "auth_key_invalid"
	KindExitNodeUnavailable ErrorKind = "exit_node_unavailable"
)

// Error is a classified VPN failure. errors.Is matches on Kind, so callers
// can compare against ErrUnreachable and friends regardless of the message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnreachable         = &Error{Kind: KindUnreachable, Message: "control server unreachable, check the URL and network"}
	ErrAuthKeyInvalid      = &Error{Kind: KindAuthKeyInvalid, Message: "auth key invalid or expired, generate a new one"}
	ErrExitNodeUnavailable = &Error{Kind: KindExitNodeUnavailable, Message: "exit node offline, choose another"}
	ErrNotConfigured       = errors.New("vpn settings are not configured, complete setup first")
)

func newError(kind ErrorKind, err error) *Error {
	var message string
	switch kind {
	case KindAuthKeyInvalid:
		message = ErrAuthKeyInvalid.Message
	case KindExitNodeUnavailable:
		message = ErrExitNodeUnavailable.Message
	default:
		message = ErrUnreachable.Message
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classified kind of err, or "" when it is not a VPN error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	authFailureMarkers = []string{"invalid key", "expired", "not valid", "unauthorized", "authkey", "auth key"}
	unreachableMarkers = []string{"connection refused", "no such host", "timeout", "timed out", "could not reach", "dial", "network is unreachable"}
)

// classifyOutput maps VPN client output to an error kind. Auth failures win
// over connectivity failures when both appear.
func classifyOutput(output string) ErrorKind {
	lower := strings.ToLower(output)
	for _, m := range authFailureMarkers {
		if strings.Contains(lower, m) {
			return KindAuthKeyInvalid
		}
	}
	for _, m := range unreachableMarkers {
		if strings.Contains(lower, m) {
			return KindUnreachable
		}
	}
	return KindUnreachable
}
