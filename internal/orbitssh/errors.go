package orbitssh

import (
	"errors"
	"fmt"
)

// ErrTryAgain is the libssh2-style "would block" result. State machines yield
// on it and ask the session to report the next readiness edge; it never
// escapes the package.
var ErrTryAgain = errors.New("operation would block")

// Error kinds surfaced by the transport.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrCouldNotConnect        = errors.New("could not connect to server")
	ErrHostKeyMismatch        = errors.New("host key does not match known hosts entry")
	ErrUnknownHost            = errors.New("host not found in known hosts file")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrNotConnected           = errors.New("session is not connected")
	ErrCouldNotListen         = errors.New("could not listen on local port")
	ErrRemoteSocketClosed     = errors.New("remote socket closed")
	ErrLocalSocketClosed      = errors.New("local socket closed")
	ErrUncleanSessionShutdown = errors.New("session shut down while channel was active")
	ErrUncleanChannelShutdown = errors.New("channel closed unexpectedly")
	ErrCouldNotOpenFile       = errors.New("could not open file")
	ErrIO                     = errors.New("i/o error")
	ErrAlreadyStarted         = errors.New("already started")
)

func ioError(err error) error {
	return fmt.Errorf("%w: %w", ErrIO, err)
}
