package deploy

import (
	"errors"
	"fmt"
)

// Deployment failures. Transport failures from orbitssh are passed through
// wrapped, so errors.Is works for both.
var (
	ErrUserCanceled             = errors.New("user canceled the service deployment")
	ErrCouldNotStartTunnel      = errors.New("could not start tunnel")
	ErrCouldNotUploadPackage    = errors.New("could not upload package")
	ErrCouldNotUploadSignature  = errors.New("could not upload signature")
	ErrCouldNotInstallPackage   = errors.New("could not install package")
	ErrServiceStartupTimeout    = errors.New("service startup timeout")
	ErrServiceExitedPrematurely = errors.New("service exited prematurely")
)

// ServiceExitedError reports that the service finished before it printed the
// readiness banner.
type ServiceExitedError struct {
	ExitCode int
	// Tail is the trimmed end of the service's stdout. It is only filled in
	// when the exit code says an error message follows.
	Tail string
}

func (e *ServiceExitedError) Error() string {
	// An error exit code with blank output gets the generic message.
	if e.Tail != "" {
		return e.Tail
	}
	return fmt.Sprintf("The service exited prematurely with exit code %d.", e.ExitCode)
}

func (e *ServiceExitedError) Unwrap() error { return ErrServiceExitedPrematurely }

// mapError attaches kind to err unless err already is kind or a cancellation.
func mapError(err, kind error) error {
	if err == nil || errors.Is(err, ErrUserCanceled) || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
