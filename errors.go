package weft

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("registry: name not found")
	ErrInvalid             = errors.New("registry: invalid request")
	ErrUnreachable         = errors.New("call: resolved address unreachable")
	ErrRegistryUnavailable = errors.New("registry: unavailable")

	ErrNotRunning = errors.New("runtime: not running")
)

// Wire error kinds. Every error crossing a socket carries one of these so the
// receiving side can map it back onto the local taxonomy.
const (
	kindNotFound            = "not_found"
	kindInvalid             = "invalid"
	kindUnreachable         = "unreachable"
	kindRemote              = "remote"
	kindRegistryUnavailable = "registry_unavailable"
)

// RemoteError reports that the target handler executed but returned a
// failure. It is distinct from ErrUnreachable: the peer answered.
type RemoteError struct {
	Service string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("remote error from '%s': %s", e.Service, e.Message)
	}
	return "remote error: " + e.Message
}

// errorKindOf maps a local error to its wire kind.
func errorKindOf(err error) string {
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrNotFound):
		return kindNotFound
	case errors.Is(err, ErrInvalid):
		return kindInvalid
	case errors.Is(err, ErrUnreachable):
		return kindUnreachable
	case errors.Is(err, ErrRegistryUnavailable):
		return kindRegistryUnavailable
	case errors.As(err, &remote):
		return kindRemote
	default:
		return kindRemote
	}
}

// errorFromKind maps a wire kind back to the local taxonomy.
func errorFromKind(kind, message, service string) error {
	switch kind {
	case kindNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case kindInvalid:
		return fmt.Errorf("%w: %s", ErrInvalid, message)
	case kindUnreachable:
		return fmt.Errorf("%w: %s", ErrUnreachable, message)
	case kindRegistryUnavailable:
		return fmt.Errorf("%w: %s", ErrRegistryUnavailable, message)
	default:
		return &RemoteError{Service: service, Message: message}
	}
}
