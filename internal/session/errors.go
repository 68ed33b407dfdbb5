package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("not connected")
)

// NetworkError covers unreachable hosts, refused sockets, failed handshakes
// and dropped connections. Reconnecting may succeed.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError carries the coordinator's ConnectionRefused reasons verbatim.
type AuthError struct {
	Reasons []string
}

func (e *AuthError) Error() string {
	if len(e.Reasons) == 0 {
		return "connection refused"
	}
	return "connection refused: " + strings.Join(e.Reasons, ", ")
}

func (e *AuthError) Has(reason string) bool {
	for _, r := range e.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}
