package broker

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrUnavailable is matched by errors.Is for any transient connectivity failure
	ErrUnavailable = errors.New("broker unavailable")

	// ErrQueueFull is returned by Push when the queue reached its max length
	ErrQueueFull = errors.New("queue is full")

	// ErrJobNotFound is returned when a job id is unknown to the broker
	ErrJobNotFound = errors.New("job not found")
)

// UnavailableError wraps a connection-level failure
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "broker unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) hold for wrapped failures
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable marks err as a transient connectivity failure
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Err: err}
}

// IsUnavailable reports whether err is a transient connectivity failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsConnectionError reports whether err originates from the transport rather
// than from the broker rejecting a command.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
