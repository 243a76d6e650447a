package domain

import (
	"errors"

	"github.com/cuongbtq/queue-worker/shared/broker"
)

var (
	// ErrHandlerNotFound is returned when no handler is registered under a name
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrInvalidPayload is returned when a job payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Kind tags an error with the recovery strategy it calls for
type Kind int

const (
	// KindUnknown is any error not produced by the pool's own paths
	KindUnknown Kind = iota
	// KindTransient is a broker outage: retry with backoff
	KindTransient
	// KindHandler is a failed job: nack and let the broker redeliver
	KindHandler
	// KindAck is a non-transient ACK failure: log and drop
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindHandler:
		return "handler"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// HandlerError wraps anything that went wrong between decoding a payload and
// the handler returning
type HandlerError struct {
	JobID string
	Klass string
	Err   error
}

func (e *HandlerError) Error() string {
	if e.Klass == "" {
		return "job " + e.JobID + ": " + e.Err.Error()
	}
	return "job " + e.JobID + " (" + e.Klass + "): " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// AckError wraps a failed acknowledgement
type AckError struct {
	JobID string
	Err   error
}

func (e *AckError) Error() string {
	return "ack job " + e.JobID + ": " + e.Err.Error()
}

func (e *AckError) Unwrap() error {
	return e.Err
}

// Classify maps err to its recovery strategy. Broker outages win over the
// wrapper type so that an AckError caused by a dropped connection is retried.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if broker.IsUnavailable(err) {
		return KindTransient
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return KindHandler
	}

	var ackErr *AckError
	if errors.As(err, &ackErr) {
		return KindAck
	}

	return KindUnknown
}
