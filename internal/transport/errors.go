package transport

import "errors"

var (
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")

	// ErrNack is wrapped into the error returned by WaitForAck when the
	// apparatus rejects a command.
	ErrNack = errors.New("command rejected")

	// ErrAckTimeout is wrapped into the error returned by WaitForAck when
	// no matching ACK or NACK arrives in time.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrRateLimited is returned by interactive paths that skip a send
	// because the minimum send interval has not elapsed.
	ErrRateLimited = errors.New("rate limited")
)
