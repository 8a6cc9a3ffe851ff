package arbiter

import (
	"errors"

	"github.com/jathurchan/accesslock/types"
)

var (
	// ErrConflict indicates that compare-and-swap retries were exhausted because
	// other writers kept winning. Callers surface it as BUSY.
	ErrConflict = errors.New("arbiter: state changed concurrently, retries exhausted")

	// ErrNotHolder indicates a heartbeat from a process that does not hold the class.
	ErrNotHolder = errors.New("arbiter: process is not the holder")

	// ErrWaitQueueFull indicates the class wait queue reached its configured limit.
	ErrWaitQueueFull = errors.New("arbiter: wait queue is full")

	// ErrBackendUnavailable indicates the state store could not be used. The
	// arbiter fails closed: nothing is granted while the backend is unavailable.
	ErrBackendUnavailable = errors.New("arbiter: state backend unavailable")

	// ErrInvalidClass aliases the malformed class error of the types package.
	ErrInvalidClass = types.ErrInvalidClass

	// ErrInvalidProcess indicates an empty process identity.
	ErrInvalidProcess = errors.New("arbiter: invalid process id")

	// ErrClosed indicates an operation on a closed arbiter.
	ErrClosed = errors.New("arbiter: closed")
)
