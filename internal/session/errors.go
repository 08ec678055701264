package session

import "errors"

var (
	// ErrUnknownSession is returned for ids the registry does not know.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotWaiting is the addressing error for a reply to a session that
	// is not currently waiting for input.
	ErrNotWaiting = errors.New("session is not waiting for input")
	// ErrQueueEmpty is returned by ResumeNext when nothing is waiting.
	ErrQueueEmpty = errors.New("no sessions are waiting for input")
	// ErrInvalidTransition is returned when an operation is not legal from
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminal is returned for mutations on an already-terminal session.
	ErrTerminal = errors.New("session already terminal")
)
