package session

import "errors"

// Setup failures are classified so callers can tell "could not reach
// server" from "check the code" from "try again". Steady-state Send never
// returns an error at all.
var (
	ErrConnection    = errors.New("could not reach server")
	ErrCreateTimeout = errors.New("room creation timed out")
	ErrJoinTimeout   = errors.New("join timed out; check the code and try again")
	ErrRoomNotFound  = errors.New("room code not found")
	ErrBadCode       = errors.New("malformed room code")
	ErrBusy          = errors.New("another request is in flight")
	ErrClosed        = errors.New("session is closed")
)
