package domain

import "errors"

var (
	ErrIncompleteMatch = errors.New("match_found without room or partner")
	ErrNoSession       = errors.New("no active match session")
	ErrInvalidState    = errors.New("action not allowed in current state")
	ErrChannelNotOpen  = errors.New("signal channel not open")
	ErrNoIdentity      = errors.New("identity not present")
)
