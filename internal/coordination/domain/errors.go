package domain

import "errors"

// Sentinel errors shared across the coordination subsystems. Callers match
// them with errors.Is after any wrapping.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentNotEligible = errors.New("agent not eligible")
	ErrTaskNotFound     = errors.New("task not found")
	ErrAlreadyTerminal  = errors.New("already in terminal state")
	ErrLostRace         = errors.New("lost claim race")
	ErrMemoryNotFound   = errors.New("memory entry not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTimeout          = errors.New("wait timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
)
