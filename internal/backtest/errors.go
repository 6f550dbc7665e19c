package backtest

import "errors"

// Engine errors.
var (
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("backtest already started")

	// ErrInvariantViolation wraps portfolio sequencing errors. The run is discarded.
	ErrInvariantViolation = errors.New("portfolio invariant violated")

	// ErrPersistence wraps repository failures. The in-memory result is still returned.
	ErrPersistence = errors.New("persist backtest result")

	// ErrMissingCollaborator is returned by NewEngine when a required dependency is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")

	// ErrEmptyUniverse is returned by NewEngine when no instruments are given.
	ErrEmptyUniverse = errors.New("universe is empty")
)
