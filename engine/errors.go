package engine

import "github.com/pkg/errors"

var (
	// ErrAlreadyFinal is returned when a mutation targets an entity in a
	// terminal state. Terminal entities accept no transition except retry
	// out of FAILED.
	ErrAlreadyFinal = errors.New("entity is in a terminal state")

	// ErrRetryExhausted is returned when a retry is requested for a FAILED
	// entity whose retry budget is spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrPolicyViolation is returned when an operation is structurally valid
	// but not permitted for the entity's category or current state: claiming
	// with a bad preimage, refunding before the timelock, voting after the
	// deadline, and the like.
	ErrPolicyViolation = errors.New("operation violates entity policy")
)
