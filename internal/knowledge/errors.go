package knowledge

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the knowledge, retrieval and jobs packages.
var (
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown job id or an absent collection.
	ErrNotFound = errors.New("not found")

	// ErrDependencyUnavailable indicates the embedding provider or the
	// vector index could not serve the request.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrDimensionConflict indicates an existing collection whose dimension
	// disagrees with the profile that resolves to it.
	ErrDimensionConflict = errors.New("collection dimension conflict")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// unavailable wraps err as a dependency failure.
func unavailable(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, what, err)
}
