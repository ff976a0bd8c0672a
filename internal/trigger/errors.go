package trigger

import (
	"errors"
	"fmt"

	"github.com/dwsmith1983/planrunner/internal/backend"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// CreationError is returned when a phase job could not be created. No job id
// exists for the attempt.
type CreationError struct {
	Phase    types.Phase
	Category types.FailureCategory
	Err      error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating phase %d job: %v", e.Phase, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Retryable reports whether re-triggering the same input could succeed.
func (e *CreationError) Retryable() bool {
	return e.Category == types.FailureTransient || e.Category == types.FailureTimeout
}

// ClassifyFailure categorizes a job creation error.
func ClassifyFailure(err error) types.FailureCategory {
	if err == nil {
		return ""
	}
	var ce *CreationError
	if errors.As(err, &ce) && ce.Category != "" {
		return ce.Category
	}
	return backend.Classify(err)
}
