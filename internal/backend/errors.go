package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("backend circuit open")

// StatusError is returned when the backend answers with an HTTP error status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.Code, e.Body)
}

// Classify categorizes a backend call error for retry and reporting decisions.
func Classify(err error) types.FailureCategory {
	if err == nil {
		return ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout:
			return types.FailureTransient
		case se.Code >= 400 && se.Code < 500:
			return types.FailurePermanent
		default:
			return types.FailureTransient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return types.FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.FailureTimeout
	}
	if strings.Contains(err.Error(), "deadline exceeded") {
		return types.FailureTimeout
	}

	// Breaker rejections, network errors and undecodable bodies are transient.
	return types.FailureTransient
}

// IsTransient reports whether err is worth retrying on the next tick.
func IsTransient(err error) bool {
	c := Classify(err)
	return c == types.FailureTransient || c == types.FailureTimeout
}
