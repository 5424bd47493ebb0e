package connectors

import (
	"fmt"
	"time"
)

// ThrottleError сигнализирует, что внешняя система попросила прийти позже.
// Retry-слой читает RetryAfter вместо стандартного бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
