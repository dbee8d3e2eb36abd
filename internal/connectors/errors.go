package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound - агент отсутствует в каталоге
var ErrNotFound = errors.New("agent not found in directory")

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// StatusError - неуспешный HTTP-ответ коллаборатора
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator returned HTTP %d: %s", e.Code, e.Body)
}

// Retryable - 5xx стоит повторить, 4xx - нет
func (e *StatusError) Retryable() bool {
	return e.Code >= 500
}
