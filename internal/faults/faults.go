package faults

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// Class is the retry-policy classification of a failure.
type Class string

const (
	// ClassFatal marks credential or permission failures. Retrying
	// will not help, but an operator can fix the account externally.
	ClassFatal Class = "fatal"
	// ClassRetryable marks rate limiting and transient network
	// failures; the queue retries these with backoff.
	ClassRetryable Class = "retryable"
	// ClassTerminal marks structurally invalid input or a deliberate
	// domain refusal. Retrying can never succeed.
	ClassTerminal Class = "terminal"
)

// TerminalError is raised deliberately by domain logic to signal that
// reprocessing the same job will never succeed.
type TerminalError struct {
	Reason string
	Err    error
}

func NewTerminal(reason string, err error) *TerminalError {
	return &TerminalError{Reason: reason, Err: err}
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// TerminalReason extracts the reason of a deliberate terminal error,
// falling back to the plain error text.
func TerminalReason(err error) string {
	var term *TerminalError
	if errors.As(err, &term) {
		return term.Reason
	}
	return err.Error()
}

type statusCoder interface {
	StatusCode() int
}

type statusser interface {
	Status() int
}

// statusOf extracts an HTTP status from typed errors, checking
// StatusCode before Status.
func statusOf(err error) int {
	var coded statusCoder
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	var statused statusser
	if errors.As(err, &statused) {
		return statused.Status()
	}
	return 0
}

// Classify maps an arbitrary failure into a retry class. It is pure:
// no side effects, no logging.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var term *TerminalError
	if errors.As(err, &term) {
		return ClassTerminal
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassRetryable
	}

	switch status := statusOf(err); {
	case status == 401 || status == 403:
		return ClassFatal
	case status == 429 || status >= 500:
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "unauthorized"),
		strings.Contains(message, "forbidden"),
		strings.Contains(message, "invalid token"):
		return ClassFatal
	case strings.Contains(message, "rate limit"),
		strings.Contains(message, "too many requests"),
		strings.Contains(message, "timeout"),
		strings.Contains(message, "timed out"),
		strings.Contains(message, "connection reset"):
		return ClassRetryable
	}

	return ClassTerminal
}
