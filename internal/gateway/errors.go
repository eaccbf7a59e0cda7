package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrTransient     = errors.New("transient gateway error")
	ErrInvalidPhone  = errors.New("invalid phone number")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrCircuitOpen   = errors.New("gateway circuit open")
)

// TransientError is a retryable failure talking to a provider: network,
// authentication, throttling or 5xx responses. NotSent is set when the
// provider cannot have acted on the request, for example a refused
// connection or a rejected access token.
type TransientError struct {
	Op      string
	Err     error
	NotSent bool
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientError for op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// NotSent wraps err as a TransientError for a request the provider never
// processed.
func NotSent(op string, err error) error {
	return &TransientError{Op: op, Err: err, NotSent: true}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotSent reports whether err is transient and the provider never
// processed the request, so repeating it cannot duplicate a side effect.
func IsNotSent(err error) bool {
	var te *TransientError
	return errors.As(err, &te) && te.NotSent
}
