// Package retry is the single retry policy shared by the ERP connectors.
//
// Connectors wrap every failure in *Error with a retryable flag; Policy.Do
// retries only those, with jittered exponential backoff bounded by an attempt
// count and an optional total elapsed time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrEmptyBody marks a 2xx response without a body. The ERP returns these
	// under load, so they are retried.
	ErrEmptyBody = errors.New("empty response body")
	// ErrMalformed marks a payload that could not be decoded.
	ErrMalformed = errors.New("malformed payload")
)

// Error is a classified connector failure.
type Error struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusRetryable reports whether an HTTP status is worth retrying.
// 429 and 5xx are; any other non-2xx status is fatal.
func StatusRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// FromStatus classifies a non-2xx response.
func FromStatus(op string, status int, body string) *Error {
	if len(body) > 256 {
		body = body[:256]
	}
	return &Error{
		Op:        op,
		Status:    status,
		Retryable: StatusRetryable(status),
		Err:       fmt.Errorf("unexpected response %q", body),
	}
}

// FromTransport classifies a transport-level error. Timeouts and network
// failures are retryable; a cancelled caller context is not.
func FromTransport(op string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Op: op, Err: err}
	}
	return &Error{Op: op, Retryable: true, Err: err}
}

// Malformed wraps a decode failure as fatal.
func Malformed(op string, err error) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
}

// EmptyBody returns the retryable empty-body error.
func EmptyBody(op string, status int) *Error {
	return &Error{Op: op, Status: status, Retryable: true, Err: ErrEmptyBody}
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Policy bounds attempts and backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt; 0 means only MaxAttempts applies.
	MaxElapsed time.Duration
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default matches the ERP defaults: four attempts starting at two seconds.
func Default() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var next backoff.BackOff = b
	if p.BaseDelay <= 0 {
		next = &backoff.ZeroBackOff{}
	}
	return backoff.WithContext(backoff.WithMaxRetries(next, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged; when ctx
// ends during a wait the result wraps both ctx's error and the last one.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		attempt int
		last    error
	)
	op := func() error {
		attempt++
		last = fn(ctx)
		if last != nil && !IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err != nil && last != nil && ctx.Err() != nil && !errors.Is(err, last) {
		return fmt.Errorf("%w: %w", err, last)
	}
	return err
}
