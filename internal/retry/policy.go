// Package retry provides the explicit retry policy used at every external call
// site: embedding requests, generation calls and work-tracker operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"
)

// Config defines the backoff schedule. Total attempts are MaxRetries+1.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultConfig is used when a component is built without an explicit policy.
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

// Policy couples a backoff schedule with a retryable-error predicate.
type Policy struct {
	Config     Config
	Classifier Classifier

	// Name appears in retry log lines, e.g. "embedding" or "devops".
	Name string
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. A nil classifier means ShouldRetry.
func NewPolicy(name string, cfg Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Policy{Config: cfg, Classifier: classifier, Name: name}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Exhausted reports whether err came from a policy running out of attempts.
func Exhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Delay computes the sleep before retry number n (1-based).
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 || p.Config.InitialDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(n-1)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		spread := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. Non-retryable errors are returned unchanged; exhaustion
// returns an *ExhaustedError wrapping the last error.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !p.Classifier(err) {
			return err
		}
		if attempt > p.Config.MaxRetries {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := p.Delay(attempt)
		slog.Debug("retrying", "policy", p.Name, "attempt", attempt, "delay", delay, "error", err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.wait(ctx, delay); serr != nil {
			return fmt.Errorf("waiting to retry after %v: %w", err, serr)
		}
	}
}

// Value is Do for functions that return a result.
func Value[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPStatuser is implemented by transport errors that carry a response code.
type HTTPStatuser interface {
	HTTPStatus() int
}

// StatusError attaches an HTTP status to an error from a client that does not
// expose one in a form ShouldRetry understands.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string   { return fmt.Sprintf("status %d: %v", e.Code, e.Err) }
func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) HTTPStatus() int { return e.Code }

// RetryableStatus reports whether an HTTP status is transient: 429 or 5xx.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// ShouldRetry treats rate limiting, server errors, timeouts and dropped
// connections as transient. Everything else, including context cancellation,
// fails immediately.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var hs HTTPStatuser
	if errors.As(err, &hs) {
		return RetryableStatus(hs.HTTPStatus())
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
