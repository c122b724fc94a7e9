// Package retry runs vendor calls under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBudgetExhausted is wrapped into the returned error when the policy
// deadline stopped further attempts.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy bounds the retries of one operation.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	// Deadline is the shared retry budget of a job. No sleep extends past it.
	Deadline time.Time
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy matches the vendor defaults: 5 attempts, 1s base, 30s cap,
// 30% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.3}
}

// WithDeadline returns a copy of p bounded by deadline.
func (p Policy) WithDeadline(deadline time.Time) Policy {
	p.Deadline = deadline
	return p
}

// Delay returns the backoff before retry n (1-based):
// base * 2^(n-1) * (1 + jitter*rand), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.JitterFactor > 0 {
		d *= 1 + p.JitterFactor*randFloat()
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

var (
	randFloat = rand.Float64 //nolint:gosec // jitter doesn't need crypto-strength randomness
	now       = time.Now
	sleep     = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
)

// Do calls fn until it succeeds, returns a non-retriable error, or the
// policy runs out of attempts or budget. It returns the number of attempts
// made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !IsRetriable(err) || attempt >= maxAttempts {
			return attempt, err
		}

		delay := p.Delay(attempt)
		if !p.Deadline.IsZero() && now().Add(delay).After(p.Deadline) {
			log.Warn().Err(err).Int("attempt", attempt).Time("deadline", p.Deadline).Msg("Retry budget exhausted")
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying after transient error")
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("retry interrupted: %w (last error: %v)", serr, err)
		}
	}
}

// StatusCoder is implemented by vendor API errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

var transientMessages = []string{"socket hang up", "timeout", "connection reset"}

// IsRetriable reports whether err is a transient failure: an HTTP 5xx, a
// known transient network error, or an error whose message names one.
//
// A net.Error timeout is transient even when it also matches
// context.DeadlineExceeded, as http.Client.Timeout errors do. Cancellation of
// the caller's own context is detected by Do, not here.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus() >= 500
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
