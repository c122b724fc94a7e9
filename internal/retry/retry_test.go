package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

// stubSleep replaces the package sleep and returns the recorded delays.
func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	delays := stubSleep(t)
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	var retries int
	p.OnRetry = func(int, time.Duration, error) { retries++ }

	calls := 0
	attempts, err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		if calls <= 2 {
			return statusErr(503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 || retries != 2 {
		t.Errorf("attempts=%d retries=%d, want 3 and 2", attempts, retries)
	}
	if len(*delays) != 2 || (*delays)[1] <= (*delays)[0] {
		t.Errorf("delays = %v, want two increasing", *delays)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	delays := stubSleep(t)
	attempts, err := Do(context.Background(), DefaultPolicy(), func(context.Context, int) error {
		return statusErr(400)
	})
	if attempts != 1 || err == nil {
		t.Errorf("attempts=%d err=%v", attempts, err)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %v on a permanent error", *delays)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	stubSleep(t)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	attempts, err := Do(context.Background(), p, func(context.Context, int) error {
		return statusErr(502)
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	var sc statusErr
	if !errors.As(err, &sc) || int(sc) != 502 {
		t.Errorf("err = %v, want last vendor error", err)
	}
	if errors.Is(err, ErrBudgetExhausted) {
		t.Error("attempt exhaustion reported as budget exhaustion")
	}
}

func TestDoHonorsDeadline(t *testing.T) {
	delays := stubSleep(t)
	p := Policy{MaxAttempts: 10, BaseDelay: time.Minute}.WithDeadline(time.Now().Add(30 * time.Second))
	attempts, err := Do(context.Background(), p, func(context.Context, int) error {
		return statusErr(500)
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("err = %v, want ErrBudgetExhausted", err)
	}
	if len(*delays) != 0 {
		t.Errorf("slept past the deadline: %v", *delays)
	}
}

func TestDoContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	_, err := Do(ctx, p, func(context.Context, int) error {
		return statusErr(500)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDelay(t *testing.T) {
	orig := randFloat
	randFloat = func() float64 { return 0.5 }
	defer func() { randFloat = orig }()

	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0.2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 1100 * time.Millisecond},
		{2, 2200 * time.Millisecond},
		{3, 4400 * time.Millisecond},
		{4, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// clientTimeoutErr returns the error an http.Client with a short Timeout
// reports against a handler slower than that timeout.
func clientTimeoutErr(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &http.Client{Timeout: 50 * time.Millisecond}
}

func TestIsRetriableClientTimeout(t *testing.T) {
	srv, client := clientTimeoutErr(t)
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected client timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("client timeout does not match DeadlineExceeded on this Go version: %v", err)
	}
	if !IsRetriable(err) {
		t.Errorf("IsRetriable(%v) = false, want true", err)
	}
}

func TestDoRetriesClientTimeout(t *testing.T) {
	stubSleep(t)
	srv, client := clientTimeoutErr(t)
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	attempts, err := Do(context.Background(), p, func(ctx context.Context, _ int) error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		if rerr != nil {
			return rerr
		}
		resp, rerr := client.Do(req)
		if rerr != nil {
			return rerr
		}
		return resp.Body.Close()
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsWhenCallerCancelled(t *testing.T) {
	stubSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := Do(ctx, Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		cancel()
		return timeoutErr{}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1 and 1", attempts, calls)
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", statusErr(500), true},
		{"4xx", statusErr(429), false},
		{"wrapped 5xx", fmt.Errorf("upload: %w", statusErr(503)), true},
		{"econnreset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"econnrefused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"socket hang up message", errors.New("Socket hang up"), true},
		{"timeout message", errors.New("gateway timeout while polling"), true},
		{"context cancelled", context.Canceled, false},
		{"context deadline", fmt.Errorf("job: %w", context.DeadlineExceeded), false},
		{"wrapped net timeout", fmt.Errorf("upload: %w", &net.OpError{Op: "dial", Err: timeoutErr{}}), true},
		{"plain", errors.New("invalid access token"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
