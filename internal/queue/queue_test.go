package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue[T any](t *testing.T, handler Handler[T], onFailure FailureFunc[T], cfg Config) *RetryQueue[T] {
	t.Helper()
	q := New(handler, onFailure, cfg, zap.NewNop())
	q.sleep = func(time.Duration) {}
	q.jitter = func(time.Duration) time.Duration { return 0 }
	return q
}

func waitIdle[T any](t *testing.T, q *RetryQueue[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func TestAlwaysFailingJobCallsOnFailureOnce(t *testing.T) {
	boom := errors.New("rpc down")
	var calls atomic.Int32

	var mu sync.Mutex
	var failures []Job[string]
	var failureErr error

	q := newTestQueue(t, func(ctx context.Context, payload string) error {
		calls.Add(1)
		return boom
	}, func(job Job[string], err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, job)
		failureErr = err
	}, Config{MaxRetries: 3, BaseDelay: time.Millisecond})

	q.Enqueue("payload-1")
	waitIdle(t, q)

	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 1 attempt + 3 retries = 4 calls, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("expected exactly one failure callback, got %d", len(failures))
	}
	if failures[0].Payload != "payload-1" {
		t.Fatalf("expected original payload, got %q", failures[0].Payload)
	}
	if failures[0].Attempt != 4 {
		t.Fatalf("expected attempt counter 4, got %d", failures[0].Attempt)
	}
	if !errors.Is(failureErr, ErrRetriesExhausted) || !errors.Is(failureErr, boom) {
		t.Fatalf("expected terminal error wrapping cause, got %v", failureErr)
	}
	var exhausted *ExhaustedError
	if !errors.As(failureErr, &exhausted) || exhausted.Attempts != 4 {
		t.Fatalf("expected ExhaustedError with 4 attempts, got %#v", failureErr)
	}

	stats := q.Stats()
	if stats.Retried != 3 || stats.Failed != 1 || stats.Succeeded != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDefaultConfigRetriesFiveTimes(t *testing.T) {
	var calls atomic.Int32
	var failed atomic.Int32
	q := newTestQueue(t, func(ctx context.Context, payload int) error {
		calls.Add(1)
		return errors.New("nope")
	}, func(Job[int], error) { failed.Add(1) }, DefaultConfig())

	q.Enqueue(1)
	waitIdle(t, q)

	if calls.Load() != DefaultMaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", DefaultMaxRetries+1, calls.Load())
	}
	if failed.Load() != 1 {
		t.Fatalf("expected one failure, got %d", failed.Load())
	}
}

func TestJobSucceedingOnThirdAttemptNeverFails(t *testing.T) {
	var calls atomic.Int32
	var failed atomic.Int32
	q := newTestQueue(t, func(ctx context.Context, payload string) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(Job[string], error) { failed.Add(1) }, Config{MaxRetries: 5, BaseDelay: time.Millisecond})

	q.Enqueue("x")
	waitIdle(t, q)

	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if failed.Load() != 0 {
		t.Fatalf("expected no failure callback, got %d", failed.Load())
	}
	if s := q.Stats(); s.Succeeded != 1 || s.Retried != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestHandlerNeverRunsConcurrently(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	var seen sync.Map

	q := New(func(ctx context.Context, payload int) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(200 * time.Microsecond)
		if _, loaded := seen.LoadOrStore(payload, true); !loaded && payload%3 == 0 {
			return errors.New("first try fails")
		}
		return nil
	}, nil, Config{MaxRetries: 2, BaseDelay: time.Microsecond}, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				q.Enqueue(g*5 + i)
			}
		}(g)
	}
	wg.Wait()
	waitIdle(t, q)

	if maxInflight.Load() != 1 {
		t.Fatalf("expected at most one handler in flight, saw %d", maxInflight.Load())
	}
	if s := q.Stats(); s.Succeeded != 40 || s.Failed != 0 {
		t.Fatalf("expected all 40 jobs to succeed, got %+v", s)
	}
}

func TestRetriedJobRunsBeforeNewerJobs(t *testing.T) {
	var mu sync.Mutex
	var order []string
	failedOnce := false

	var q *RetryQueue[string]
	q = newTestQueue(t, func(ctx context.Context, payload string) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, payload)
		if payload == "a" && !failedOnce {
			failedOnce = true
			return errors.New("retry me")
		}
		return nil
	}, nil, Config{MaxRetries: 1, BaseDelay: time.Millisecond})

	slept := false
	q.sleep = func(time.Duration) {
		// arrivals while "a" backs off
		if !slept {
			slept = true
			q.Enqueue("b")
			q.Enqueue("c")
		}
	}

	q.Enqueue("a")
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("got order %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v want %v", order, want)
		}
	}
}

func TestBackoffGrowsExponentiallyWithBoundedJitter(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, nil, Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond}, nil)
	q.jitter = func(max time.Duration) time.Duration { return max / 2 }

	cases := map[int]time.Duration{
		1: 150 * time.Millisecond,
		2: 250 * time.Millisecond,
		3: 450 * time.Millisecond,
		4: 850 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := q.backoff(attempt); got != want {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, want)
		}
	}

	for i := 0; i < 100; i++ {
		j := randomJitter(10 * time.Millisecond)
		if j < 0 || j > 10*time.Millisecond {
			t.Fatalf("jitter out of bounds: %v", j)
		}
	}
}

func TestAttemptTimeoutFailsStuckHandler(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, func(ctx context.Context, payload string) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, nil, Config{MaxRetries: 1, BaseDelay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond})

	q.Enqueue("slow")
	waitIdle(t, q)

	if calls.Load() != 2 {
		t.Fatalf("expected timed out attempt to be retried, got %d calls", calls.Load())
	}
}

func TestHandlerPanicIsTreatedAsFailure(t *testing.T) {
	var failErr error
	done := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, payload string) error {
		panic("kaboom")
	}, func(job Job[string], err error) {
		failErr = err
		close(done)
	}, Config{MaxRetries: 0})

	q.Enqueue("p")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback not invoked")
	}
	waitIdle(t, q)
	if !errors.Is(failErr, ErrRetriesExhausted) {
		t.Fatalf("expected exhausted error, got %v", failErr)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, payload string) error {
		<-release
		return nil
	}, nil, DefaultConfig())

	q.Enqueue("blocked")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	waitIdle(t, q)
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}
