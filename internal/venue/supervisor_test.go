package venue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStream consumes until its fail channel fires or ctx is cancelled.
type fakeStream struct {
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{fail: make(chan error, 1), closed: make(chan struct{})}
}

func (f *fakeStream) Consume(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-f.fail:
		return err
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestSupervisor_BackoffMonotonicCapped(t *testing.T) {
	dialErr := errors.New("refused")
	s := NewSupervisor("BTC", func(ctx context.Context) (Stream, error) {
		return nil, dialErr
	}, SupervisorConfig{BackoffBase: time.Second, BackoffCap: 3 * time.Second})

	var mu sync.Mutex
	var waits []time.Duration
	fired := make(chan struct{}, 64)
	s.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		fired <- struct{}{}
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	for i := 0; i < 6; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for backoff")
		}
	}
	cancel()
	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(waits) < 6 {
		t.Fatalf("expected at least 6 backoffs, got %d", len(waits))
	}
	for i := 1; i < 6; i++ {
		if waits[i] < waits[i-1] {
			t.Fatalf("backoff not monotonic: %v then %v", waits[i-1], waits[i])
		}
	}
	for _, w := range waits[:6] {
		if w > 3*time.Second {
			t.Fatalf("backoff exceeded cap: %v", w)
		}
	}
	// min(base*attempts, cap) with base=1s, cap=3s: 1s, 2s, 3s, 3s, ...
	if waits[0] != time.Second || waits[1] != 2*time.Second || waits[2] != 3*time.Second || waits[3] != 3*time.Second {
		t.Fatalf("unexpected schedule: %v", waits[:4])
	}
}

func TestSupervisor_AttemptsResetOnSubscribe(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	streams := make(chan *fakeStream, 4)

	s := NewSupervisor("BTC", func(ctx context.Context) (Stream, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("refused")
		}
		st := newFakeStream()
		streams <- st
		return st, nil
	}, SupervisorConfig{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var st *fakeStream
	select {
	case st = <-streams:
	case <-time.After(2 * time.Second):
		t.Fatal("never reached streaming")
	}
	waitState(t, s, StateStreaming)

	if got := s.Attempts(); got != 0 {
		t.Fatalf("attempts not reset on subscribe: %d", got)
	}

	// Force a stream error: the supervisor must drain, back off, and
	// resubscribe without being cancelled.
	st.fail <- errors.New("stream closed")
	select {
	case <-streams:
	case <-time.After(2 * time.Second):
		t.Fatal("did not resubscribe after stream error")
	}
	waitState(t, s, StateStreaming)
	if got := s.Attempts(); got != 0 {
		t.Fatalf("attempts not reset after resubscribe: %d", got)
	}

	select {
	case <-st.closed:
	default:
		t.Fatal("failed stream was not closed during drain")
	}
}

func TestSupervisor_DrainHookSeesError(t *testing.T) {
	streamErr := errors.New("remote hung up")
	st := newFakeStream()
	drained := make(chan error, 1)

	s := NewSupervisor("ETH", func(ctx context.Context) (Stream, error) {
		return st, nil
	}, SupervisorConfig{
		BackoffBase: time.Hour, // park in backoff after the drain
		OnDrain:     func(err error) { drained <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	waitState(t, s, StateStreaming)

	st.fail <- streamErr
	select {
	case err := <-drained:
		if !errors.Is(err, streamErr) {
			t.Fatalf("drain hook got %v, want %v", err, streamErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain hook never ran")
	}
	waitState(t, s, StateBackoff)
}

func TestSupervisor_StopFromAnyState(t *testing.T) {
	st := newFakeStream()
	s := NewSupervisor("BTC", func(ctx context.Context) (Stream, error) {
		return st, nil
	}, SupervisorConfig{})

	s.Start(context.Background())
	waitState(t, s, StateStreaming)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * StopGrace):
		t.Fatal("Stop blocked past the grace period")
	}
	if s.State() != StateStopped {
		t.Fatalf("state after stop: %v", s.State())
	}
	if s.Alive() {
		t.Fatal("stopped supervisor reports alive")
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, at %v", want, s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
