package resilience

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests move the breaker past its reset timeout without sleeping
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("asr", maxFailures, time.Second)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to reject request in open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after interleaved success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}

	clock.advance(500 * time.Millisecond)
	if cb.allowRequest() {
		t.Fatal("Expected to reject request before the reset timeout")
	}

	clock.advance(time.Second)
	if !cb.allowRequest() {
		t.Fatal("Expected to allow a trial call after the reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected half-open, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb, clock := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	clock.advance(2 * time.Second)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("trial %d: unexpected error %v", i, err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("Expected closed after successful trial calls, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	clock.advance(2 * time.Second)

	_ = cb.Call(func() error { return errors.New("still down") })

	if cb.GetState() != StateOpen {
		t.Errorf("Expected open after a failed trial call, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	want := errors.New("model server error")
	if err := cb.Call(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
}

func TestCircuitBreaker_FailureFunc(t *testing.T) {
	cb, clock := newTestBreaker(2)
	ignored := errors.New("caller went away")
	cb.SetFailureFunc(func(err error) bool { return !errors.Is(err, ignored) })

	for i := 0; i < 5; i++ {
		if err := cb.Call(func() error { return ignored }); !errors.Is(err, ignored) {
			t.Fatalf("Expected %v, got %v", ignored, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("Expected uncounted errors to leave the breaker closed, got %s", cb.GetState())
	}
	if _, requests, failures, _ := cb.GetStats(); requests != 0 || failures != 0 {
		t.Errorf("Expected nothing recorded, got %d requests %d failures", requests, failures)
	}

	for i := 0; i < 2; i++ {
		_ = cb.Call(func() error { return errors.New("model server error") })
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected counted errors to open the breaker, got %s", cb.GetState())
	}

	// uncounted trial calls give their slot back
	clock.advance(2 * time.Second)
	for i := 0; i < 5; i++ {
		if err := cb.Call(func() error { return ignored }); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("trial %d: expected a half-open slot, got %v", i, err)
		}
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected half-open, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.RecordResult(false)

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while open")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1)

	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	cb.RecordResult(false)
	clock.advance(2 * time.Second)
	cb.allowRequest()
	cb.RecordResult(false)

	want := []string{"asr:closed->open", "asr:open->half-open", "asr:half-open->open"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()
	if state != StateClosed {
		t.Errorf("Expected state closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordResult(false)
	}
	if cb.GetState() != StateOpen {
		t.Fatal("Expected circuit to be open")
	}

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Error("Expected state to be closed after reset")
	}
	if !cb.allowRequest() {
		t.Error("Expected requests to flow after reset")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(7), "CircuitState(7)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
