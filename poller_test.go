package main

import (
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

// fakeClock drives a poller deterministically: Now reads simulated time and
// Advance stands in for sleep, so no test ever waits for real.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 10, 16, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestPoller(clock *fakeClock) *Poller {
	logger, _ := logtest.NewNullLogger()
	p := NewPoller(NewPollEventLog(logger))
	p.now = clock.Now
	p.sleep = clock.Advance
	return p
}

// scriptedProbe returns the given outcomes in order and keeps returning the
// last one once the script runs out.
func scriptedProbe(calls *int, outcomes ...PollOutcome) Probe {
	return func() PollOutcome {
		i := *calls
		*calls++
		if i >= len(outcomes) {
			i = len(outcomes) - 1
		}
		return outcomes[i]
	}
}

func TestRunPastDeadline(t *testing.T) {
	tests := []struct {
		name     string
		deadline time.Duration // relative to the clock's now
	}{
		{"Deadline already passed", -time.Minute},
		{"Deadline exactly now", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			poller := newTestPoller(clock)

			calls := 0
			probe := func() PollOutcome {
				calls++
				return Ready()
			}

			policy := RetryPolicy{
				Interval:               500 * time.Millisecond,
				Deadline:               clock.Now().Add(tt.deadline),
				MaxConsecutiveFailures: 3,
			}

			result := poller.Run(probe, policy)

			if result.Status != SessionTimedOut {
				t.Errorf("Expected timed-out, got %v", result.Status)
			}
			if calls != 0 {
				t.Errorf("Expected probe to never run, got %d calls", calls)
			}
			if result.Attempts != 0 {
				t.Errorf("Expected 0 attempts, got %d", result.Attempts)
			}
		})
	}
}

func TestRunReadyImmediately(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	calls := 0
	result := poller.Run(scriptedProbe(&calls, Ready()), RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(5 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionSuccess {
		t.Errorf("Expected success, got %v", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
}

// A probe that turns ready before the deadline must succeed within
// ceil(timeToReady/interval)+1 invocations.
func TestRunReadyBeforeDeadlineInvocationBound(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)
	start := clock.Now()

	timeToReady := 1200 * time.Millisecond
	interval := 500 * time.Millisecond

	probe := func() PollOutcome {
		if clock.Now().Sub(start) >= timeToReady {
			return Ready()
		}
		return NotReady("order button disabled")
	}

	result := poller.Run(probe, RetryPolicy{
		Interval:               interval,
		Deadline:               start.Add(5 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionSuccess {
		t.Fatalf("Expected success, got %v", result.Status)
	}

	// ceil(1200/500) + 1 = 4
	maxAttempts := 4
	if result.Attempts > maxAttempts {
		t.Errorf("Expected at most %d attempts, got %d", maxAttempts, result.Attempts)
	}
}

// 500ms cadence, 5s budget, button goes live after 4s: the session must
// succeed on the ninth check.
func TestRunScenarioReadyAfterFourSeconds(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)
	start := clock.Now()

	probe := func() PollOutcome {
		if clock.Now().Sub(start) >= 4*time.Second {
			return Ready()
		}
		return NotReady("order button disabled")
	}

	result := poller.Run(probe, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               start.Add(5 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionSuccess {
		t.Fatalf("Expected success, got %v", result.Status)
	}
	if result.Attempts < 8 || result.Attempts > 9 {
		t.Errorf("Expected 8-9 attempts, got %d", result.Attempts)
	}
	if result.Elapsed != 4*time.Second {
		t.Errorf("Expected 4s elapsed, got %v", result.Elapsed)
	}
}

// Same policy, button never goes live: ten checks, then timed out.
func TestRunScenarioAlwaysNotReady(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)
	start := clock.Now()

	calls := 0
	result := poller.Run(scriptedProbe(&calls, NotReady("order button disabled")), RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               start.Add(5 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionTimedOut {
		t.Fatalf("Expected timed-out, got %v", result.Status)
	}
	if result.Attempts != 10 {
		t.Errorf("Expected 10 attempts, got %d", result.Attempts)
	}
	if result.Elapsed != 5*time.Second {
		t.Errorf("Expected 5s elapsed, got %v", result.Elapsed)
	}
}

// Three consecutive check failures against a threshold of three abort the
// session carrying the last failure reason.
func TestRunScenarioConsecutiveFailuresAbort(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	calls := 0
	result := poller.Run(scriptedProbe(&calls, CheckFailed("network error")), RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(5 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionAborted {
		t.Fatalf("Expected aborted, got %v", result.Status)
	}
	if result.Reason != "network error" {
		t.Errorf("Expected reason 'network error', got %q", result.Reason)
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
}

func TestRunAbortCarriesLastFailureReason(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	calls := 0
	probe := scriptedProbe(&calls,
		CheckFailed("connection refused"),
		CheckFailed("context deadline exceeded"),
	)

	result := poller.Run(probe, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(time.Minute),
		MaxConsecutiveFailures: 2,
	})

	if result.Status != SessionAborted {
		t.Fatalf("Expected aborted, got %v", result.Status)
	}
	if result.Reason != "context deadline exceeded" {
		t.Errorf("Expected the last failure reason, got %q", result.Reason)
	}
}

// A clean not-ready between two failures resets the abort counter: a
// transient failure followed by a confirmed not-ready is not systemic.
func TestRunNotReadyResetsFailureCounter(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	calls := 0
	probe := scriptedProbe(&calls,
		CheckFailed("network error"),
		NotReady("order button disabled"),
		CheckFailed("network error"),
		Ready(),
	)

	result := poller.Run(probe, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(time.Minute),
		MaxConsecutiveFailures: 2,
	})

	if result.Status != SessionSuccess {
		t.Fatalf("Expected success (no abort with a reset counter), got %v: %s", result.Status, result.Reason)
	}
	if result.Attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", result.Attempts)
	}
}

// A ready outcome observed in the instant the deadline expires still wins:
// the check that fired is honored.
func TestRunTieBreakReadyAtDeadline(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	probe := func() PollOutcome {
		clock.Advance(time.Second) // the check itself consumes the rest of the budget
		return Ready()
	}

	result := poller.Run(probe, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionSuccess {
		t.Errorf("Expected success at the deadline instant, got %v", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
}

func TestRunNotReadyAtDeadlineTimesOut(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	probe := func() PollOutcome {
		clock.Advance(time.Second)
		return NotReady("order button disabled")
	}

	result := poller.Run(probe, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionTimedOut {
		t.Errorf("Expected timed-out, got %v", result.Status)
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
}

// Two runs with the same policy and a probe deterministic in elapsed time
// produce the same terminal result.
func TestRunIdempotent(t *testing.T) {
	run := func() SessionResult {
		clock := newFakeClock()
		poller := newTestPoller(clock)
		start := clock.Now()

		probe := func() PollOutcome {
			if clock.Now().Sub(start) >= 2*time.Second {
				return Ready()
			}
			return NotReady("order button disabled")
		}

		return poller.Run(probe, RetryPolicy{
			Interval:               500 * time.Millisecond,
			Deadline:               start.Add(5 * time.Second),
			MaxConsecutiveFailures: 3,
		})
	}

	first := run()
	second := run()

	if first != second {
		t.Errorf("Expected identical results, got %+v and %+v", first, second)
	}
	if first.Status != SessionSuccess {
		t.Errorf("Expected success, got %v", first.Status)
	}
}

func TestRunInvalidPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     RetryPolicy
		wantStatus SessionStatus
	}{
		{
			name: "Zero interval",
			policy: RetryPolicy{
				Interval:               0,
				MaxConsecutiveFailures: 3,
			},
			wantStatus: SessionAborted,
		},
		{
			name: "Negative interval",
			policy: RetryPolicy{
				Interval:               -time.Second,
				MaxConsecutiveFailures: 3,
			},
			wantStatus: SessionAborted,
		},
		{
			name: "Zero failure threshold",
			policy: RetryPolicy{
				Interval:               500 * time.Millisecond,
				MaxConsecutiveFailures: 0,
			},
			wantStatus: SessionAborted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			poller := newTestPoller(clock)

			calls := 0
			probe := func() PollOutcome {
				calls++
				return Ready()
			}

			tt.policy.Deadline = clock.Now().Add(time.Minute)
			result := poller.Run(probe, tt.policy)

			if result.Status != tt.wantStatus {
				t.Errorf("Expected %v, got %v", tt.wantStatus, result.Status)
			}
			if !strings.Contains(result.Reason, "invalid retry policy") {
				t.Errorf("Expected an invalid-policy reason, got %q", result.Reason)
			}
			if calls != 0 {
				t.Errorf("Expected probe to never run, got %d calls", calls)
			}
		})
	}
}

// A past deadline wins over an invalid policy: timed-out, no probe call,
// for every policy.
func TestRunPastDeadlineBeatsInvalidPolicy(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	calls := 0
	result := poller.Run(scriptedProbe(&calls, Ready()), RetryPolicy{
		Interval:               0,
		Deadline:               clock.Now().Add(-time.Second),
		MaxConsecutiveFailures: 0,
	})

	if result.Status != SessionTimedOut {
		t.Errorf("Expected timed-out, got %v", result.Status)
	}
	if calls != 0 {
		t.Errorf("Expected probe to never run, got %d calls", calls)
	}
}

// The wait between checks is capped at the time remaining so a session
// never sleeps past its own deadline.
func TestRunSleepCappedAtRemaining(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	var sleeps []time.Duration
	poller.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
		clock.Advance(d)
	}

	start := clock.Now()
	calls := 0
	result := poller.Run(scriptedProbe(&calls, NotReady("order button disabled")), RetryPolicy{
		Interval:               2 * time.Second,
		Deadline:               start.Add(3 * time.Second),
		MaxConsecutiveFailures: 3,
	})

	if result.Status != SessionTimedOut {
		t.Fatalf("Expected timed-out, got %v", result.Status)
	}
	if len(sleeps) != 2 {
		t.Fatalf("Expected 2 sleeps, got %d (%v)", len(sleeps), sleeps)
	}
	if sleeps[0] != 2*time.Second {
		t.Errorf("Expected first sleep of 2s, got %v", sleeps[0])
	}
	if sleeps[1] != time.Second {
		t.Errorf("Expected final sleep capped at 1s, got %v", sleeps[1])
	}
	if clock.Now().After(start.Add(3 * time.Second)) {
		t.Errorf("Session slept past its deadline: now %v", clock.Now())
	}
}

// Probe failures outside the check-failed contract are not the poller's to
// classify: a panicking probe propagates to the caller unmodified.
func TestRunPanicPropagates(t *testing.T) {
	clock := newFakeClock()
	poller := newTestPoller(clock)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected the probe panic to propagate")
		}
		if r != "navigation lost" {
			t.Errorf("Expected the panic value unmodified, got %v", r)
		}
	}()

	poller.Run(func() PollOutcome { panic("navigation lost") }, RetryPolicy{
		Interval:               500 * time.Millisecond,
		Deadline:               clock.Now().Add(time.Minute),
		MaxConsecutiveFailures: 3,
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryPolicy
		wantError bool
	}{
		{
			name:      "Valid policy",
			policy:    RetryPolicy{Interval: time.Second, MaxConsecutiveFailures: 3},
			wantError: false,
		},
		{
			name:      "Zero interval",
			policy:    RetryPolicy{Interval: 0, MaxConsecutiveFailures: 3},
			wantError: true,
		},
		{
			name:      "Negative interval",
			policy:    RetryPolicy{Interval: -time.Second, MaxConsecutiveFailures: 3},
			wantError: true,
		},
		{
			name:      "Zero threshold",
			policy:    RetryPolicy{Interval: time.Second, MaxConsecutiveFailures: 0},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantError && err == nil {
				t.Error("Expected an error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestPollOutcomeConstructors(t *testing.T) {
	if got := Ready(); got.Status != StatusReady || got.Reason != "" {
		t.Errorf("Ready() = %+v", got)
	}
	if got := NotReady("sold out"); got.Status != StatusNotReady || got.Reason != "sold out" {
		t.Errorf("NotReady() = %+v", got)
	}
	if got := CheckFailed("eval error"); got.Status != StatusCheckFailed || got.Reason != "eval error" {
		t.Errorf("CheckFailed() = %+v", got)
	}
}

func TestStatusStrings(t *testing.T) {
	pollTests := []struct {
		status   PollStatus
		expected string
	}{
		{StatusReady, "ready"},
		{StatusNotReady, "not-ready"},
		{StatusCheckFailed, "check-failed"},
	}
	for _, tt := range pollTests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("PollStatus(%d).String() = %q, expected %q", tt.status, got, tt.expected)
		}
	}

	sessionTests := []struct {
		status   SessionStatus
		expected string
	}{
		{SessionSuccess, "success"},
		{SessionTimedOut, "timed-out"},
		{SessionAborted, "aborted"},
	}
	for _, tt := range sessionTests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("SessionStatus(%d).String() = %q, expected %q", tt.status, got, tt.expected)
		}
	}
}

func TestSessionResultString(t *testing.T) {
	result := SessionResult{
		Status:   SessionAborted,
		Reason:   "network error",
		Attempts: 3,
		Elapsed:  1500 * time.Millisecond,
	}

	s := result.String()
	if !strings.Contains(s, "aborted") {
		t.Errorf("Expected status in %q", s)
	}
	if !strings.Contains(s, "network error") {
		t.Errorf("Expected reason in %q", s)
	}
	if !strings.Contains(s, "3 attempts") {
		t.Errorf("Expected attempt count in %q", s)
	}
}
