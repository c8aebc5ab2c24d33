package main

import (
	"fmt"
	"time"
)

// PollStatus classifies the result of a single condition check.
type PollStatus int

const (
	StatusNotReady PollStatus = iota
	StatusReady
	StatusCheckFailed
)

func (s PollStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusReady:
		return "ready"
	case StatusCheckFailed:
		return "check-failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PollOutcome is the tagged result of one condition check. Reason carries
// the failure cause for check-failed outcomes; for not-ready outcomes it is
// an optional detail ("order button disabled") that never affects control
// flow.
type PollOutcome struct {
	Status PollStatus
	Reason string
}

// Ready reports that the watched condition is satisfied.
func Ready() PollOutcome {
	return PollOutcome{Status: StatusReady}
}

// NotReady reports that the check ran cleanly but the condition is not yet
// satisfied.
func NotReady(reason string) PollOutcome {
	return PollOutcome{Status: StatusNotReady, Reason: reason}
}

// CheckFailed reports that the check itself could not run (evaluation error,
// bounded wait expired). These are the only outcomes that count toward the
// abort threshold.
func CheckFailed(reason string) PollOutcome {
	return PollOutcome{Status: StatusCheckFailed, Reason: reason}
}

// Probe checks the watched condition once and classifies the result.
// A probe must bound its own internal waits and report their expiry as
// CheckFailed; it should never block past its budget.
type Probe func() PollOutcome

// RetryPolicy constrains the timing of one polling session. It is built
// from configuration before the session starts and never mutated.
type RetryPolicy struct {
	Interval               time.Duration
	Deadline               time.Time
	MaxConsecutiveFailures int
}

// Validate reports whether the policy values are usable. The deadline is
// deliberately not checked here: an already-passed deadline is a normal
// timed-out session, not a configuration mistake.
func (p RetryPolicy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", p.Interval)
	}
	if p.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max consecutive failures must be at least 1, got %d", p.MaxConsecutiveFailures)
	}
	return nil
}

// SessionStatus is the terminal classification of a polling session.
type SessionStatus int

const (
	SessionSuccess SessionStatus = iota
	SessionTimedOut
	SessionAborted
)

func (s SessionStatus) String() string {
	switch s {
	case SessionSuccess:
		return "success"
	case SessionTimedOut:
		return "timed-out"
	case SessionAborted:
		return "aborted"
	default:
		return fmt.Sprintf("session(%d)", int(s))
	}
}

// SessionResult is the terminal value of one polling session. Reason carries
// the last failure reason when the session aborted. Attempts counts probe
// invocations; Elapsed is wall time from session start to the terminal
// result.
type SessionResult struct {
	Status   SessionStatus
	Reason   string
	Attempts int
	Elapsed  time.Duration
}

func (r SessionResult) String() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s after %d attempts in %v (%s)",
			r.Status, r.Attempts, r.Elapsed.Round(time.Millisecond), r.Reason)
	}
	return fmt.Sprintf("%s after %d attempts in %v",
		r.Status, r.Attempts, r.Elapsed.Round(time.Millisecond))
}

// Poller drives a condition probe to completion within a time budget,
// tolerating transient check failures. It runs one session at a time,
// synchronously; the wait between checks is its only suspension point.
// The poller performs no I/O of its own beyond the event log.
type Poller struct {
	events *PollEventLog

	// now and sleep default to the real clock. The watcher points now at
	// the synchronized clock so deadlines track server time; tests
	// substitute a fake clock so no test ever sleeps for real.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewPoller creates a poller that reports through the given event log.
func NewPoller(events *PollEventLog) *Poller {
	return &Poller{
		events: events,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Run repeatedly invokes probe, spaced by policy.Interval, until one of:
//
//   - a ready outcome is observed: returns Success
//   - the deadline is reached: returns TimedOut
//   - policy.MaxConsecutiveFailures consecutive check-failed outcomes
//     occur: returns Aborted carrying the last failure reason
//
// A deadline that is not in the future at call time returns TimedOut
// without invoking probe. A not-ready outcome resets the consecutive
// failure counter: a transient failure followed by a confirmed not-ready
// state is not a systemic fault. If a ready outcome lands in the same
// instant the deadline expires, the check that fired is honored and the
// session succeeds.
//
// Run emits one event per probe outcome and exactly one terminal event.
// It never recovers a panicking probe; anything outside the check-failed
// contract propagates to the caller unmodified.
func (p *Poller) Run(probe Probe, policy RetryPolicy) SessionResult {
	start := p.now()

	if !policy.Deadline.After(start) {
		return p.finish(start, SessionResult{Status: SessionTimedOut})
	}
	if err := policy.Validate(); err != nil {
		return p.finish(start, SessionResult{
			Status: SessionAborted,
			Reason: fmt.Sprintf("invalid retry policy: %v", err),
		})
	}

	p.events.Begin(policy)

	attempts := 0
	consecutiveFailures := 0

	for {
		now := p.now()
		if !now.Before(policy.Deadline) {
			return p.finish(start, SessionResult{Status: SessionTimedOut, Attempts: attempts})
		}

		outcome := probe()
		attempts++
		now = p.now()

		switch outcome.Status {
		case StatusReady:
			p.events.Outcome(attempts, outcome, consecutiveFailures, policy.Deadline.Sub(now))
			return p.finish(start, SessionResult{Status: SessionSuccess, Attempts: attempts})

		case StatusNotReady:
			consecutiveFailures = 0
			p.events.Outcome(attempts, outcome, consecutiveFailures, policy.Deadline.Sub(now))

		case StatusCheckFailed:
			consecutiveFailures++
			p.events.Outcome(attempts, outcome, consecutiveFailures, policy.Deadline.Sub(now))
			if consecutiveFailures >= policy.MaxConsecutiveFailures {
				return p.finish(start, SessionResult{
					Status:   SessionAborted,
					Reason:   outcome.Reason,
					Attempts: attempts,
				})
			}
		}

		// Never sleep past the deadline; the next loop iteration decides.
		delay := policy.Interval
		if remaining := policy.Deadline.Sub(p.now()); delay > remaining {
			delay = remaining
		}
		p.sleep(delay)
	}
}

func (p *Poller) finish(start time.Time, result SessionResult) SessionResult {
	result.Elapsed = p.now().Sub(start)
	p.events.Terminal(result)
	return result
}
