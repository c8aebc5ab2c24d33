package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NewLogger builds the process logger: full-timestamp text on stdout, and
// mirrored into the configured log file when one is set.
func NewLogger(config *Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetOutput(os.Stdout)
	if config.DebugMode {
		log.SetLevel(logrus.DebugLevel)
	}

	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	return log, nil
}

// PollEventLog reports polling progress. The controller hands it every
// outcome; repeated not-ready outcomes are sampled here (first few logged,
// then one per interval) rather than suppressed upstream, so a long quiet
// poll stays readable without losing a single transition.
type PollEventLog struct {
	log     *logrus.Logger
	sampler *rate.Sometimes
	last    PollStatus
	seen    bool
}

// NewPollEventLog creates an event log writing through the given logger.
func NewPollEventLog(log *logrus.Logger) *PollEventLog {
	return &PollEventLog{
		log:     log,
		sampler: notReadySampler(),
	}
}

func notReadySampler() *rate.Sometimes {
	return &rate.Sometimes{First: 3, Interval: 5 * time.Second}
}

// Begin marks the start of a polling session and resets repeat sampling
// so sessions do not bleed into each other.
func (l *PollEventLog) Begin(policy RetryPolicy) {
	l.sampler = notReadySampler()
	l.seen = false
	l.log.WithFields(logrus.Fields{
		"interval":     policy.Interval.String(),
		"deadline":     policy.Deadline.Format(time.RFC3339),
		"max_failures": policy.MaxConsecutiveFailures,
	}).Info("polling started")
}

// Outcome records one probe result. Check failures log at warning level
// and always log; a not-ready repeating after another not-ready goes
// through the sampler.
func (l *PollEventLog) Outcome(attempt int, outcome PollOutcome, consecutiveFailures int, remaining time.Duration) {
	fields := logrus.Fields{
		"attempt":   attempt,
		"outcome":   outcome.Status.String(),
		"remaining": remaining.Round(time.Millisecond).String(),
	}
	if outcome.Reason != "" {
		fields["reason"] = outcome.Reason
	}
	if outcome.Status == StatusCheckFailed {
		fields["consecutive_failures"] = consecutiveFailures
	}
	entry := l.log.WithFields(fields)

	repeat := l.seen && l.last == outcome.Status && outcome.Status == StatusNotReady
	l.last = outcome.Status
	l.seen = true

	if repeat {
		l.sampler.Do(func() { entry.Info("poll outcome") })
		return
	}
	l.sampler = notReadySampler()

	if outcome.Status == StatusCheckFailed {
		entry.Warn("poll outcome")
		return
	}
	entry.Info("poll outcome")
}

// Terminal records the session's terminal result. Exactly one of these is
// emitted per session.
func (l *PollEventLog) Terminal(result SessionResult) {
	fields := logrus.Fields{
		"status":   result.Status.String(),
		"attempts": result.Attempts,
		"elapsed":  result.Elapsed.Round(time.Millisecond).String(),
	}
	if result.Reason != "" {
		fields["reason"] = result.Reason
	}
	entry := l.log.WithFields(fields)

	switch result.Status {
	case SessionSuccess:
		entry.Info("polling finished")
	case SessionTimedOut:
		entry.Warn("polling finished")
	default:
		entry.Error("polling finished")
	}
}
