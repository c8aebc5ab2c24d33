package main

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const resyncInterval = 1 * time.Hour

// TimeSync keeps a local view of server time by sampling HTTP Date headers.
// The watcher puts the shop origin first in the server list so drop
// deadlines track the storefront's own clock; public hosts act as fallback
// for shops that strip the header.
type TimeSync struct {
	servers      []string
	log          *logrus.Logger
	client       *http.Client
	offset       time.Duration
	lastSyncTime time.Time
	synced       bool
}

// NewTimeSync creates a TimeSync sampling the given servers.
func NewTimeSync(servers []string, log *logrus.Logger) *TimeSync {
	return &TimeSync{
		servers: servers,
		log:     log,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Sync samples every configured server and stores the average offset.
// It fails only when no server yields a usable Date header; a partial
// sample set still counts as synchronized.
func (ts *TimeSync) Sync() error {
	var totalOffset time.Duration
	successCount := 0

	for _, server := range ts.servers {
		offset, err := ts.sampleOffset(server)
		if err != nil {
			ts.log.Debugf("Time sync failed for %s: %v", server, err)
			continue
		}

		totalOffset += offset
		successCount++
		ts.log.Debugf("Time offset from %s: %v", server, offset)
	}

	if successCount == 0 {
		return fmt.Errorf("failed to sync time with any of %d servers", len(ts.servers))
	}

	ts.offset = totalOffset / time.Duration(successCount)
	ts.lastSyncTime = time.Now()
	ts.synced = true

	ts.log.Infof("Time synchronized with %d/%d servers (average offset: %v)",
		successCount, len(ts.servers), ts.offset)

	return nil
}

// sampleOffset makes one HTTP HEAD request and derives the clock offset
// from the Date header, compensating for half the round trip.
func (ts *TimeSync) sampleOffset(server string) (time.Duration, error) {
	before := time.Now()

	req, err := http.NewRequest("HEAD", server, nil)
	if err != nil {
		return 0, err
	}

	resp, err := ts.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	after := time.Now()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return 0, fmt.Errorf("no Date header in response")
	}

	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	latency := after.Sub(before) / 2
	localTime := before.Add(latency)

	return serverTime.Sub(localTime), nil
}

// Now returns the current synchronized time, or plain local time before the
// first successful sync.
func (ts *TimeSync) Now() time.Time {
	if !ts.synced {
		return time.Now()
	}
	return time.Now().Add(ts.offset)
}

// Offset returns the last computed clock offset.
func (ts *TimeSync) Offset() time.Duration {
	return ts.offset
}

// IsSynced returns whether at least one sync has succeeded.
func (ts *TimeSync) IsSynced() bool {
	return ts.synced
}

// ShouldResync reports whether the last sync is stale.
func (ts *TimeSync) ShouldResync() bool {
	if !ts.synced {
		return true
	}
	return time.Since(ts.lastSyncTime) > resyncInterval
}

// originOf reduces a URL to its scheme://host origin, the form time sync
// and the pre-flight warmup want to target.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %s: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %s has no scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
