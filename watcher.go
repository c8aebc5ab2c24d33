package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// DropWatcher drives the whole session: sync the clock, wait out the lead
// time, confirm the shop is live, navigate to the product, then hand the
// order button to the poller. With no drop times configured it skips the
// scheduling and polls immediately.
type DropWatcher struct {
	config     *Config
	log        *logrus.Logger
	timeSync   *TimeSync
	automation *Automation
	storefront *Storefront
	poller     *Poller

	// runWindow points at watchWindow; tests script windows through it.
	runWindow func(index int, dropAt time.Time) (SessionResult, error)
}

func NewDropWatcher(config *Config, log *logrus.Logger, automation *Automation) *DropWatcher {
	// Sample the shop's own clock first; the fallbacks only matter when
	// the shop does not answer.
	servers := make([]string, 0, len(config.TimeSyncServers)+1)
	if origin, err := originOf(config.ShopURL); err == nil {
		servers = append(servers, origin)
	}
	servers = append(servers, config.TimeSyncServers...)

	timeSync := NewTimeSync(servers, log)
	poller := NewPoller(NewPollEventLog(log))
	storefront := NewStorefront(automation, config, log)

	// Deadlines are instants on the synchronized clock, so everything
	// that compares against one reads that clock.
	poller.now = timeSync.Now
	automation.now = timeSync.Now
	storefront.now = timeSync.Now

	w := &DropWatcher{
		config:     config,
		log:        log,
		timeSync:   timeSync,
		automation: automation,
		storefront: storefront,
		poller:     poller,
	}
	w.runWindow = w.watchWindow
	return w
}

// Run watches every configured drop window in order and reports the final
// window's disposition: the last polling session's terminal result, or the
// error that kept that window from completing. The error covers everything
// outside the poll contract: bad configuration, a dead clock before a
// scheduled drop, navigation that never recovered, a click that failed
// after the button went ready.
func (w *DropWatcher) Run() (SessionResult, error) {
	windows, err := parseDropWindows(w.config.DropTimes)
	if err != nil {
		return SessionResult{}, err
	}

	if err := w.timeSync.Sync(); err != nil {
		// Scheduled drops live or die on the clock. An unscheduled watch
		// can limp along on local time.
		if len(windows) > 0 {
			return SessionResult{}, fmt.Errorf("time sync failed: %w", err)
		}
		w.log.Warnf("Time sync failed, using the local clock: %v", err)
	} else if offset := w.timeSync.Offset(); offset > 0 {
		w.log.Infof("Server time is %v ahead of local time", offset.Round(time.Millisecond))
	} else if offset < 0 {
		w.log.Infof("Server time is %v behind local time", (-offset).Round(time.Millisecond))
	}

	if len(windows) == 0 {
		return w.watchNow()
	}
	return w.watchScheduled(windows)
}

// watchNow is the unscheduled path: straight to the product, poll until
// the configured timeout.
func (w *DropWatcher) watchNow() (SessionResult, error) {
	w.log.Info("No drop times configured, watching the order button now")
	Preflight(w.config, w.log)

	setupBudget := time.Duration(w.config.PageLoadTimeoutSeconds) * time.Second
	if err := w.automation.NavigateToShop(w.timeSync.Now().Add(setupBudget)); err != nil {
		return SessionResult{}, err
	}
	if err := w.openProductSheet(w.timeSync.Now().Add(setupBudget)); err != nil {
		return SessionResult{}, err
	}

	result := w.poller.Run(w.storefront.OrderButtonProbe(), w.config.PollPolicy(w.timeSync.Now()))
	if result.Status == SessionSuccess {
		if err := w.completeOrder(); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (w *DropWatcher) watchScheduled(windows []time.Time) (SessionResult, error) {
	grace := time.Duration(w.config.PostDropGraceSeconds) * time.Second

	now := w.timeSync.Now()
	start := startWindowIndex(windows, now, grace)
	if start == -1 {
		return SessionResult{}, fmt.Errorf("all %d drop windows have already passed", len(windows))
	}
	if start > 0 {
		w.log.Infof("Skipping %d drop windows that already passed", start)
	}

	// The final window has the last word: a clean poll result supersedes
	// an earlier window's error, and an error in the final window is the
	// session's disposition even when an earlier window polled cleanly.
	var last SessionResult
	var lastErr error
	for i := start; i < len(windows); i++ {
		dropAt := windows[i]
		w.log.Infof("Drop window %d/%d opens at %s", i+1, len(windows), dropAt.Format(time.RFC3339))

		result, err := w.runWindow(i, dropAt)
		if err != nil {
			w.log.Errorf("Drop window %d/%d: %v", i+1, len(windows), err)
			last, lastErr = SessionResult{}, err
			continue
		}
		last, lastErr = result, nil
		if result.Status == SessionSuccess {
			return result, nil
		}
		w.log.Warnf("Drop window %d/%d closed without an order: %s", i+1, len(windows), result)
	}

	return last, lastErr
}

// watchWindow arms ahead of one drop window and polls it to completion.
func (w *DropWatcher) watchWindow(index int, dropAt time.Time) (SessionResult, error) {
	lead := time.Duration(w.config.PreDropLeadSeconds) * time.Second
	grace := time.Duration(w.config.PostDropGraceSeconds) * time.Second
	windowEnd := dropAt.Add(grace)

	w.sleepUntil(dropAt.Add(-lead), fmt.Sprintf("drop window %d arms", index+1))
	Preflight(w.config, w.log)

	if err := w.pollShopLive(windowEnd); err != nil {
		return SessionResult{}, err
	}
	if err := w.automation.NavigateToShop(windowEnd); err != nil {
		return SessionResult{}, err
	}
	if err := w.openProductSheet(windowEnd); err != nil {
		return SessionResult{}, err
	}

	result := w.poller.Run(w.storefront.OrderButtonProbe(), w.config.WindowPolicy(dropAt))
	if result.Status == SessionSuccess {
		if err := w.completeOrder(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// openProductSheet walks shop page -> drop card -> product tile so the
// order button is on screen before polling starts.
func (w *DropWatcher) openProductSheet(deadline time.Time) error {
	card, err := w.storefront.FindDropCard(deadline)
	if err != nil {
		return err
	}
	if labelDate, err := w.storefront.ReadDropLabel(card); err == nil {
		w.log.Infof("Drop card is labeled for %s", labelDate.Format("January 2, 2006"))
	}
	if err := w.storefront.OpenDropCard(card); err != nil {
		return err
	}

	product, err := w.storefront.FindProduct(deadline)
	if err != nil {
		return err
	}
	return w.storefront.OpenProduct(product)
}

func (w *DropWatcher) completeOrder() error {
	if w.config.DryRun {
		w.log.Info("Dry run: order button is ready, skipping the click")
		w.automation.Screenshot("dry-run-ready")
		return nil
	}
	if err := w.storefront.ClickOrderButton(); err != nil {
		w.automation.Screenshot("order-click-failed")
		return fmt.Errorf("order click failed: %w", err)
	}
	w.automation.Screenshot("order-clicked")
	w.log.Info("Order is in the cart, finish checkout in the browser")
	return nil
}

// sleepUntil blocks until target on the synchronized clock, logging
// progress and resyncing hourly so a long wait does not drift.
func (w *DropWatcher) sleepUntil(target time.Time, label string) {
	for {
		now := w.timeSync.Now()
		if !now.Before(target) {
			return
		}

		if w.timeSync.ShouldResync() {
			if err := w.timeSync.Sync(); err != nil {
				w.log.Warnf("Periodic time resync failed: %v", err)
			}
		}

		remaining := target.Sub(now)
		if remaining > 30*time.Second {
			w.log.Infof("%v until %s", remaining.Round(time.Second), label)
			time.Sleep(30 * time.Second)
			continue
		}
		time.Sleep(remaining)
	}
}

// pollShopLive HEAD-checks the shop until it answers 200, with jittered
// delays so a thousand watchers do not knock in lockstep.
func (w *DropWatcher) pollShopLive(deadline time.Time) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	attemptNum := 0
	for {
		attemptNum++

		req, err := http.NewRequest(http.MethodHead, w.config.ShopURL, nil)
		if err != nil {
			return fmt.Errorf("invalid shop URL: %w", err)
		}
		req.Header.Set("User-Agent", browserUserAgent)

		resp, err := client.Do(req)
		if err == nil {
			status := resp.StatusCode
			resp.Body.Close()
			if status == http.StatusOK {
				w.log.Infof("Shop is live (HTTP %d after %d checks)", status, attemptNum)
				return nil
			}
			if attemptNum%20 == 0 || attemptNum <= 3 {
				w.log.Infof("Shop not live yet (HTTP %d, attempt %d)", status, attemptNum)
			}
		} else if attemptNum%20 == 0 || attemptNum <= 3 {
			w.log.Warnf("Shop liveness check failed (attempt %d): %v", attemptNum, err)
		}

		if !w.timeSync.Now().Before(deadline) {
			return fmt.Errorf("shop never came live before the window closed (%d checks)", attemptNum)
		}

		delay := w.config.ShopLiveDelayMinMs
		if spread := w.config.ShopLiveDelayMaxMs - w.config.ShopLiveDelayMinMs; spread > 0 {
			delay += rand.Intn(spread + 1)
		}
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}
}

// startWindowIndex finds the first window whose grace period has not
// closed yet. Returns -1 when every window has passed.
func startWindowIndex(windows []time.Time, now time.Time, grace time.Duration) int {
	for i, dropAt := range windows {
		if now.Before(dropAt.Add(grace)) {
			return i
		}
	}
	return -1
}

func parseDropWindows(raw []string) ([]time.Time, error) {
	windows := make([]time.Time, 0, len(raw))
	for _, value := range raw {
		t, err := ParseDropTime(value)
		if err != nil {
			return nil, fmt.Errorf("drop time %q: %w", value, err)
		}
		windows = append(windows, t)
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].Before(windows[j])
	})
	return windows, nil
}
