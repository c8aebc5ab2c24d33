package main

import (
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewAutomation(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	config := DefaultConfig()
	automation := NewAutomation(config, logger)

	if automation == nil {
		t.Fatal("NewAutomation returned nil")
	}

	if automation.config != config {
		t.Error("Automation config does not match provided config")
	}

	if automation.log != logger {
		t.Error("Automation logger does not match provided logger")
	}

	if automation.stopChan == nil {
		t.Error("Stop channel not initialized")
	}

	if automation.browser != nil || automation.page != nil {
		t.Error("Browser should not exist before setupBrowser")
	}
}

func TestIsBrowserAlive(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	automation := NewAutomation(DefaultConfig(), logger)

	// Without a browser, should return false
	if automation.isBrowserAlive() {
		t.Error("isBrowserAlive() should return false when browser is nil")
	}
}

func TestScreenshotWithoutPage(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	config := DefaultConfig()
	config.ScreenshotDir = t.TempDir()
	automation := NewAutomation(config, logger)

	// No page yet; must be a silent no-op, never a panic
	automation.Screenshot("before-browser")
}

func TestCloseWithoutBrowser(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	automation := NewAutomation(DefaultConfig(), logger)

	// Close before setupBrowser should not panic
	automation.Close()

	// A second Close must also be safe
	automation.Close()
}

func TestNavigateToShop(t *testing.T) {
	// This test would require a browser instance, so we'll skip it
	// In a real-world scenario, you'd use a mock or test page
	t.Skip("Skipping browser-dependent test")
}

// The navigation budget rides the session clock, not the wall clock: with
// the session clock an hour ahead, a deadline the wall clock has not
// reached yet is already expired and no navigation may be attempted.
func TestNavigateToShopDeadlineOnSessionClock(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	automation := NewAutomation(DefaultConfig(), logger)
	automation.now = func() time.Time { return time.Now().Add(time.Hour) }

	err := automation.NavigateToShop(time.Now().Add(30 * time.Minute))
	if err == nil {
		t.Fatal("Expected a deadline error")
	}
	if !strings.Contains(err.Error(), "did not load before deadline") {
		t.Errorf("Expected a deadline error, got %v", err)
	}
}
