package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
)

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Automation owns the browser session: launch, page creation, liveness
// watching, navigation, debug screenshots. Everything that talks to the
// page itself lives in Storefront.
type Automation struct {
	config   *Config
	log      *logrus.Logger
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	stopChan chan bool

	// now defaults to the wall clock; the watcher points it at the
	// synchronized clock so navigation deadlines track server time.
	now func() time.Time
}

func NewAutomation(config *Config, log *logrus.Logger) *Automation {
	return &Automation{
		config:   config,
		log:      log,
		stopChan: make(chan bool, 1),
		now:      time.Now,
	}
}

func (a *Automation) Close() {
	select {
	case a.stopChan <- true:
	default:
	}

	a.log.Info("Cleaning up browser session")

	if a.page != nil {
		a.page.Close()
	}

	if a.browser != nil {
		a.browser.Close()
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
	}
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	_, err := a.browser.Version()
	if err != nil {
		a.log.Debugf("Browser version check failed: %v", err)
		return false
	}

	if a.page != nil {
		_, err := a.page.Info()
		if err != nil {
			a.log.Debugf("Page info check failed: %v", err)
			return false
		}
	}

	return true
}

func (a *Automation) checkBrowserOrExit() {
	if !a.isBrowserAlive() {
		a.log.Warn("Browser was closed, shutting down")
		os.Exit(0)
	}
}

func (a *Automation) watchBrowser() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.checkBrowserOrExit()
		}
	}
}

func (a *Automation) setupBrowser() error {
	a.log.Info("Launching browser")

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	// Prefer system Chrome (avoids download and permission issues)
	chromePath, chromeExists := launcher.LookPath()

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless)

	// Custom user data dir avoids conflicts with a running Chrome.
	// Must be set before Bin() to ensure it's applied.
	if a.config.BrowserProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.config.BrowserProfilePath)
		a.log.Debugf("Browser profile path: %s", a.config.BrowserProfilePath)
	}

	if chromeExists {
		a.launcher = a.launcher.Bin(chromePath)
		a.log.Debugf("Using system Chrome at %s", chromePath)
	} else {
		a.log.Info("System Chrome not found, downloading Chromium")
	}

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			a.log.Error("Chrome is already running with this profile. Close all Chrome windows and try again.")
			return fmt.Errorf("chrome already running with profile %s", a.config.BrowserProfilePath)
		}
		if strings.Contains(errMsg, "Access is denied") || strings.Contains(errMsg, "permission denied") {
			a.log.Error("Browser download was blocked. Close Chrome, delete the rod cache directory and retry, or install Chrome.")
			return fmt.Errorf("browser setup failed: %w", err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	a.browser = rod.New().ControlURL(url).MustConnect()

	a.page, err = stealth.Page(a.browser)
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}

	if err := a.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: browserUserAgent,
	}); err != nil {
		a.log.Debugf("Failed to set User-Agent: %v", err)
	}

	if a.config.ViewportWidth > 0 && a.config.ViewportHeight > 0 {
		if err := a.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             a.config.ViewportWidth,
			Height:            a.config.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			a.log.Debugf("Failed to set viewport: %v", err)
		}
	}

	go a.watchBrowser()

	a.log.Info("Browser ready")
	return nil
}

// NavigateToShop drives the page to the shop URL, retrying navigation and
// load errors every 2 seconds until the deadline. Navigation failures are
// the caller's problem, not the poll probe's: a session only starts once
// the page is actually there.
func (a *Automation) NavigateToShop(deadline time.Time) error {
	loadTimeout := time.Duration(a.config.PageLoadTimeoutSeconds) * time.Second

	attemptNum := 0
	for {
		attemptNum++

		if !a.now().Before(deadline) {
			return fmt.Errorf("shop page did not load before deadline (%d attempts)", attemptNum-1)
		}

		if err := a.page.Navigate(a.config.ShopURL); err != nil {
			if attemptNum%10 == 0 || attemptNum <= 3 {
				a.log.Warnf("Attempt %d: navigation error, retrying in 2s: %v", attemptNum, err)
			}
			time.Sleep(2 * time.Second)
			continue
		}

		if err := a.page.Timeout(loadTimeout).WaitLoad(); err != nil {
			if attemptNum%10 == 0 || attemptNum <= 3 {
				a.log.Warnf("Attempt %d: page load error, retrying in 2s", attemptNum)
			}
			time.Sleep(2 * time.Second)
			continue
		}

		status, err := a.page.Eval(`() => {
			return window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200;
		}`)
		if err == nil {
			code := status.Value.Int()
			if code == 404 {
				if attemptNum == 1 {
					a.log.Info("Shop page not available yet (404), waiting for it to go live")
				}
				if attemptNum%30 == 0 {
					a.log.Infof("Still waiting for shop page (attempt %d, checking every 2s)", attemptNum)
				}
				time.Sleep(2 * time.Second)
				continue
			}
			if code >= 400 {
				if attemptNum%10 == 0 || attemptNum <= 3 {
					a.log.Warnf("Attempt %d: shop page returned HTTP %d, retrying in 2s", attemptNum, code)
				}
				time.Sleep(2 * time.Second)
				continue
			}
			a.log.Debugf("Shop page HTTP status: %d", code)
		}

		if attemptNum > 1 {
			a.log.Infof("Shop page loaded after %d attempts", attemptNum)
		}
		return nil
	}
}

// Screenshot saves a PNG of the current page into the screenshot directory.
// Failures only log; a missed screenshot must never interrupt a drop.
func (a *Automation) Screenshot(name string) {
	if a.page == nil || a.config.ScreenshotDir == "" {
		return
	}

	data, err := a.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		a.log.Debugf("Screenshot %s failed: %v", name, err)
		return
	}

	if err := os.MkdirAll(a.config.ScreenshotDir, 0755); err != nil {
		a.log.Debugf("Screenshot dir: %v", err)
		return
	}

	path := filepath.Join(a.config.ScreenshotDir, fmt.Sprintf("%s-%s.png", name, time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		a.log.Debugf("Screenshot write failed: %v", err)
		return
	}

	a.log.Debugf("Saved screenshot %s", path)
}
