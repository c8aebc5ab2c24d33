package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ShopURL string `yaml:"shop_url"`

	ItemName      string `yaml:"item_name"`
	DropCardTitle string `yaml:"drop_card_title"`

	// Drop times in any format ParseDropTime accepts. Empty means watch
	// immediately instead of waiting for a scheduled window.
	DropTimes []string `yaml:"drop_times"`

	PollIntervalMs         int `yaml:"poll_interval_ms"`
	PollTimeoutSeconds     int `yaml:"poll_timeout_seconds"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	ProbeTimeoutMs         int `yaml:"probe_timeout_ms"`

	PreDropLeadSeconds   int `yaml:"pre_drop_lead_seconds"`
	PostDropGraceSeconds int `yaml:"post_drop_grace_seconds"`

	ShopLiveDelayMinMs int `yaml:"shop_live_delay_min_ms"`
	ShopLiveDelayMaxMs int `yaml:"shop_live_delay_max_ms"`

	PageLoadTimeoutSeconds int `yaml:"page_load_timeout_seconds"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`

	Headless        bool `yaml:"headless"`
	KeepBrowserOpen bool `yaml:"keep_browser_open"`

	DryRun    bool `yaml:"dry_run"`
	DebugMode bool `yaml:"debug_mode"`

	ScreenshotDir string `yaml:"screenshot_dir"`
	LogFile       string `yaml:"log_file"`

	TimeSyncServers []string `yaml:"time_sync_servers"`
	DNSServers      []string `yaml:"dns_servers"`

	Selectors SelectorConfig `yaml:"selectors"`
}

type SelectorConfig struct {
	DropCard      string `yaml:"drop_card"`
	DropCardTitle string `yaml:"drop_card_title"`
	SoldOutBadge  string `yaml:"sold_out_badge"`
	ProductTile   string `yaml:"product_tile"`
	ProductTitle  string `yaml:"product_title"`
	ProductPrice  string `yaml:"product_price"`
	OrderButton   string `yaml:"order_button"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		ShopURL:       "https://www.hotplate.com/butterandcrumble",
		ItemName:      "Small Pastry Box",
		DropCardTitle: "Thurs - Sun",
		DropTimes:     []string{},

		PollIntervalMs:         500,
		PollTimeoutSeconds:     30,
		MaxConsecutiveFailures: 3,
		ProbeTimeoutMs:         2000,

		PreDropLeadSeconds:   120,
		PostDropGraceSeconds: 600,

		ShopLiveDelayMinMs: 800,
		ShopLiveDelayMaxMs: 1200,

		PageLoadTimeoutSeconds: 30,

		BrowserProfilePath: filepath.Join(userDataDir, "browser-profile"),
		ViewportWidth:      1920,
		ViewportHeight:     1080,

		Headless:        false,
		KeepBrowserOpen: true,

		DryRun:    false,
		DebugMode: false,

		ScreenshotDir: "screenshots",
		LogFile:       "dropwatch.log",

		TimeSyncServers: []string{
			"https://www.google.com",
			"https://www.cloudflare.com",
		},
		DNSServers: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		},

		Selectors: SelectorConfig{
			DropCard:      "div[class*='c-fixGjY']",
			DropCardTitle: "h2",
			SoldOutBadge:  "div.c-iNPRhU",
			ProductTile:   "button.c-ietuGy",
			ProductTitle:  "h3",
			ProductPrice:  "p.c-fFmitg",
			OrderButton:   "button.c-bYwOQu.c-bYwOQu-dWXYMB-size-large, button.c-bYwOQu",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		applyEnvOverrides(config)
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	applyEnvOverrides(config)

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the values a watch cannot run without. Selector defaults
// always exist, so only the operator-tunable numbers are checked.
func (c *Config) Validate() error {
	if c.ShopURL == "" {
		return fmt.Errorf("shop_url must not be empty")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", c.PollIntervalMs)
	}
	if c.PollTimeoutSeconds <= 0 {
		return fmt.Errorf("poll_timeout_seconds must be positive, got %d", c.PollTimeoutSeconds)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1, got %d", c.MaxConsecutiveFailures)
	}
	if c.ProbeTimeoutMs <= 0 {
		return fmt.Errorf("probe_timeout_ms must be positive, got %d", c.ProbeTimeoutMs)
	}
	if c.PreDropLeadSeconds < 0 {
		return fmt.Errorf("pre_drop_lead_seconds must not be negative, got %d", c.PreDropLeadSeconds)
	}
	if c.PostDropGraceSeconds <= 0 {
		return fmt.Errorf("post_drop_grace_seconds must be positive, got %d", c.PostDropGraceSeconds)
	}
	if c.ShopLiveDelayMinMs <= 0 || c.ShopLiveDelayMaxMs < c.ShopLiveDelayMinMs {
		return fmt.Errorf("shop_live_delay bounds invalid: min %d, max %d", c.ShopLiveDelayMinMs, c.ShopLiveDelayMaxMs)
	}
	return nil
}

// PollPolicy is the immediate-mode policy: poll from now until the
// configured timeout elapses.
func (c *Config) PollPolicy(now time.Time) RetryPolicy {
	return RetryPolicy{
		Interval:               time.Duration(c.PollIntervalMs) * time.Millisecond,
		Deadline:               now.Add(time.Duration(c.PollTimeoutSeconds) * time.Second),
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
}

// WindowPolicy polls a scheduled drop until its grace period closes.
func (c *Config) WindowPolicy(dropAt time.Time) RetryPolicy {
	return RetryPolicy{
		Interval:               time.Duration(c.PollIntervalMs) * time.Millisecond,
		Deadline:               dropAt.Add(time.Duration(c.PostDropGraceSeconds) * time.Second),
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
}

// applyEnvOverrides layers the environment settings the original deployment
// used on top of the file values. Flags still win over both.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DROPWATCH_URL"); v != "" {
		config.ShopURL = v
	}
	if v := os.Getenv("DROPWATCH_ITEM"); v != "" {
		config.ItemName = v
	}
	if v := os.Getenv("DROPWATCH_HEADLESS"); v != "" {
		config.Headless = parseBoolEnv(v)
	}
	if v := os.Getenv("DROPWATCH_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.PollIntervalMs = n
		}
	}
	if v := os.Getenv("DROPWATCH_POLL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.PollTimeoutSeconds = n
		}
	}
}

func parseBoolEnv(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
