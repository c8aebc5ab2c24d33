package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	shopURL := flag.String("url", "", "Shop URL to watch (overrides config)")
	itemName := flag.String("item", "", "Product name to order (overrides config)")
	dropTimes := flag.String("drop", "", "Comma-separated drop times, e.g. '2026-02-10 16:00,2026-02-11 16:00' (overrides config)")
	headless := flag.Bool("headless", false, "Run the browser without a window")
	dryRun := flag.Bool("dry-run", false, "Test mode: stop before clicking the order button")
	debug := flag.Bool("debug", false, "Enable detailed debug logging")
	showConfig := flag.Bool("show-config", false, "Print the effective configuration and exit")
	flag.Parse()

	checkUserDataDir()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *shopURL != "" {
		config.ShopURL = *shopURL
	}
	if *itemName != "" {
		config.ItemName = *itemName
	}
	if *dropTimes != "" {
		config.DropTimes = splitDropTimes(*dropTimes)
	}
	if *headless {
		config.Headless = true
	}
	if *dryRun {
		config.DryRun = true
	}
	if *debug {
		config.DebugMode = true
	}

	if err := config.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if *showConfig {
		data, err := yaml.Marshal(config)
		if err != nil {
			log.Fatalf("Failed to render config: %v", err)
		}
		fmt.Print(string(data))
		return
	}

	logger, err := NewLogger(config)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Dropwatch — drop order bot                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Shop URL: %s\n", config.ShopURL)
	fmt.Printf("Item: %s (drop card %q)\n", config.ItemName, config.DropCardTitle)
	fmt.Printf("Browser Profile: %s\n", config.BrowserProfilePath)

	if len(config.DropTimes) > 0 {
		fmt.Printf("⏰ SCHEDULED MODE - %d drop window(s) configured\n", len(config.DropTimes))
	} else {
		fmt.Println("👀 IMMEDIATE MODE - Watching the order button right away")
	}
	if config.DryRun {
		fmt.Println("🧪 DRY RUN MODE - Will not click the order button")
	}
	if config.DebugMode {
		fmt.Println("🔍 DEBUG MODE - Detailed logging enabled")
	}
	fmt.Println()

	automation := NewAutomation(config, logger)
	if err := automation.setupBrowser(); err != nil {
		automation.Close()
		logger.Fatalf("Failed to set up browser: %v", err)
	}

	watcher := NewDropWatcher(config, logger, automation)
	result, err := watcher.Run()
	if err != nil {
		logger.Errorf("Watch failed: %v", err)
		automation.Close()
		os.Exit(1)
	}

	logger.Infof("Watch finished: %s", result)

	if result.Status == SessionSuccess && config.KeepBrowserOpen && !config.Headless {
		logger.Info("Keeping browser open for 30 seconds, finish checkout there")
		time.Sleep(30 * time.Second)
	}

	automation.Close()
	os.Exit(exitCodeFor(result))
}

// exitCodeFor maps a session's terminal result to the process exit code:
// 0 for an order, 2 for a window that closed quietly, 3 for an aborted
// session. Setup and navigation failures exit 1 before this mapping runs.
func exitCodeFor(result SessionResult) int {
	switch result.Status {
	case SessionSuccess:
		return 0
	case SessionTimedOut:
		return 2
	case SessionAborted:
		return 3
	default:
		return 1
	}
}

// splitDropTimes turns the -drop flag's comma list into config entries,
// dropping empty segments so a trailing comma does not become a window.
func splitDropTimes(raw string) []string {
	var times []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			times = append(times, part)
		}
	}
	return times
}

// Store init error for later display
var initUserDataDirError error

func init() {
	if err := os.MkdirAll(getUserDataDir(), 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDir() {
	if initUserDataDirError != nil {
		log.Printf("Warning: could not create user data directory %s: %v",
			getUserDataDir(), initUserDataDirError)
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./dropwatch-data"
	}
	return filepath.Join(home, ".dropwatch")
}
