package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"market_scanner/internal/bootstrap"
	"market_scanner/internal/config"
	"market_scanner/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanner version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Credentials and overrides may live in a local .env. A missing file is
	// the normal case in production.
	_ = godotenv.Load()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting scanner",
		"version", version,
		"interval_minutes", cfg.Scanner.RefreshIntervalMinutes,
		"universe_max", cfg.Scanner.UniverseMaxSize,
		"trading_enabled", cfg.TradingEnabled(),
	)

	app := bootstrap.NewApp(cfg, logger)
	if err := app.Run(); err != nil {
		logger.Error("Scanner exited with error", "error", err)
		os.Exit(1)
	}
}
