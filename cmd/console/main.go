package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/nexusconsole/pkg/console"
	"github.com/NicolasHaas/nexusconsole/pkg/crypto"
	"github.com/NicolasHaas/nexusconsole/pkg/logging"
	"github.com/NicolasHaas/nexusconsole/pkg/remote"
	"github.com/NicolasHaas/nexusconsole/pkg/store"
	"github.com/NicolasHaas/nexusconsole/pkg/version"
)

func main() {
	cfg := console.DefaultConfig()
	var corsOrigins string

	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP admin API bind address (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.BoolVar(&cfg.Demo, "demo", false, "Use an in-memory store seeded with the demo roster")
	flag.StringVar(&cfg.SettingsFile, "settings", "", "YAML file with credentials, root identities and seed identities")
	flag.StringVar(&cfg.RedisURL, "redis", "", "Redis URL for the remote session provider and cross-process signals")
	flag.StringVar(&cfg.RedisNamespace, "redis-namespace", cfg.RedisNamespace, "Prefix for Redis keys and channels")
	flag.StringVar(&corsOrigins, "cors", "", "Comma-separated browser origins allowed to call the API")
	flag.BoolVar(&cfg.Terminal, "terminal", false, "Run the operator terminal on stdin")
	flag.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Periodic metrics log interval (0 to disable)")
	flag.BoolVar(&cfg.ExportIdentities, "export-identities", false, "Export all identities as YAML and exit")
	flag.BoolVar(&cfg.ExportLogs, "export-logs", false, "Export the audit trail as YAML and exit")

	hashPasscode := flag.Bool("hash-passcode", false, "Read a passcode from stdin, print its argon2id hash and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *hashPasscode {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			slog.Error("read passcode", "err", err)
			os.Exit(1)
		}
		hash, err := crypto.HashPasscode(strings.TrimRight(line, "\r\n"))
		if err != nil {
			slog.Error("hash passcode", "err", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if corsOrigins != "" {
		for _, o := range strings.Split(corsOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if cfg.ExportIdentities || cfg.ExportLogs {
		defer st.Close()
		ctx := context.Background()
		if cfg.ExportIdentities {
			data, err := console.ExportIdentitiesYAML(ctx, st)
			if err != nil {
				slog.Error("export identities", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		if cfg.ExportLogs {
			data, err := console.ExportLogsYAML(ctx, st, 0)
			if err != nil {
				slog.Error("export logs", "err", err)
				os.Exit(1)
			}
			fmt.Print(string(data))
		}
		return
	}

	settings, err := loadSettings(cfg)
	if err != nil {
		slog.Error("load settings", "err", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = remote.Dial(context.Background(), cfg.RedisURL)
		if err != nil {
			slog.Error("connect redis", "err", err)
			os.Exit(1)
		}
	}

	c, err := console.New(cfg, settings, console.Dependencies{Store: st, Redis: rdb})
	if err != nil {
		slog.Error("console setup", "err", err)
		os.Exit(1)
	}
	if err := c.Run(); err != nil {
		slog.Error("console error", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg console.Config) (store.DataStore, error) {
	if cfg.Demo {
		return store.NewMemory(), nil
	}
	return store.New(cfg.DBPath)
}

// loadSettings reads the settings file; demo mode with no file gets the demo roster.
func loadSettings(cfg console.Config) (console.Settings, error) {
	if cfg.SettingsFile != "" {
		return console.LoadSettings(cfg.SettingsFile)
	}
	if cfg.Demo {
		return console.DemoSettings(), nil
	}
	return console.Settings{}, nil
}
