package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/wxgate/internal/completion"
	"github.com/mattjoyce/wxgate/internal/config"
	"github.com/mattjoyce/wxgate/internal/log"
	"github.com/mattjoyce/wxgate/internal/metrics"
	"github.com/mattjoyce/wxgate/internal/reply"
	"github.com/mattjoyce/wxgate/internal/storage"
	"github.com/mattjoyce/wxgate/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// journalPruneInterval is how often retention pruning runs while serving.
const journalPruneInterval = time.Hour

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "config":
		return runConfigNoun(args)
	case "journal":
		return runJournalNoun(args)
	case "sign":
		if hasHelpFlag(args) {
			printSignHelp()
			return 0
		}
		return runSign(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: wxgate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("wxgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`wxgate - WeChat Official Account callback gateway

Usage:
  wxgate <command> [flags]

Commands:
  start             Serve the callback endpoint in the foreground
  config check      Validate configuration and report problems
  config show       Print the effective configuration (secrets masked)
  journal tail      Show recent exchanges from the journal
  journal prune     Delete exchanges older than journal.retention
  sign              Compute a callback signature for manual testing
  version           Show version information
  help              Show this help message

Configuration is read from --config, $WXGATE_CONFIG or ./config.yaml, then
overridden by WECHAT_TOKEN, OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL,
PORT and LOG_LEVEL. A .env file in the working directory is loaded first.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printStartHelp() {
	fmt.Println("Usage: wxgate start [--config PATH]")
	fmt.Println("Serve the callback endpoint in the foreground until SIGINT or SIGTERM.")
}

// resolveConfig loads .env and picks the config file to use.
func resolveConfig(configPath string) string {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if configPath == "" {
		configPath = config.Discover()
	}
	return configPath
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	*configPath = resolveConfig(*configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}
	logger.Info("wxgate starting",
		"version", version,
		"config", *configPath,
		"fingerprint", fingerprint,
	)
	if cfg.WeChat.Token == "" {
		logger.Warn("wechat token is not configured; every callback will be rejected", "env", config.EnvToken)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var gen reply.Generator
	if cfg.EffectiveReplyMode() == config.ReplyModeCompletion {
		client, err := completion.New(completion.FromGlobalConfig(cfg.Completion))
		if err != nil {
			logger.Error("failed to create completion client", "error", err)
			return 1
		}
		gen = client
		logger.Info("completion provider configured", "model", client.Model())
	}

	strategy, err := reply.SelectStrategy(cfg, gen, m, log.WithComponent("reply"))
	if err != nil {
		logger.Error("failed to select reply strategy", "error", err)
		return 1
	}

	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		logger.Error("failed to configure callback server", "error", err)
		return 1
	}
	opts := []webhook.Option{webhook.WithMetrics(m)}

	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()

		journal := storage.NewJournal(db)
		opts = append(opts, webhook.WithJournal(journal))
		go journal.RunRetention(ctx, cfg.Journal.Retention, journalPruneInterval, log.WithComponent("journal"))
		logger.Info("journal enabled", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention.String())
	}

	server := webhook.New(webhookConfig, cfg.WeChat.Token, strategy, log.WithComponent("webhook"), opts...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	logger.Info("wxgate running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("callback server shutdown failed", "error", err)
			return 1
		}
	case err := <-errCh:
		logger.Error("callback server failed", "error", err)
		return 1
	}

	logger.Info("wxgate stopped")
	return 0
}
