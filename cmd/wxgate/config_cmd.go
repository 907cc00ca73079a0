package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/wxgate/internal/config"
	"github.com/mattjoyce/wxgate/internal/doctor"
)

var (
	verdictOK   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00AF00"))
	verdictWarn = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#D7AF00"))
	verdictFail = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#D70000"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: wxgate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: wxgate config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration and report every error and warning.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid (warnings allowed unless --strict)")
	fmt.Println("  1  Invalid, or warnings with --strict")
}

func printConfigShowHelp() {
	fmt.Println("Usage: wxgate config show [--config PATH]")
	fmt.Println("Print the effective configuration as YAML with secrets masked.")
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}
	if format != "human" && format != "json" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (expected human or json)\n", format)
		return 1
	}

	configPath = resolveConfig(configPath)
	cfg, err := config.LoadUnvalidated(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if format == "json" {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
		printVerdict(result, strict)
		if fp, err := config.Fingerprint(cfg); err == nil {
			fmt.Println(dimStyle.Render("fingerprint: " + fp))
		}
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 1
	}
	return 0
}

func printVerdict(result *doctor.Result, strict bool) {
	switch {
	case !result.Valid:
		fmt.Println(verdictFail.Render("✗ not ready to serve"))
	case len(result.Warnings) > 0 && strict:
		fmt.Println(verdictFail.Render("✗ warnings are fatal with --strict"))
	case len(result.Warnings) > 0:
		fmt.Println(verdictWarn.Render("✓ ready to serve (with warnings)"))
	default:
		fmt.Println(verdictOK.Render("✓ ready to serve"))
	}
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := resolveConfig(*configPath)
	cfg, err := config.LoadUnvalidated(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	data, err := cfg.MarshalRedacted()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fp, err := config.Fingerprint(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if path != "" {
		fmt.Printf("# source: %s\n", path)
	}
	fmt.Printf("# fingerprint: %s\n", fp)
	fmt.Print(string(data))
	return 0
}
