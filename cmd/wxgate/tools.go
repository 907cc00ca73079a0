package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/wxgate/internal/config"
	"github.com/mattjoyce/wxgate/internal/storage"
	"github.com/mattjoyce/wxgate/internal/wechat"
)

func printSignHelp() {
	fmt.Println("Usage: wxgate sign [--token TOKEN] [--timestamp TS] [--nonce NONCE] [--echostr STR] [--config PATH]")
	fmt.Println("Compute the callback signature and print a ready-to-use query string.")
	fmt.Println("The token defaults to the configured one; timestamp and nonce default to now and a random value.")
}

func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	token := fs.String("token", "", "Shared token (defaults to configured wechat.token)")
	timestamp := fs.String("timestamp", "", "Timestamp (defaults to now)")
	nonce := fs.String("nonce", "", "Nonce (defaults to a random value)")
	echostr := fs.String("echostr", "", "Echo string to include for a handshake query")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		cfg, err := config.LoadUnvalidated(resolveConfig(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
			return 1
		}
		*token = cfg.WeChat.Token
	}
	if *token == "" {
		fmt.Fprintf(os.Stderr, "No token: pass --token or set $%s\n", config.EnvToken)
		return 1
	}
	if *timestamp == "" {
		*timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}
	if *nonce == "" {
		*nonce = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	}

	signature := wechat.Sign(*token, *timestamp, *nonce)

	q := url.Values{}
	q.Set("signature", signature)
	q.Set("timestamp", *timestamp)
	q.Set("nonce", *nonce)
	if *echostr != "" {
		q.Set("echostr", *echostr)
	}

	fmt.Printf("signature: %s\n", signature)
	fmt.Printf("query: %s\n", q.Encode())
	return 0
}

func runJournalNoun(args []string) int {
	if len(args) < 1 {
		printJournalNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJournalNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "tail":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: wxgate journal tail [--config PATH] [--limit N] [--json]")
			fmt.Println("Show the most recent exchanges, newest first.")
			return 0
		}
		return runJournalTail(actionArgs)
	case "prune":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: wxgate journal prune [--config PATH]")
			fmt.Println("Delete exchanges older than journal.retention.")
			return 0
		}
		return runJournalPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", action)
		return 1
	}
}

func printJournalNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: wxgate journal <action> [flags]")
	fmt.Fprintln(w, "Actions: tail, prune")
}

// openJournal loads config and opens the journal database it points at.
func openJournal(ctx context.Context, configPath string) (*storage.Journal, func(), *config.Config, error) {
	cfg, err := config.Load(resolveConfig(configPath))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Journal.Path == "" {
		return nil, nil, nil, fmt.Errorf("journal.path is not configured")
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return nil, nil, nil, fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return storage.NewJournal(db), func() { _ = db.Close() }, cfg, nil
}

func runJournalTail(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of exchanges to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	journal, closeFn, _, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeFn()

	exchanges, err := journal.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *jsonOut {
		if exchanges == nil {
			exchanges = []storage.Exchange{}
		}
		data, err := json.MarshalIndent(exchanges, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(exchanges) == 0 {
		fmt.Println("No exchanges recorded.")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tFROM\tTYPE\tSTRATEGY\tCONTENT\tREPLY")
	for _, ex := range exchanges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ex.ReceivedAt.Local().Format(time.DateTime),
			ex.FromUser,
			ex.MsgType,
			ex.Strategy,
			truncate(ex.Content, 40),
			truncate(ex.Reply, 40),
		)
	}
	_ = w.Flush()
	return 0
}

func runJournalPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	journal, closeFn, cfg, err := openJournal(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeFn()

	if cfg.Journal.Retention <= 0 {
		fmt.Println("journal.retention is not positive; nothing pruned.")
		return 0
	}

	n, err := journal.PruneBefore(ctx, time.Now().Add(-cfg.Journal.Retention))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d exchange(s) older than %s.\n", n, cfg.Journal.Retention)
	return 0
}

// truncate shortens s to at most n runes on a single line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
