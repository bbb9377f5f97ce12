package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/marcus-qen/cadence/internal/automation"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8080"
)

type cliConfig struct {
	server     string
	apiKey     string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey)
	ctx := context.Background()

	switch command {
	case "rules":
		err = runRules(ctx, client, cfg, args)
	case "apply":
		err = runApply(ctx, client, cfg, args)
	case "reset":
		err = runReset(ctx, client, cfg, args)
	case "clear":
		err = runClear(ctx, client, cfg, args)
	case "run":
		err = runNow(ctx, client, cfg, args)
	case "policy":
		err = runPolicy(ctx, client, cfg, args)
	case "version":
		fmt.Printf("cadencectl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server: os.Getenv("CADENCE_SERVER"),
		apiKey: os.Getenv("CADENCE_API_KEY"),
	}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: cadencectl [--server <url>] [--api-key <key>] [--json] <command>

Commands:
  rules <scope>                         Show a scope's rules and their status
  apply <scope> <file|-> [--version N]  Replace the rule set from YAML or JSON
  reset <scope> [--version N]           Restore the baseline rule set
  clear <scope> <rule-id>... [--version N]
                                        Remove completed one-shot rules
  run <scope>                           Evaluate a scope's rules now
  policy <scope> [key=value ...]        Show or update the nudge policy
  version                               Print version information

Without --version, writes use the version read just before the write.
`)
}

// versionFlag strips a trailing "--version N" from args.
func versionFlag(args []string) ([]string, *int64, error) {
	rest := make([]string, 0, len(args))
	var expected *int64
	for i := 0; i < len(args); i++ {
		if args[i] != "--version" {
			rest = append(rest, args[i])
			continue
		}
		if i+1 >= len(args) {
			return nil, nil, fmt.Errorf("--version requires a value")
		}
		v, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || v < 0 {
			return nil, nil, fmt.Errorf("invalid --version %q", args[i+1])
		}
		expected = &v
		i++
	}
	return rest, expected, nil
}

func resolveVersion(ctx context.Context, client *APIClient, scope string, expected *int64) (int64, error) {
	if expected != nil {
		return *expected, nil
	}
	view, err := client.Rules(ctx, scope)
	if err != nil {
		return 0, err
	}
	return view.Version, nil
}

func runRules(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cadencectl rules <scope>")
	}

	view, err := client.Rules(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, view)
	}
	printView(os.Stdout, view)
	return nil
}

func printView(out io.Writer, view *automation.View) {
	fmt.Fprintf(out, "Scope: %s  Version: %d\n\n", view.Scope, view.Version)

	headers := []string{"ID", "STATE", "TRIGGER", "ACTION", "NEXT FIRE", "LAST FIRED", "LAST ERROR"}
	rows := make([][]string, 0, len(view.RuleSet.Rules))
	for _, rule := range view.RuleSet.Rules {
		st := view.Status[rule.ID]
		lastErr := st.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		rows = append(rows, []string{
			Truncate(rule.ID, 24),
			RuleState(rule, st),
			Truncate(DescribeTrigger(rule.Trigger), 32),
			Truncate(DescribeAction(rule.Action), 40),
			FormatTimeOrDash(st.NextFireAt),
			FormatTimeOrDash(st.LastFiredAt),
			Truncate(lastErr, 40),
		})
	}
	RenderTable(out, headers, rows)

	if len(view.RuleSet.Snippets) > 0 {
		names := make([]string, 0, len(view.RuleSet.Snippets))
		for name := range view.RuleSet.Snippets {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(out, "\nSnippets: %s\n", strings.Join(names, ", "))
	}
}

func runApply(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	args, expected, err := versionFlag(args)
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: cadencectl apply <scope> <file|-> [--version N]")
	}
	scope, path := args[0], args[1]

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read rule set: %w", err)
	}
	set, err := automation.LoadRuleSetYAML(data)
	if err != nil {
		return err
	}

	v, err := resolveVersion(ctx, client, scope, expected)
	if err != nil {
		return err
	}
	snap, err := client.PutRules(ctx, scope, set, v)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, snap)
	}
	fmt.Printf("Applied %d rule(s) to %s (version %d)\n", len(snap.RuleSet.Rules), snap.Scope, snap.Version)
	return nil
}

func runReset(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	args, expected, err := versionFlag(args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: cadencectl reset <scope> [--version N]")
	}

	v, err := resolveVersion(ctx, client, args[0], expected)
	if err != nil {
		return err
	}
	snap, err := client.Reset(ctx, args[0], v)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, snap)
	}
	fmt.Printf("Reset %s to baseline (version %d)\n", snap.Scope, snap.Version)
	return nil
}

func runClear(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	args, expected, err := versionFlag(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: cadencectl clear <scope> <rule-id>... [--version N]")
	}

	v, err := resolveVersion(ctx, client, args[0], expected)
	if err != nil {
		return err
	}
	res, err := client.ClearCompleted(ctx, args[0], args[1:], v)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, res)
	}
	if len(res.Removed) == 0 {
		fmt.Println("No completed rules to clear")
		return nil
	}
	fmt.Printf("Cleared %s (version %d)\n", strings.Join(res.Removed, ", "), res.Version)
	return nil
}

func runNow(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cadencectl run <scope>")
	}

	view, err := client.Run(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, view)
	}
	printView(os.Stdout, view)
	return nil
}

func runPolicy(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cadencectl policy <scope> [key=value ...]")
	}
	scope := args[0]

	if len(args) == 1 {
		policy, err := client.Policy(ctx, scope)
		if err != nil {
			return err
		}
		return PrintJSON(os.Stdout, policy)
	}

	patch, err := parsePolicyPatch(args[1:])
	if err != nil {
		return err
	}
	policy, err := client.PutPolicy(ctx, scope, patch)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, policy)
	}
	fmt.Printf("Updated nudge policy for %s\n", scope)
	return nil
}

// parsePolicyPatch turns key=value pairs into a partial policy document.
// Every policy field is an integer count or number of seconds.
func parsePolicyPatch(pairs []string) (map[string]any, error) {
	patch := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: value must be an integer", key)
		}
		patch[key] = n
	}
	return patch, nil
}
