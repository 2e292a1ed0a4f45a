package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/inspect"
	"github.com/mattjoyce/conductor/internal/lock"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/resolver"
	"github.com/mattjoyce/conductor/internal/storage"
	"github.com/mattjoyce/conductor/internal/workflow"
)

const version = "0.1.0"

const defaultConfigPath = "./config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "inspect":
		os.Exit(runInspect(args, os.Stdout))
	case "version":
		fmt.Printf("conductor version %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `conductor - durable command dispatch and deployment orchestration

Usage:
  conductor <command> [flags]

Commands:
  start             Run the service in the foreground
  config check      Validate configuration and show how command types resolve
  config lock       Record integrity hashes for every config file
  inspect <id>      Show the result, messages and workflow tree of a command
                    (--json for machine-readable output)
  version           Show version information
  help              Show this help message

Flags:
  --config PATH     Configuration file or directory (default ./config.yaml)
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printUsage(os.Stdout)
		return 0
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:], os.Stdout)
	case "lock":
		return runConfigLock(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("conductor starting", "version", version, "config", *configPath)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	sys, err := newSystem(ctx, cfg, db, workflow.SystemClock())
	if err != nil {
		logger.Error("failed to build system", "error", err)
		return 1
	}

	logger.Info("conductor running (press Ctrl+C to stop)", "api", cfg.API.Enabled)
	if err := sys.run(ctx); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("conductor stopped")
	return 0
}

func runConfigCheck(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	r, catalog, table, err := newResolver(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	if err := checkHandlerNames(table); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "Configuration OK (%d file(s))\n", len(cfg.SourceFiles))
	fmt.Fprintln(out, "Command type resolution:")
	for _, t := range catalog.Types() {
		if t.Interface {
			continue
		}
		handler, m, err := r.Explain(t.Name)
		switch {
		case err != nil:
			fmt.Fprintf(out, "  %-24s unsupported\n", t.Name)
		case m.Outcome == resolver.OutcomeIgnored:
			fmt.Fprintf(out, "  %-24s ignored (via %s)\n", t.Name, m.Type)
		default:
			fmt.Fprintf(out, "  %-24s -> %s (via %s)\n", t.Name, handler, m.Type)
		}
	}
	return 0
}

// checkHandlerNames reports registrations naming a handler no built-in
// workflow provides.
func checkHandlerNames(table *resolver.Table) error {
	known := builtinHandlers()
	var unknown []string
	for _, name := range table.HandlerNames() {
		if !slices.Contains(known, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown handlers %v (available: %v)", unknown, known)
	}
	return nil
}

func runConfigLock(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	reports, err := config.Lock(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	for _, rep := range reports {
		for _, f := range rep.Files {
			fmt.Fprintf(out, "%s  %s\n", f.Hash, f.Path)
		}
		switch {
		case rep.Written:
			fmt.Fprintf(out, "wrote %s\n", rep.ChecksumPath)
		case *dryRun:
			fmt.Fprintf(out, "dry run: %s not written\n", rep.ChecksumPath)
		}
	}
	return 0
}

func runInspect(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file or directory")
	asJSON := fs.Bool("json", false, "Emit the report as JSON")

	var commandID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		commandID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if commandID == "" && fs.NArg() > 0 {
		commandID = fs.Arg(0)
	}
	if commandID == "" {
		fmt.Fprintln(os.Stderr, "Usage: conductor inspect <command-id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	build := inspect.BuildReport
	if *asJSON {
		build = inspect.BuildJSONReport
	}
	report, err := build(ctx, db, commandID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Fprint(out, report)
	if !strings.HasSuffix(report, "\n") {
		fmt.Fprintln(out)
	}
	return 0
}
