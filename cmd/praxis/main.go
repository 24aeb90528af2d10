// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Command praxis hosts the engine behind a small CLI: submit tasks, answer
// approval requests, and inspect threads, capabilities and audit trails.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/runtime"
)

type globalFlags struct {
	ConfigArgs []string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "run":
		runRun(ctx, global, cfg, args[1:])
	case "resume":
		runResume(ctx, global, cfg, args[1:])
	case "cancel":
		runCancel(ctx, global, cfg, args[1:])
	case "threads":
		runThreads(ctx, global, cfg, args[1:])
	case "capabilities":
		runCapabilities(ctx, global, cfg, args[1:])
	case "audit":
		runAudit(ctx, global, cfg, args[1:])
	case "health":
		runHealth(ctx, global, cfg, args[1:])
	case "help":
		printUsage()
	case "version":
		printVersion()
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		// Single and double dash forms are equivalent.
		name := "--" + strings.TrimLeft(arg, "-")
		switch {
		case name == "--h" || name == "--help":
			flags.Help = true
			return flags, nil, nil
		case name == "--json":
			flags.JSON = true
		case name == "--config" || name == "--set" || name == "--profile":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, name, args[i+1])
			i++
		case strings.HasPrefix(name, "--config="),
			strings.HasPrefix(name, "--set="),
			strings.HasPrefix(name, "--profile="):
			flags.ConfigArgs = append(flags.ConfigArgs, name)
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// withRuntime assembles, starts, and tears down a runtime around fn.
func withRuntime(ctx context.Context, cfg *config.Config, fn func(*runtime.Runtime) error, opts ...runtime.Option) {
	rt, err := runtime.New(ctx, cfg, opts...)
	if err != nil {
		fatal(err)
	}
	if err := rt.Start(ctx); err != nil {
		fatal(err)
	}
	defer func() {
		if err := rt.Stop(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
		}
	}()
	if err := fn(rt); err != nil {
		fatal(err)
	}
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateCell(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printVersion() {
	fmt.Println(runtime.Version)
}

func printUsage() {
	fmt.Println(`Praxis — capability orchestration and recovery engine

Usage:
  praxis [global flags] <command> [args]

Global flags:
  --config <path>      Path to the YAML config
  --profile <name>     Config profile overlay (config.<name>.yaml)
  --set key=value      Override a config key (repeatable)
  --json               JSON output

Commands:
  run <task>           Run a task (--thread <id>, --capabilities a,b, --interactive)
  resume <thread>      Answer a pending approval (--approve | --deny | --param k=v | --input type=key, --reason <text>)
  cancel <thread>      Cancel an active or suspended run
  threads [show <id>]  List threads, or show one checkpoint
  capabilities         List registered capabilities
  audit <thread>       Show a thread's audit trail (--limit N)
  health               Probe stores and provider
  version

Suspended runs keep their place in the checkpoint store; use a persistent
backend (--set store.backend=sqlite) to resume across processes.`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
