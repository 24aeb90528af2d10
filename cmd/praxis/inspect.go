// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/runtime"
)

func runThreads(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	if len(args) > 0 && args[0] == "show" {
		if len(args) != 2 {
			fatal(fmt.Errorf("usage: praxis threads show <thread>"))
		}
		showThread(ctx, global, cfg, args[1])
		return
	}
	if len(args) != 0 {
		fatal(fmt.Errorf("usage: praxis threads [show <thread>]"))
	}

	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		threads, err := rt.Checkpoints().List(ctx)
		if err != nil {
			return err
		}
		sort.Slice(threads, func(i, j int) bool {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		})
		if global.JSON {
			printJSON(threads)
			return nil
		}
		writer := newTabWriter()
		writeRow(writer, "THREAD", "STATUS", "TASK", "UPDATED", "PENDING")
		for _, cp := range threads {
			writeRow(writer,
				cp.ThreadID,
				string(cp.Status),
				truncateCell(cp.Task, 48),
				formatTime(cp.UpdatedAt),
				pendingCell(cp.Pending),
			)
		}
		return writer.Flush()
	})
}

func showThread(ctx context.Context, global globalFlags, cfg *config.Config, threadID string) {
	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		cp, err := rt.Checkpoints().Load(ctx, threadID)
		if err != nil {
			if checkpoint.IsNotFound(err) {
				return fmt.Errorf("no thread %q", threadID)
			}
			return err
		}
		if global.JSON {
			printJSON(cp)
			return nil
		}
		fmt.Printf("Thread:   %s\n", cp.ThreadID)
		fmt.Printf("Status:   %s\n", cp.Status)
		fmt.Printf("Task:     %s\n", normalizeCell(cp.Task))
		fmt.Printf("Updated:  %s\n", formatTime(cp.UpdatedAt))
		fmt.Printf("Attempts: plan %d, dispatches %d\n", cp.PlanAttempts, cp.Dispatches)
		if cp.Pending != nil {
			fmt.Printf("Pending:  %s (%s), expires %s\n",
				cp.Pending.StepKey, cp.Pending.Capability, formatTime(cp.Pending.ExpiresAt))
		}
		if cp.Plan != nil && len(cp.Plan.Steps) > 0 {
			fmt.Println("Plan:")
			for i, step := range cp.Plan.Steps {
				marker := " "
				if i == cp.Cursor && !cp.Status.Terminal() {
					marker = ">"
				}
				fmt.Printf("  %s %d. %s (%s)\n", marker, i+1, step.ContextKey, step.Capability)
			}
		}
		if cp.Result != nil && cp.Result.Failure != nil {
			fmt.Printf("Failure:  %s\n", cp.Result.Failure.UserMessage)
		}
		return nil
	})
}

func runCapabilities(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	ensureNoArgs("capabilities", args)
	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		descriptors := rt.Registry().Capabilities()
		if global.JSON {
			printJSON(descriptors)
			return nil
		}
		writer := newTabWriter()
		writeRow(writer, "NAME", "KIND", "PROVIDES", "REQUIRES", "DESCRIPTION")
		for _, d := range descriptors {
			writeRow(writer,
				d.Name,
				string(d.Kind),
				strings.Join(d.Provides, ","),
				strings.Join(d.Requires, ","),
				truncateCell(d.Description, 56),
			)
		}
		return writer.Flush()
	})
}

func runAudit(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("praxis audit", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "most recent records to show (0 for all)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: praxis audit [--limit N] <thread>"))
	}
	threadID := fs.Arg(0)

	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		records, err := rt.Audit().ListByThread(ctx, threadID, *limit)
		if err != nil {
			return err
		}
		if global.JSON {
			printJSON(records)
			return nil
		}
		writer := newTabWriter()
		writeRow(writer, "TIME", "EVENT", "STEP", "CAPABILITY", "DETAIL")
		for _, record := range records {
			writeRow(writer,
				formatTime(record.CreatedAt),
				record.Event,
				record.StepKey,
				record.Capability,
				truncateCell(record.Detail, 64),
			)
		}
		return writer.Flush()
	})
}

func runHealth(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	ensureNoArgs("health", args)
	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		results := rt.Health(ctx)
		if global.JSON {
			printJSON(results)
			return nil
		}
		writer := newTabWriter()
		writeRow(writer, "COMPONENT", "STATUS", "MESSAGE")
		degraded := false
		for _, result := range results {
			message := result.Message
			if result.Error != nil {
				message = result.Error.Error()
			}
			if result.Status != core.HealthHealthy {
				degraded = true
			}
			writeRow(writer, result.Component, string(result.Status), truncateCell(message, 64))
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		if degraded {
			return fmt.Errorf("one or more components are unhealthy")
		}
		return nil
	})
}

func ensureNoArgs(command string, args []string) {
	if len(args) != 0 {
		fatal(fmt.Errorf("praxis %s takes no arguments", command))
	}
}

func pendingCell(pending *checkpoint.ApprovalRequest) string {
	if pending == nil {
		return ""
	}
	return pending.StepKey + " (" + pending.Capability + ")"
}
