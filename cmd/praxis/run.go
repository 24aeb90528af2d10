// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/policy"
	"github.com/praxislabs/praxis/pkg/router"
	"github.com/praxislabs/praxis/pkg/runtime"
)

func runRun(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("praxis run", flag.ContinueOnError)
	thread := fs.String("thread", "", "thread id (generated when empty)")
	capabilities := fs.String("capabilities", "", "comma-separated capability allowlist for this run")
	interactive := fs.Bool("interactive", false, "answer approval requests on the terminal")
	approveAll := fs.Bool("approve-all", false, "approve every gated step without asking")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		fatal(fmt.Errorf("usage: praxis run [flags] <task>"))
	}
	threadID := *thread
	if threadID == "" {
		threadID = newThreadID()
	}

	var opts []runtime.Option
	switch {
	case *approveAll:
		opts = append(opts, runtime.WithApprovalHook(policy.AutoHook{Approved: true, Reason: "approved from the command line"}))
	case *interactive:
		opts = append(opts, runtime.WithApprovalHook(policy.NewConsoleHook()))
	}

	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		var runOpts []router.RunOption
		if *capabilities != "" {
			runOpts = append(runOpts, router.WithActiveCapabilities(splitList(*capabilities)...))
		}
		result, err := rt.Run(ctx, threadID, task, runOpts...)
		if err != nil {
			return err
		}
		printResult(global, result)
		return nil
	}, opts...)
}

func runResume(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("praxis resume", flag.ContinueOnError)
	approve := fs.Bool("approve", false, "approve the pending step")
	deny := fs.Bool("deny", false, "deny the pending step")
	reason := fs.String("reason", "", "reason recorded with the decision")
	var params keyValueList
	var inputs keyValueList
	fs.Var(&params, "param", "edit a step parameter as key=value (repeatable, implies approval)")
	fs.Var(&inputs, "input", "rebind a step input as input=context_key (repeatable, implies approval)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: praxis resume <thread> (--approve | --deny | --param k=v | --input type=key)"))
	}
	threadID := fs.Arg(0)

	decision, err := buildDecision(*approve, *deny, *reason, inputs, params)
	if err != nil {
		fatal(err)
	}

	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		result, err := rt.Resume(ctx, threadID, decision)
		if err != nil {
			return err
		}
		printResult(global, result)
		return nil
	})
}

func runCancel(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("praxis cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: praxis cancel <thread>"))
	}
	threadID := fs.Arg(0)

	withRuntime(ctx, cfg, func(rt *runtime.Runtime) error {
		cancelled := rt.Cancel(ctx, threadID)
		if global.JSON {
			printJSON(map[string]any{"thread_id": threadID, "cancelled": cancelled})
			return nil
		}
		if cancelled {
			fmt.Printf("thread %s cancelled\n", threadID)
		} else {
			fmt.Printf("thread %s has nothing to cancel\n", threadID)
		}
		return nil
	})
}

// buildDecision maps the flag combination onto exactly one decision kind.
// Edits imply approval, so --param/--input conflict with --deny but not
// with --approve.
func buildDecision(approve, deny bool, reason string, inputs, params keyValueList) (router.Decision, error) {
	hasEdits := len(inputs) > 0 || len(params) > 0
	switch {
	case deny && (approve || hasEdits):
		return router.Decision{}, fmt.Errorf("--deny conflicts with --approve, --param and --input")
	case deny:
		return router.Deny(reason), nil
	case hasEdits:
		var inputMap map[string]string
		if len(inputs) > 0 {
			inputMap = make(map[string]string, len(inputs))
			for _, pair := range inputs {
				inputMap[pair.key] = pair.value
			}
		}
		var paramMap map[string]any
		if len(params) > 0 {
			paramMap = make(map[string]any, len(params))
			for _, pair := range params {
				paramMap[pair.key] = decodeParamValue(pair.value)
			}
		}
		return router.Edit(inputMap, paramMap, reason), nil
	case approve:
		return router.Approve(reason), nil
	default:
		return router.Decision{}, fmt.Errorf("one of --approve, --deny, --param or --input is required")
	}
}

// decodeParamValue keeps CLI edits useful for non-string parameters:
// values that parse as JSON scalars or composites are passed through
// decoded, anything else stays a string.
func decodeParamValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded
	}
	return raw
}

func printResult(global globalFlags, result *router.RunResult) {
	if global.JSON {
		printJSON(result)
		return
	}
	switch result.Status {
	case router.StatusDone:
		fmt.Println(result.Response)
	case router.StatusSuspended:
		pending := result.Pending
		fmt.Println("Run suspended: a step needs your approval.")
		if pending != nil {
			if pending.Description != "" {
				fmt.Printf("  Action:  %s\n", pending.Description)
			}
			if pending.Reason != "" {
				fmt.Printf("  Reason:  %s\n", pending.Reason)
			}
			fmt.Printf("  Step:    %s (%s)\n", pending.StepKey, pending.Capability)
			if !pending.ExpiresAt.IsZero() {
				fmt.Printf("  Expires: %s\n", formatTime(pending.ExpiresAt))
			}
		}
		fmt.Println()
		fmt.Printf("Approve with:  praxis resume %s --approve\n", result.ThreadID)
		fmt.Printf("Deny with:     praxis resume %s --deny --reason \"why\"\n", result.ThreadID)
	case router.StatusFailed:
		failure := result.Failure
		if failure == nil {
			fmt.Println("Run failed.")
			return
		}
		fmt.Println(failure.UserMessage)
		if failure.FailingStep != "" {
			fmt.Printf("  Step:   %s\n", failure.FailingStep)
		}
		if failure.TechnicalDetail != "" {
			fmt.Printf("  Detail: %s\n", failure.TechnicalDetail)
		}
	default:
		fmt.Printf("thread %s is %s\n", result.ThreadID, result.Status)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func newThreadID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "th-local"
	}
	return "th-" + hex.EncodeToString(buf)
}

type keyValue struct {
	key   string
	value string
}

// keyValueList collects repeated key=value flags.
type keyValueList []keyValue

func (l *keyValueList) String() string {
	parts := make([]string, 0, len(*l))
	for _, pair := range *l {
		parts = append(parts, pair.key+"="+pair.value)
	}
	return strings.Join(parts, ",")
}

func (l *keyValueList) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	*l = append(*l, keyValue{key: key, value: value})
	return nil
}
