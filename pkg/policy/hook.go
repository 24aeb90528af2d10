// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Approval describes the pending action shown to an approver.
type Approval struct {
	ThreadID    string
	StepKey     string
	Capability  string
	Description string
	Reason      string
}

// Outcome is a synchronous approval verdict.
type Outcome struct {
	Approved bool
	Reason   string
}

// Hook resolves approvals synchronously where the host is interactive.
// Returning ok=false means the hook cannot decide (no operator, timeout);
// the run then suspends and waits for an explicit Resume.
type Hook interface {
	Resolve(ctx context.Context, approval Approval) (Outcome, bool)
}

// AutoHook returns a fixed verdict for every approval. Useful for tests
// and for hosts that pre-authorize whole capability classes.
type AutoHook struct {
	Approved bool
	Reason   string
}

// Resolve implements Hook.
func (h AutoHook) Resolve(_ context.Context, _ Approval) (Outcome, bool) {
	reason := h.Reason
	if reason == "" {
		if h.Approved {
			reason = "auto-approved"
		} else {
			reason = "auto-denied"
		}
	}
	return Outcome{Approved: h.Approved, Reason: reason}, true
}

// ConsoleHook prompts for approval on stdin/stdout.
type ConsoleHook struct {
	in      *bufio.Reader
	out     io.Writer
	prompt  string
	timeout time.Duration
}

// ConsoleOption configures the console hook.
type ConsoleOption func(*ConsoleHook)

// NewConsoleHook creates a console-based approval hook.
func NewConsoleHook(opts ...ConsoleOption) *ConsoleHook {
	h := &ConsoleHook{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		prompt: "Approve? [y/N]: ",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithInput sets the input reader.
func WithInput(r io.Reader) ConsoleOption {
	return func(h *ConsoleHook) {
		if r != nil {
			h.in = bufio.NewReader(r)
		}
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) ConsoleOption {
	return func(h *ConsoleHook) {
		if w != nil {
			h.out = w
		}
	}
}

// WithPrompt sets the prompt string.
func WithPrompt(prompt string) ConsoleOption {
	return func(h *ConsoleHook) {
		if strings.TrimSpace(prompt) != "" {
			h.prompt = prompt
		}
	}
}

// WithTimeout bounds the wait for operator input. When it elapses the hook
// declines to decide and the run suspends.
func WithTimeout(timeout time.Duration) ConsoleOption {
	return func(h *ConsoleHook) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// Resolve implements Hook. It prompts once and reads a y/n line.
func (h *ConsoleHook) Resolve(ctx context.Context, approval Approval) (Outcome, bool) {
	if h == nil || h.in == nil {
		return Outcome{}, false
	}

	reason := strings.TrimSpace(approval.Reason)
	if reason == "" {
		reason = "approval required"
	}

	_, _ = fmt.Fprintf(h.out, "\nApproval required for capability %q (step %s, thread %s)\n",
		approval.Capability, approval.StepKey, approval.ThreadID)
	if strings.TrimSpace(approval.Description) != "" {
		_, _ = fmt.Fprintf(h.out, "Action: %s\n", approval.Description)
	}
	_, _ = fmt.Fprintf(h.out, "Reason: %s\n", reason)
	_, _ = fmt.Fprint(h.out, h.prompt)

	responseCh := make(chan string, 1)
	go func() {
		line, _ := h.in.ReadString('\n')
		responseCh <- line
	}()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return Outcome{}, false
	case line := <-responseCh:
		answer := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(answer, "y") {
			return Outcome{Approved: true, Reason: "approved by operator"}, true
		}
		return Outcome{Approved: false, Reason: "rejected by operator"}, true
	}
}
