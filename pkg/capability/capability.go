// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability ships the engine's built-in capabilities: respond and
// clarify (terminal), model (structured output from an LLM provider), and
// retrieve (concurrent fan-out over data sources), plus the SQL and HTTP
// data source implementations the manifest loader wires up.
//
// Every capability here is safe to invoke more than once for the same step:
// execution reads only the request and the state view and returns a fresh
// delta each time.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/praxislabs/praxis/pkg/core"
)

// renderValue flattens an entry value into prompt-friendly text. Strings
// pass through untouched; everything else is JSON so the model sees
// structure instead of Go's %v rendering.
func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// renderInputs lists resolved inputs in deterministic order, one line per
// context type.
func renderInputs(inputs map[string]core.Entry) string {
	if len(inputs) == 0 {
		return ""
	}
	types := make([]string, 0, len(inputs))
	for t := range inputs {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %s\n", t, renderValue(inputs[t].Value))
	}
	return b.String()
}

// outputTypeOr returns the step's declared output type, falling back when
// the request leaves it empty.
func outputTypeOr(req core.Request, fallback string) string {
	if req.OutputType != "" {
		return req.OutputType
	}
	return fallback
}
