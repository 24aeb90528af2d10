// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/praxislabs/praxis/pkg/core"
	engineerrors "github.com/praxislabs/praxis/pkg/errors"
)

type stubSource struct {
	name  string
	value any
	delay time.Duration

	mu        sync.Mutex
	err       error
	calls     int
	gotQuery  string
	gotParams map[string]any
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, query string, params map[string]any) (any, error) {
	s.mu.Lock()
	s.calls++
	s.gotQuery = query
	s.gotParams = params
	err := s.err
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return s.value, nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func TestRetrieveMergesSources(t *testing.T) {
	db := &stubSource{name: "orders_db", value: []map[string]any{{"id": int64(42)}}}
	api := &stubSource{name: "status_api", value: map[string]any{"status": "shipped"}}

	retrieve := NewRetrieve("order_lookup", []core.DataSource{db, api}, time.Second)
	req := core.Request{StepKey: "fetch", OutputType: "order_data"}

	delta, err := retrieve.Execute(context.Background(), req, nopView{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	entry := delta.Entries[0]
	if entry.Type != "order_data" || entry.Key != "fetch" {
		t.Errorf("unexpected entry coordinates: %s/%s", entry.Type, entry.Key)
	}
	merged, ok := entry.Value.(map[string]any)
	if !ok {
		t.Fatalf("expected merged map, got %T", entry.Value)
	}
	if _, ok := merged["orders_db"]; !ok {
		t.Error("missing orders_db payload")
	}
	if _, ok := merged["status_api"]; !ok {
		t.Error("missing status_api payload")
	}
}

func TestRetrieveSingleSourceReturnsBareValue(t *testing.T) {
	db := &stubSource{name: "orders_db", value: "order #42"}
	retrieve := NewRetrieve("order_lookup", []core.DataSource{db}, time.Second)

	delta, err := retrieve.Execute(context.Background(), core.Request{StepKey: "fetch"}, nopView{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if delta.Entries[0].Value != "order #42" {
		t.Errorf("expected bare value for single source, got %v", delta.Entries[0].Value)
	}
	if delta.Entries[0].Type != "retrieved" {
		t.Errorf("expected default output type retrieved, got %s", delta.Entries[0].Type)
	}
}

func TestRetrieveTimedOutSourceContributesNoData(t *testing.T) {
	slow := &stubSource{name: "slow_api", value: "never", delay: 500 * time.Millisecond}
	fast := &stubSource{name: "orders_db", value: "order #42"}

	retrieve := NewRetrieve("order_lookup", []core.DataSource{slow, fast}, 30*time.Millisecond)

	delta, err := retrieve.Execute(context.Background(), core.Request{StepKey: "fetch"}, nopView{})
	if err != nil {
		t.Fatalf("expected partial result, got error: %v", err)
	}
	merged := delta.Entries[0].Value.(map[string]any)
	if merged["slow_api"] != "no data" {
		t.Errorf("expected no data marker for timed-out source, got %v", merged["slow_api"])
	}
	if merged["orders_db"] != "order #42" {
		t.Errorf("expected fast source payload, got %v", merged["orders_db"])
	}
}

func TestRetrieveAllSourcesFailedIsRetriable(t *testing.T) {
	a := &stubSource{name: "alpha"}
	a.setErr(fmt.Errorf("connection refused"))
	b := &stubSource{name: "beta"}
	b.setErr(fmt.Errorf("boom"))

	retrieve := NewRetrieve("order_lookup", []core.DataSource{a, b}, time.Second)

	_, err := retrieve.Execute(context.Background(), core.Request{StepKey: "fetch"}, nopView{})
	if err == nil {
		t.Fatal("expected error when every source fails")
	}

	ee := engineerrors.AsEngineError(err)
	if ee.Code != engineerrors.CodeUnavailable {
		t.Errorf("expected UNAVAILABLE, got %s", ee.Code)
	}
	if !ee.Recoverable {
		t.Error("expected all-sources-failed to be recoverable")
	}
	sources, _ := ee.Context["sources"].(string)
	if !strings.Contains(sources, "alpha") || !strings.Contains(sources, "beta") {
		t.Errorf("expected both sources in detail, got %q", sources)
	}
}

func TestRetrieveBreakerSkipsFailingSource(t *testing.T) {
	flaky := &stubSource{name: "flaky"}
	flaky.setErr(fmt.Errorf("boom"))

	retrieve := NewRetrieve("order_lookup", []core.DataSource{flaky}, time.Second)
	retrieve.breakers["flaky"] = &sourceBreaker{
		state:            breakerClosed,
		failureThreshold: 2,
		successThreshold: 1,
		cooldown:         time.Hour,
	}

	req := core.Request{StepKey: "fetch"}
	for i := 0; i < 3; i++ {
		if _, err := retrieve.Execute(context.Background(), req, nopView{}); err == nil {
			t.Fatalf("execute %d: expected failure", i+1)
		}
	}

	// Third execute hits the open circuit, so the source saw only two calls.
	if got := flaky.callCount(); got != 2 {
		t.Errorf("expected 2 fetches before circuit opened, got %d", got)
	}
}

func TestRetrieveQueryParameterAndInputs(t *testing.T) {
	db := &stubSource{name: "orders_db", value: "rows"}
	retrieve := NewRetrieve("order_lookup", []core.DataSource{db}, time.Second)

	req := core.Request{
		StepKey:    "fetch",
		Parameters: map[string]any{"query": "SELECT 1", "limit": 5, "order_id": "param-wins"},
		Inputs: map[string]core.Entry{
			"order_id": {Type: "order_id", Key: "ask", Value: "entry-loses"},
			"customer": {Type: "customer", Key: "ask", Value: "c-9"},
		},
	}
	if _, err := retrieve.Execute(context.Background(), req, nopView{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if db.gotQuery != "SELECT 1" {
		t.Errorf("expected query parameter forwarded, got %q", db.gotQuery)
	}
	if db.gotParams["limit"] != 5 {
		t.Errorf("expected step parameter forwarded, got %v", db.gotParams["limit"])
	}
	if db.gotParams["order_id"] != "param-wins" {
		t.Errorf("expected explicit parameter to win over input, got %v", db.gotParams["order_id"])
	}
	if db.gotParams["customer"] != "c-9" {
		t.Errorf("expected input value forwarded by context type, got %v", db.gotParams["customer"])
	}
	if _, ok := db.gotParams["query"]; ok {
		t.Error("query must not leak into fetch params")
	}
}

func TestRetrieveHonorsCancellation(t *testing.T) {
	slow := &stubSource{name: "slow_api", value: "never", delay: time.Second}
	retrieve := NewRetrieve("order_lookup", []core.DataSource{slow}, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := retrieve.Execute(ctx, core.Request{StepKey: "fetch"}, nopView{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if code := engineerrors.AsEngineError(err).Code; code != engineerrors.CodeCancelled {
		t.Errorf("expected CANCELLED, got %s", code)
	}
}

func TestBreakerLifecycle(t *testing.T) {
	b := &sourceBreaker{
		state:            breakerClosed,
		failureThreshold: 2,
		successThreshold: 2,
		cooldown:         20 * time.Millisecond,
	}

	boom := fmt.Errorf("boom")
	b.record(boom)
	if b.currentState() != breakerClosed {
		t.Fatalf("one failure must not open the circuit, state %s", b.currentState())
	}
	b.record(boom)
	if b.currentState() != breakerOpen {
		t.Fatalf("expected open after threshold, state %s", b.currentState())
	}
	if b.allow() {
		t.Fatal("open circuit must reject")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.allow() {
		t.Fatal("expected half-open probe after cooldown")
	}
	if b.currentState() != breakerHalfOpen {
		t.Fatalf("expected half-open, state %s", b.currentState())
	}

	b.record(nil)
	if b.currentState() != breakerHalfOpen {
		t.Fatalf("one success must not close yet, state %s", b.currentState())
	}
	b.record(nil)
	if b.currentState() != breakerClosed {
		t.Fatalf("expected closed after probe successes, state %s", b.currentState())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := &sourceBreaker{
		state:            breakerClosed,
		failureThreshold: 1,
		successThreshold: 2,
		cooldown:         10 * time.Millisecond,
	}

	b.record(fmt.Errorf("boom"))
	if b.currentState() != breakerOpen {
		t.Fatalf("expected open, state %s", b.currentState())
	}

	time.Sleep(20 * time.Millisecond)
	if !b.allow() {
		t.Fatal("expected half-open probe")
	}
	b.record(fmt.Errorf("still broken"))
	if b.currentState() != breakerOpen {
		t.Fatalf("probe failure must reopen, state %s", b.currentState())
	}
	if b.allow() {
		t.Fatal("reopened circuit must reject until the next cooldown")
	}
}
