// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime assembles a running engine from configuration: logging,
// telemetry, the model provider, the capability registry, checkpoint and
// audit stores, dispatch policy, the planner, and the router. It also owns
// the background sweeper that fails runs whose approval requests expired.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/praxislabs/praxis/pkg/capability"
	"github.com/praxislabs/praxis/pkg/checkpoint"
	"github.com/praxislabs/praxis/pkg/config"
	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/llm"
	"github.com/praxislabs/praxis/pkg/planner"
	"github.com/praxislabs/praxis/pkg/policy"
	"github.com/praxislabs/praxis/pkg/recovery"
	"github.com/praxislabs/praxis/pkg/registry"
	"github.com/praxislabs/praxis/pkg/router"
	"github.com/praxislabs/praxis/pkg/telemetry"
)

// Version is stamped into telemetry resources and the CLI banner.
const Version = "0.3.0"

// Runtime owns one process's engine: everything is built once in New and
// torn down in Stop. Run, Resume and Cancel delegate to the router.
type Runtime struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	provider llm.Provider
	store    checkpoint.Store
	audit    checkpoint.AuditStore
	metrics  *telemetry.EngineMetrics
	db       *sql.DB
	shutdown telemetry.ShutdownFunc

	mu      sync.Mutex
	started bool

	approvalExpirers      []ApprovalExpirer
	approvalSweepInterval time.Duration
	approvalSweepTimeout  time.Duration
	approvalSweepCancel   context.CancelFunc
	approvalSweepDone     chan struct{}
}

// Option adjusts runtime assembly.
type Option func(*options)

type options struct {
	provider llm.Provider
	planner  planner.Planner
	hook     policy.Hook
	events   core.EventEmitter
	hooks    []func(*registry.Builder) error
}

// WithProvider substitutes the model provider the config would have built.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithPlanner substitutes the planner. The default is a ModelPlanner over
// the configured provider.
func WithPlanner(p planner.Planner) Option {
	return func(o *options) { o.planner = p }
}

// WithApprovalHook installs a synchronous approval resolver.
func WithApprovalHook(h policy.Hook) Option {
	return func(o *options) { o.hook = h }
}

// WithEventEmitter streams engine events to the host.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(o *options) { o.events = e }
}

// WithRegistryHook runs fn against the builder before the manifest is
// applied, so hosts can register capabilities, sources and context types
// programmatically.
func WithRegistryHook(fn func(*registry.Builder) error) Option {
	return func(o *options) { o.hooks = append(o.hooks, fn) }
}

// New assembles a runtime from configuration. A nil cfg loads defaults
// plus PRAXIS_* environment overrides. The context bounds manifest and
// MCP server registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	var opt options
	for _, o := range opts {
		o(&opt)
	}

	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	log := slog.Default()

	var shutdown telemetry.ShutdownFunc
	if cfg.Telemetry.Enabled {
		var err error
		shutdown, err = telemetry.InitWithConfig("praxis", Version, telemetry.Config{
			Exporter:           cfg.Telemetry.Exporter,
			OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
			OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	provider := opt.provider
	if provider == nil {
		built, err := buildProvider(cfg.Model)
		if err != nil {
			return nil, err
		}
		provider = built
	}

	builder := registry.NewBuilder()
	if err := registerDefaults(builder, provider, cfg); err != nil {
		return nil, fmt.Errorf("register defaults: %w", err)
	}
	for _, fn := range opt.hooks {
		if err := fn(builder); err != nil {
			return nil, fmt.Errorf("registry hook: %w", err)
		}
	}
	if cfg.Registry.Manifest != "" {
		err := registry.LoadAndApply(ctx, builder, cfg.Registry.Manifest, registry.ApplyOptions{
			SourceTimeout: cfg.Engine.SourceTimeout(),
		})
		if err != nil {
			return nil, err
		}
	}
	if len(cfg.MCP.Servers) > 0 {
		if err := registry.RegisterMCPServers(ctx, builder, mcpServers(cfg.MCP)); err != nil {
			return nil, fmt.Errorf("register mcp servers: %w", err)
		}
	}
	reg, err := builder.Build()
	if err != nil {
		return nil, err
	}

	store, audit, db, err := openStores(cfg.Store)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewEngineMetrics(ctx)
	if err != nil {
		log.Warn("runtime.metrics.unavailable", slog.String("error", err.Error()))
		metrics = nil
	}

	pln := opt.planner
	if pln == nil {
		pln = planner.NewModelPlanner(provider, cfg.Model.Model)
	}

	routerOpts := []router.Option{
		router.WithAuditStore(audit),
		router.WithCoordinator(recovery.NewCoordinator()),
		router.WithRules(policy.FromConfig(cfg.Policy)),
		router.WithEngineConfig(cfg.Engine),
		router.WithApprovalTTL(cfg.Approval.TTL()),
	}
	if metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(metrics))
	}
	if opt.hook != nil {
		routerOpts = append(routerOpts, router.WithApprovalHook(opt.hook))
	}
	if opt.events != nil {
		routerOpts = append(routerOpts, router.WithEventEmitter(opt.events))
	}
	rt, err := router.New(reg, pln, store, routerOpts...)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	r := &Runtime{
		cfg:                   cfg,
		registry:              reg,
		router:                rt,
		provider:              provider,
		store:                 store,
		audit:                 audit,
		metrics:               metrics,
		db:                    db,
		shutdown:              shutdown,
		approvalSweepInterval: cfg.Approval.SweepInterval(),
		approvalSweepTimeout:  30 * time.Second,
	}
	r.AddApprovalExpirer(rt)
	return r, nil
}

// Start begins background work. Safe to call once; later calls are no-ops.
func (r *Runtime) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.startApprovalSweeper()
	slog.Default().Info("runtime.start",
		slog.String("version", Version),
		slog.String("provider", r.cfg.Model.Provider),
		slog.String("store", storeName(r.cfg.Store)),
		slog.Int("capabilities", len(r.registry.Capabilities())),
	)
	return nil
}

// Stop halts the sweeper, closes the store and flushes telemetry. The
// first error wins; later teardown still runs.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.stopApprovalSweeper()

	var firstErr error
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			firstErr = fmt.Errorf("close store: %w", err)
		}
	}
	if r.shutdown != nil {
		if err := r.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown telemetry: %w", err)
		}
	}
	slog.Default().Info("runtime.stop")
	return firstErr
}

// Run executes a task on a thread. See router.Router.Run.
func (r *Runtime) Run(ctx context.Context, threadID, task string, opts ...router.RunOption) (*router.RunResult, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.router.Run(ctx, threadID, task, opts...)
}

// Resume answers a suspended thread's pending approval.
func (r *Runtime) Resume(ctx context.Context, threadID string, decision router.Decision) (*router.RunResult, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.router.Resume(ctx, threadID, decision)
}

// Cancel aborts an active run or fails a suspended thread.
func (r *Runtime) Cancel(ctx context.Context, threadID string) bool {
	if r.ready() != nil {
		return false
	}
	return r.router.Cancel(ctx, threadID)
}

func (r *Runtime) ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errors.NewConflictError("runtime not started")
	}
	return nil
}

// Health probes the externally backed components. Providers that expose
// no probe are reported healthy with a note.
func (r *Runtime) Health(ctx context.Context) []core.HealthResult {
	now := time.Now().UTC()
	results := []core.HealthResult{
		probe(ctx, "checkpoint-store", r.store, now),
		probe(ctx, "audit-store", r.audit, now),
	}
	if checker, ok := r.provider.(core.HealthChecker); ok {
		results = append(results, checker.Check(ctx))
	} else {
		results = append(results, core.HealthResult{
			Status:    core.HealthHealthy,
			Component: "provider:" + valueOr(r.cfg.Model.Provider, "ollama"),
			Message:   "no health probe",
			LastCheck: now,
		})
	}
	for _, result := range results {
		var status int64
		switch result.Status {
		case core.HealthHealthy:
			status = 2
		case core.HealthDegraded:
			status = 1
		}
		r.metrics.RecordHealthStatus(ctx, result.Component, status)
	}
	return results
}

var _ core.HealthProvider = (*Runtime)(nil)

func probe(ctx context.Context, component string, target any, now time.Time) core.HealthResult {
	result := core.HealthResult{Status: core.HealthHealthy, Component: component, LastCheck: now}
	checker, ok := target.(interface{ Check(context.Context) error })
	if !ok {
		result.Message = "no health probe"
		return result
	}
	if err := checker.Check(ctx); err != nil {
		result.Status = core.HealthUnhealthy
		result.Message = err.Error()
		result.Error = err
	}
	return result
}

// Router exposes the assembled engine for hosts that need run options or
// the expiry sweep directly.
func (r *Runtime) Router() *router.Router { return r.router }

// Registry exposes the capability catalog.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Checkpoints exposes the thread store for inspection commands.
func (r *Runtime) Checkpoints() checkpoint.Store { return r.store }

// Audit exposes the audit trail for inspection commands.
func (r *Runtime) Audit() checkpoint.AuditStore { return r.audit }

// Config returns the configuration the runtime was assembled from.
func (r *Runtime) Config() *config.Config { return r.cfg }

func buildProvider(cfg config.ModelConfig) (llm.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "ollama":
		return llm.NewOllama(cfg.BaseURL), nil
	case "mock":
		return &llm.MockProvider{}, nil
	case "scripted":
		return llm.NewScriptedProvider(), nil
	default:
		return nil, errors.NewInvalidInputError(fmt.Sprintf("unknown model provider %q", cfg.Provider))
	}
}

// registerDefaults wires the provider plus the terminal capabilities every
// deployment needs: respond composes the final answer, clarify asks the
// user for missing information.
func registerDefaults(b *registry.Builder, provider llm.Provider, cfg *config.Config) error {
	providerName := valueOr(cfg.Model.Provider, "ollama")
	if err := b.RegisterProvider(providerName, provider); err != nil {
		return err
	}

	for _, ct := range []registry.ContextType{
		{Name: "response", Description: "final user-facing answer"},
		{Name: "clarification", Description: "question sent back to the user"},
	} {
		if err := b.RegisterContextType(ct); err != nil {
			return err
		}
	}

	model := cfg.Model.Model
	err := b.RegisterCapability(registry.Registration{
		Descriptor: core.Descriptor{
			Name:        "respond",
			Kind:        core.KindTerminal,
			Description: "compose the final answer from gathered context",
			Provides:    []string{"response"},
		},
		Factory: func(_ context.Context, r *registry.Registry) (core.Capability, error) {
			p, ok := r.Provider(providerName)
			if !ok {
				return nil, fmt.Errorf("provider %q not registered", providerName)
			}
			return capability.NewRespond(p, model), nil
		},
	})
	if err != nil {
		return err
	}
	return b.RegisterCapability(registry.Registration{
		Descriptor: core.Descriptor{
			Name:        "clarify",
			Kind:        core.KindTerminal,
			Description: "ask the user for missing information",
			Provides:    []string{"clarification"},
		},
		Factory: func(context.Context, *registry.Registry) (core.Capability, error) {
			return capability.NewClarify(), nil
		},
	})
}

func openStores(cfg config.StoreConfig) (checkpoint.Store, checkpoint.AuditStore, *sql.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return checkpoint.NewMemoryStore(), checkpoint.NewMemoryAuditStore(), nil, nil
	case "sqlite":
		db, err := checkpoint.Open(cfg.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store, err := checkpoint.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		audit, err := checkpoint.NewSQLiteAuditStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return store, audit, db, nil
	default:
		return nil, nil, nil, errors.NewInvalidInputError(fmt.Sprintf("unknown store backend %q", cfg.Backend))
	}
}

// mcpServers flattens the config map in name order so registration is
// deterministic.
func mcpServers(cfg config.MCPConfig) []registry.MCPServer {
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]registry.MCPServer, 0, len(names))
	for _, name := range names {
		srv := cfg.Servers[name]
		servers = append(servers, registry.MCPServer{
			Name:      name,
			Transport: srv.Transport,
			URL:       srv.URL,
			Command:   srv.Command,
			Args:      srv.Args,
		})
	}
	return servers
}

func storeName(cfg config.StoreConfig) string {
	return valueOr(cfg.Backend, "memory")
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
