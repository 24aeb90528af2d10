// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the dependency-ordered table of everything the
// engine can dispatch to: context types, data sources, model providers,
// infrastructure nodes, capabilities, and prompt profiles. Registration is
// collected by a Builder; Build materializes the read-only Registry and
// validates cross-references. Capability instantiation is lazy.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/praxislabs/praxis/pkg/core"
	engineerrors "github.com/praxislabs/praxis/pkg/errors"
	"github.com/praxislabs/praxis/pkg/llm"
)

// Category names a registry stage. Stages materialize in declaration order;
// later categories may reference earlier ones by name.
type Category string

const (
	CategoryContextType    Category = "context_type"
	CategoryDataSource     Category = "data_source"
	CategoryProvider       Category = "provider"
	CategoryInfrastructure Category = "infrastructure"
	CategoryCapability     Category = "capability"
	CategoryPromptProfile  Category = "prompt_profile"
)

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// DuplicateNameError reports a name collision within one category.
type DuplicateNameError struct {
	Category Category
	Name     string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Category, e.Name)
}

// UnknownCapabilityError reports a resolve of a name that was never registered.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// LoadError reports a capability factory or external loader failure.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ContextType declares a kind of context entry steps can produce or consume.
type ContextType struct {
	Name        string
	Description string
}

// Infrastructure describes a named backing node (sandbox, cluster, MCP
// server) that capabilities may depend on. Failures of steps backed by
// infrastructure default to critical severity.
type Infrastructure struct {
	Name     string
	Kind     string
	Endpoint string
	Metadata map[string]string
}

// PromptProfile customizes the prompts assembled for the planner and for
// model-backed capabilities.
type PromptProfile struct {
	Name     string
	System   string
	Guidance map[string]string
}

// Factory builds a capability instance. It receives the registry so it can
// look up sources, providers, and infrastructure registered before it.
type Factory func(ctx context.Context, r *Registry) (core.Capability, error)

// Registration pairs a capability descriptor with its factory and the names
// it depends on. References are checked at Build, not at registration.
type Registration struct {
	Descriptor     core.Descriptor
	Infrastructure string   // backing infrastructure node, when any
	Sources        []string // data sources a retrieval capability fans out to
	Factory        Factory
}

// Builder collects registrations per category.
type Builder struct {
	contextTypes map[string]ContextType
	sources      map[string]core.DataSource
	providers    map[string]llm.Provider
	infra        map[string]Infrastructure
	caps         map[string]Registration
	profiles     map[string]PromptProfile
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		contextTypes: make(map[string]ContextType),
		sources:      make(map[string]core.DataSource),
		providers:    make(map[string]llm.Provider),
		infra:        make(map[string]Infrastructure),
		caps:         make(map[string]Registration),
		profiles:     make(map[string]PromptProfile),
	}
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return engineerrors.NewInvalidInputError("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return engineerrors.NewInvalidInputError(fmt.Sprintf("name %q exceeds %d characters", name, maxNameLen))
	}
	if !namePattern.MatchString(name) {
		return engineerrors.NewInvalidInputError(fmt.Sprintf("name %q must match %s", name, namePattern.String()))
	}
	return nil
}

// RegisterContextType adds a context type declaration.
func (b *Builder) RegisterContextType(ct ContextType) error {
	if err := validateName(ct.Name); err != nil {
		return err
	}
	if _, exists := b.contextTypes[ct.Name]; exists {
		return &DuplicateNameError{Category: CategoryContextType, Name: ct.Name}
	}
	b.contextTypes[ct.Name] = ct
	return nil
}

// RegisterDataSource adds a named data source.
func (b *Builder) RegisterDataSource(src core.DataSource) error {
	if src == nil {
		return engineerrors.NewInvalidInputError("data source is nil")
	}
	name := src.Name()
	if err := validateName(name); err != nil {
		return err
	}
	if _, exists := b.sources[name]; exists {
		return &DuplicateNameError{Category: CategoryDataSource, Name: name}
	}
	b.sources[name] = src
	return nil
}

// RegisterProvider adds a named model provider.
func (b *Builder) RegisterProvider(name string, p llm.Provider) error {
	if err := validateName(name); err != nil {
		return err
	}
	if p == nil {
		return engineerrors.NewInvalidInputError("provider is nil")
	}
	if _, exists := b.providers[name]; exists {
		return &DuplicateNameError{Category: CategoryProvider, Name: name}
	}
	b.providers[name] = p
	return nil
}

// RegisterInfrastructure adds a named infrastructure node.
func (b *Builder) RegisterInfrastructure(node Infrastructure) error {
	if err := validateName(node.Name); err != nil {
		return err
	}
	if _, exists := b.infra[node.Name]; exists {
		return &DuplicateNameError{Category: CategoryInfrastructure, Name: node.Name}
	}
	b.infra[node.Name] = node
	return nil
}

// RegisterCapability adds a capability registration.
func (b *Builder) RegisterCapability(reg Registration) error {
	name := reg.Descriptor.Name
	if err := validateName(name); err != nil {
		return err
	}
	if desc := strings.TrimSpace(reg.Descriptor.Description); desc == "" {
		return engineerrors.NewInvalidInputError(fmt.Sprintf("capability %q requires a description", name))
	} else if utf8.RuneCountInString(desc) > maxDescriptionLen {
		return engineerrors.NewInvalidInputError(fmt.Sprintf("capability %q description exceeds %d characters", name, maxDescriptionLen))
	}
	switch reg.Descriptor.Kind {
	case core.KindOrdinary, core.KindInfrastructure, core.KindTerminal:
	default:
		return engineerrors.NewInvalidInputError(fmt.Sprintf("capability %q has unknown kind %q", name, reg.Descriptor.Kind))
	}
	if reg.Factory == nil {
		return engineerrors.NewInvalidInputError(fmt.Sprintf("capability %q requires a factory", name))
	}
	if _, exists := b.caps[name]; exists {
		return &DuplicateNameError{Category: CategoryCapability, Name: name}
	}
	b.caps[name] = reg
	return nil
}

// RegisterPromptProfile adds a prompt profile.
func (b *Builder) RegisterPromptProfile(profile PromptProfile) error {
	if err := validateName(profile.Name); err != nil {
		return err
	}
	if _, exists := b.profiles[profile.Name]; exists {
		return &DuplicateNameError{Category: CategoryPromptProfile, Name: profile.Name}
	}
	b.profiles[profile.Name] = profile
	return nil
}

// Build materializes the read-only registry, validating that every
// registration only references names from earlier categories.
func (b *Builder) Build() (*Registry, error) {
	for name, reg := range b.caps {
		for _, provided := range reg.Descriptor.Provides {
			if _, ok := b.contextTypes[provided]; !ok {
				return nil, engineerrors.NewInvalidInputError(
					fmt.Sprintf("capability %q provides unregistered context type %q", name, provided))
			}
		}
		for _, required := range reg.Descriptor.Requires {
			if _, ok := b.contextTypes[required]; !ok {
				return nil, engineerrors.NewInvalidInputError(
					fmt.Sprintf("capability %q requires unregistered context type %q", name, required))
			}
		}
		for _, source := range reg.Sources {
			if _, ok := b.sources[source]; !ok {
				return nil, engineerrors.NewInvalidInputError(
					fmt.Sprintf("capability %q references unregistered data source %q", name, source))
			}
		}
		if reg.Infrastructure != "" {
			if _, ok := b.infra[reg.Infrastructure]; !ok {
				return nil, engineerrors.NewInvalidInputError(
					fmt.Sprintf("capability %q references unregistered infrastructure %q", name, reg.Infrastructure))
			}
		}
	}

	r := &Registry{
		contextTypes: make(map[string]ContextType, len(b.contextTypes)),
		sources:      make(map[string]core.DataSource, len(b.sources)),
		providers:    make(map[string]llm.Provider, len(b.providers)),
		infra:        make(map[string]Infrastructure, len(b.infra)),
		caps:         make(map[string]*capEntry, len(b.caps)),
		profiles:     make(map[string]PromptProfile, len(b.profiles)),
	}
	for name, ct := range b.contextTypes {
		r.contextTypes[name] = ct
	}
	for name, src := range b.sources {
		r.sources[name] = src
	}
	for name, p := range b.providers {
		r.providers[name] = p
	}
	for name, node := range b.infra {
		r.infra[name] = node
	}
	for name, profile := range b.profiles {
		r.profiles[name] = profile
	}
	for name, reg := range b.caps {
		r.caps[name] = &capEntry{reg: reg}
	}
	return r, nil
}

type capEntry struct {
	reg  Registration
	once sync.Once
	cap  core.Capability
	err  error
}

// Registry is the materialized, read-only lookup table. Safe for concurrent
// use without locking; the only mutable state is per-capability sync.Once.
type Registry struct {
	contextTypes map[string]ContextType
	sources      map[string]core.DataSource
	providers    map[string]llm.Provider
	infra        map[string]Infrastructure
	caps         map[string]*capEntry
	profiles     map[string]PromptProfile
}

// Resolve returns the capability instance for name, instantiating it on
// first use. The factory outcome is memoized, including failure.
func (r *Registry) Resolve(ctx context.Context, name string) (core.Capability, error) {
	entry, ok := r.caps[name]
	if !ok {
		return nil, &UnknownCapabilityError{Name: name}
	}
	entry.once.Do(func() {
		cap, err := entry.reg.Factory(ctx, r)
		if err != nil {
			entry.err = &LoadError{Name: name, Err: err}
			return
		}
		if cap == nil {
			entry.err = &LoadError{Name: name, Err: fmt.Errorf("factory returned nil capability")}
			return
		}
		entry.cap = cap
	})
	return entry.cap, entry.err
}

// Describe returns the descriptor for a registered capability.
func (r *Registry) Describe(name string) (core.Descriptor, bool) {
	entry, ok := r.caps[name]
	if !ok {
		return core.Descriptor{}, false
	}
	return entry.reg.Descriptor, true
}

// Registration returns the full registration record for a capability.
func (r *Registry) Registration(name string) (Registration, bool) {
	entry, ok := r.caps[name]
	if !ok {
		return Registration{}, false
	}
	return entry.reg, true
}

// Capabilities returns all capability descriptors sorted by name.
func (r *Registry) Capabilities() []core.Descriptor {
	out := make([]core.Descriptor, 0, len(r.caps))
	for _, entry := range r.caps {
		out = append(out, entry.reg.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ContextType looks up a registered context type.
func (r *Registry) ContextType(name string) (ContextType, bool) {
	ct, ok := r.contextTypes[name]
	return ct, ok
}

// ContextTypes returns all context type names sorted.
func (r *Registry) ContextTypes() []string {
	out := make([]string, 0, len(r.contextTypes))
	for name := range r.contextTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DataSource looks up a registered data source.
func (r *Registry) DataSource(name string) (core.DataSource, bool) {
	src, ok := r.sources[name]
	return src, ok
}

// Provider looks up a registered model provider.
func (r *Registry) Provider(name string) (llm.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Infrastructure looks up a registered infrastructure node.
func (r *Registry) Infrastructure(name string) (Infrastructure, bool) {
	node, ok := r.infra[name]
	return node, ok
}

// PromptProfile looks up a registered prompt profile.
func (r *Registry) PromptProfile(name string) (PromptProfile, bool) {
	profile, ok := r.profiles[name]
	return profile, ok
}

var _ core.Catalog = (*Registry)(nil)
