// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxislabs/praxis/pkg/capability"
	"github.com/praxislabs/praxis/pkg/core"
)

// Manifest is the YAML declaration of registry contents:
//
//	context_types:
//	  - name: order_data
//	    description: Raw order rows keyed by order id.
//	sources:
//	  - name: orders_db
//	    kind: sql
//	    driver: sqlite
//	    dsn: "file:orders.db"
//	    query: "SELECT status FROM orders WHERE id = ?"
//	  - name: status_api
//	    kind: http
//	    url: "https://status.internal/orders"
//	infrastructure:
//	  - name: billing_sandbox
//	    kind: sandbox
//	    endpoint: "tcp://sandbox:7070"
//	mcp_servers:
//	  - name: files
//	    transport: stdio
//	    command: praxis-mcp-files
//	    args: ["--root", "/data"]
//	profiles:
//	  - name: default
//	    system: |
//	      You plan customer-support workflows.
//	    guidance:
//	      retrieve: Prefer the freshest source.
//	capabilities:
//	  - name: order_lookup
//	    kind: retrieve
//	    description: Fetch order rows from the order stores.
//	    provides: [order_data]
//	    sources: [orders_db, status_api]
//	  - name: summarize
//	    kind: model
//	    description: Summarize retrieved context for the user.
//	    provides: [summary]
//	    requires: [order_data]
//	    provider: ollama
type Manifest struct {
	ContextTypes   []ManifestContextType   `yaml:"context_types"`
	Sources        []ManifestSource        `yaml:"sources"`
	Infrastructure []ManifestInfra         `yaml:"infrastructure"`
	MCPServers     []MCPServer             `yaml:"mcp_servers"`
	Profiles       []ManifestPromptProfile `yaml:"profiles"`
	Capabilities   []ManifestCapability    `yaml:"capabilities"`
}

type ManifestContextType struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ManifestSource struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"` // sql, http
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Query  string `yaml:"query"`
	URL    string `yaml:"url"`
}

type ManifestInfra struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Endpoint string            `yaml:"endpoint"`
	Metadata map[string]string `yaml:"metadata"`
}

type ManifestPromptProfile struct {
	Name     string            `yaml:"name"`
	System   string            `yaml:"system"`
	Guidance map[string]string `yaml:"guidance"`
}

type ManifestCapability struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // retrieve, model
	Description string   `yaml:"description"`
	Provides    []string `yaml:"provides"`
	Requires    []string `yaml:"requires"`
	Sources     []string `yaml:"sources"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
}

// ApplyOptions carries host settings the manifest itself does not declare.
type ApplyOptions struct {
	// SourceTimeout bounds each fetch during retrieval fan-out.
	SourceTimeout time.Duration
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// LoadAndApply parses a manifest file and applies it to the builder.
func LoadAndApply(ctx context.Context, b *Builder, path string, opts ApplyOptions) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if err := ApplyManifest(ctx, b, m, opts); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}
	return nil
}

// ApplyManifest registers everything the manifest declares. MCP servers are
// contacted at apply time so their tools land in the capability table.
func ApplyManifest(ctx context.Context, b *Builder, m *Manifest, opts ApplyOptions) error {
	for _, ct := range m.ContextTypes {
		if err := b.RegisterContextType(ContextType{Name: ct.Name, Description: ct.Description}); err != nil {
			return err
		}
	}

	for _, src := range m.Sources {
		built, err := buildSource(src)
		if err != nil {
			return err
		}
		if err := b.RegisterDataSource(built); err != nil {
			return err
		}
	}

	for _, node := range m.Infrastructure {
		reg := Infrastructure{
			Name:     node.Name,
			Kind:     node.Kind,
			Endpoint: node.Endpoint,
			Metadata: node.Metadata,
		}
		if err := b.RegisterInfrastructure(reg); err != nil {
			return err
		}
	}

	if len(m.MCPServers) > 0 {
		if err := RegisterMCPServers(ctx, b, m.MCPServers); err != nil {
			return err
		}
	}

	for _, profile := range m.Profiles {
		reg := PromptProfile{
			Name:     profile.Name,
			System:   profile.System,
			Guidance: profile.Guidance,
		}
		if err := b.RegisterPromptProfile(reg); err != nil {
			return err
		}
	}

	for _, cap := range m.Capabilities {
		reg, err := buildCapability(cap, opts)
		if err != nil {
			return err
		}
		if err := b.RegisterCapability(reg); err != nil {
			return err
		}
	}

	return nil
}

func buildSource(src ManifestSource) (core.DataSource, error) {
	switch src.Kind {
	case "sql":
		if src.DSN == "" || src.Query == "" {
			return nil, fmt.Errorf("sql source %q requires dsn and query", src.Name)
		}
		driver := src.Driver
		if driver == "" {
			driver = "sqlite"
		}
		return capability.NewSQLSource(src.Name, driver, src.DSN, src.Query)
	case "http":
		if src.URL == "" {
			return nil, fmt.Errorf("http source %q requires url", src.Name)
		}
		return capability.NewHTTPSource(src.Name, src.URL), nil
	default:
		return nil, fmt.Errorf("source %q has unknown kind %q", src.Name, src.Kind)
	}
}

func buildCapability(cap ManifestCapability, opts ApplyOptions) (Registration, error) {
	descriptor := core.Descriptor{
		Name:        cap.Name,
		Kind:        core.KindOrdinary,
		Description: cap.Description,
		Provides:    cap.Provides,
		Requires:    cap.Requires,
	}

	switch cap.Kind {
	case "retrieve":
		if len(cap.Sources) == 0 {
			return Registration{}, fmt.Errorf("retrieve capability %q names no sources", cap.Name)
		}
		sources := cap.Sources
		timeout := opts.SourceTimeout
		return Registration{
			Descriptor: descriptor,
			Sources:    sources,
			Factory: func(ctx context.Context, r *Registry) (core.Capability, error) {
				resolved := make([]core.DataSource, 0, len(sources))
				for _, name := range sources {
					src, ok := r.DataSource(name)
					if !ok {
						return nil, fmt.Errorf("data source %q not registered", name)
					}
					resolved = append(resolved, src)
				}
				return capability.NewRetrieve(cap.Name, resolved, timeout), nil
			},
		}, nil
	case "model":
		providerName := cap.Provider
		return Registration{
			Descriptor: descriptor,
			Factory: func(ctx context.Context, r *Registry) (core.Capability, error) {
				provider, ok := r.Provider(providerName)
				if !ok {
					return nil, fmt.Errorf("provider %q not registered", providerName)
				}
				var system string
				if profile, ok := r.PromptProfile("default"); ok {
					system = profile.System
					if g, ok := profile.Guidance[cap.Name]; ok && g != "" {
						system = system + "\n" + g
					}
				}
				return capability.NewModel(cap.Name, provider, cap.Model, system), nil
			},
		}, nil
	default:
		return Registration{}, fmt.Errorf("capability %q has unknown kind %q", cap.Name, cap.Kind)
	}
}
