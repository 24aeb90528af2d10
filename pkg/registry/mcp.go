// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"

	"github.com/praxislabs/praxis/pkg/capability/mcpsource"
	"github.com/praxislabs/praxis/pkg/core"
)

// MCPServer declares an MCP server whose tools become capabilities.
type MCPServer struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // stdio, http
	URL       string   `yaml:"url"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
}

// RegisterMCPServers connects to each server, lists its tools, and registers
// every tool as an ordinary capability backed by the server's infrastructure
// node. An unreachable server is a LoadError carrying the server name.
func RegisterMCPServers(ctx context.Context, b *Builder, servers []MCPServer) error {
	for _, srv := range servers {
		if err := registerMCPServer(ctx, b, srv); err != nil {
			return err
		}
	}
	return nil
}

func registerMCPServer(ctx context.Context, b *Builder, srv MCPServer) error {
	if err := validateName(srv.Name); err != nil {
		return err
	}

	var (
		client   *mcpsource.Client
		endpoint string
		err      error
	)
	switch srv.Transport {
	case "stdio":
		client, err = mcpsource.NewStdioClient(srv.Command, srv.Args)
		endpoint = srv.Command
	case "http", "":
		client, err = mcpsource.NewHTTPClient(ctx, srv.URL)
		endpoint = srv.URL
	default:
		return fmt.Errorf("mcp server %q has unknown transport %q", srv.Name, srv.Transport)
	}
	if err != nil {
		return &LoadError{Name: srv.Name, Err: err}
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return &LoadError{Name: srv.Name, Err: err}
	}

	node := Infrastructure{
		Name:     srv.Name,
		Kind:     "mcp_server",
		Endpoint: endpoint,
	}
	if err := b.RegisterInfrastructure(node); err != nil {
		return err
	}

	for _, tool := range tools {
		name := mcpsource.NormalizeName(tool.Name)
		provides := name + "_result"

		ct := ContextType{
			Name:        provides,
			Description: fmt.Sprintf("output of MCP tool %s", tool.Name),
		}
		if err := b.RegisterContextType(ct); err != nil {
			return err
		}

		adapter, err := mcpsource.NewAdapter(tool, client, provides)
		if err != nil {
			return &LoadError{Name: name, Err: err}
		}

		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("MCP tool %s from server %s", tool.Name, srv.Name)
		}

		reg := Registration{
			Descriptor: core.Descriptor{
				Name:        name,
				Kind:        core.KindOrdinary,
				Description: description,
				Provides:    []string{provides},
			},
			Infrastructure: srv.Name,
			Factory: func(context.Context, *Registry) (core.Capability, error) {
				return adapter, nil
			},
		}
		if err := b.RegisterCapability(reg); err != nil {
			return err
		}
	}

	return nil
}
