// Copyright 2026 © The Praxis Authors
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"context"

	"github.com/praxislabs/praxis/pkg/core"
	"github.com/praxislabs/praxis/pkg/registry"
)

// BuildRegistry assembles a registry around scripted capabilities,
// registering every context type the doubles declare along the way.
func BuildRegistry(capabilities ...*Capability) (*registry.Registry, error) {
	b := registry.NewBuilder()
	seen := make(map[string]bool)
	for _, c := range capabilities {
		d := c.Descriptor()
		for _, name := range append(append([]string(nil), d.Provides...), d.Requires...) {
			if seen[name] {
				continue
			}
			if err := b.RegisterContextType(registry.ContextType{
				Name:        name,
				Description: name + " entries",
			}); err != nil {
				return nil, err
			}
			seen[name] = true
		}
	}
	for _, c := range capabilities {
		c := c
		err := b.RegisterCapability(registry.Registration{
			Descriptor: c.Descriptor(),
			Factory: func(context.Context, *registry.Registry) (core.Capability, error) {
				return c, nil
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return b.Build()
}
