/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package provider

import (
	"fmt"
	"sort"
)

// Registry maps a provider type to its Contract. It is populated once by
// NewRegistry and is read-only afterwards, so lookups need no locking.
type Registry struct {
	contracts map[Type]Contract
}

// NewRegistry builds a registry from contracts. Every contract must report a
// valid, distinct identity.
func NewRegistry(contracts ...Contract) (*Registry, error) {
	r := &Registry{contracts: make(map[Type]Contract, len(contracts))}
	for _, c := range contracts {
		if c == nil {
			return nil, fmt.Errorf("nil contract")
		}
		id := c.Identity()
		if !id.IsValid() {
			return nil, fmt.Errorf("contract reports unsupported provider type %q", id)
		}
		if _, exists := r.contracts[id]; exists {
			return nil, fmt.Errorf("provider type %q already registered", id)
		}
		r.contracts[id] = c
	}
	return r, nil
}

// Resolve returns the contract registered for t, or an UnknownProviderError.
func (r *Registry) Resolve(t Type) (Contract, error) {
	c, ok := r.contracts[t]
	if !ok {
		return nil, UnknownProvider(t)
	}
	return c, nil
}

// Types returns the registered provider types in sorted order.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.contracts))
	for t := range r.contracts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
