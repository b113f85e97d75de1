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

// Package providers assembles the vendor contracts into the registry used at
// process start.
package providers

import (
	"errors"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers/aws"
	"github.com/altairalabs/costflow/internal/providers/azure"
	"github.com/altairalabs/costflow/internal/providers/gcp"
	"github.com/altairalabs/costflow/internal/providers/ocp"
	"github.com/altairalabs/costflow/internal/providers/probe"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Options configures the default contracts.
type Options struct {
	// Opener builds vendor stores for the network-backed contracts.
	Opener objectstore.Opener
}

// Contracts returns one contract per provider type.
func Contracts(opts Options) []provider.Contract {
	return []provider.Contract{
		aws.New(opts.Opener),
		aws.LocalContract{},
		azure.New(opts.Opener),
		azure.LocalContract{},
		gcp.New(opts.Opener),
		gcp.LocalContract{},
		ocp.Contract{},
	}
}

// NewDefaultRegistry builds the registry with every supported provider type.
func NewDefaultRegistry(opts Options) (*provider.Registry, error) {
	return provider.NewRegistry(Contracts(opts)...)
}

// ClassifyError maps an object store error for provider type t onto the
// taxonomy. Errors already in the taxonomy pass through. Unrecognized
// upstream errors are transient.
func ClassifyError(t provider.Type, err error) error {
	if err == nil {
		return nil
	}
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return pErr
	}
	var classified *provider.Error
	switch t.Cloud() {
	case provider.TypeAWS:
		classified = aws.Classify(err)
	case provider.TypeAzure:
		classified = azure.Classify(err)
	case provider.TypeGCP:
		classified = gcp.Classify(err)
	}
	if classified == nil {
		classified = probe.Common(err)
	}
	if classified == nil {
		classified = provider.Transient("The provider returned an unexpected error.", err)
	}
	return classified
}
