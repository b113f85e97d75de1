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

// Package ocp implements the OpenShift provider contract. Usage data is
// pushed by the cluster operator, so there is no upstream to reach.
package ocp

import (
	"context"

	"github.com/altairalabs/costflow/pkg/provider"
)

// Fields lists the fields OCP requires.
var Fields = provider.FieldSet{
	Vendor:     "OCP",
	DataSource: []string{provider.FieldClusterID},
}

// Contract checks that the source names a cluster.
type Contract struct{}

var _ provider.Contract = Contract{}

// Identity implements provider.Contract.
func (Contract) Identity() provider.Type {
	return provider.TypeOCP
}

// VerifyReachable implements provider.Contract.
func (Contract) VerifyReachable(_ context.Context, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := Fields.RequireDataSource(ds); err != nil {
		return provider.Unreachable(err)
	}
	return provider.Reachable()
}
