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

// Package gcp implements the GCP and GCP-local provider contracts.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers/probe"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Fields lists the fields GCP requires.
var Fields = provider.FieldSet{
	Vendor:      "GCP",
	DataSource:  []string{provider.FieldBucket},
	Credentials: []string{provider.FieldProjectID},
}

var localFields = provider.FieldSet{
	Vendor:     string(provider.TypeGCPLocal),
	DataSource: Fields.DataSource,
}

// RequiredPermissions are the IAM permissions ingestion needs on the bucket.
var RequiredPermissions = []string{"storage.objects.list", "storage.objects.get"}

// Contract verifies that a billing export bucket exists and grants the
// permissions ingestion needs.
type Contract struct {
	probe probe.Probe
}

var _ provider.Contract = (*Contract)(nil)

// New creates the GCP contract.
func New(opener objectstore.Opener) *Contract {
	return &Contract{probe: probe.Probe{
		Type:            provider.TypeGCP,
		Opener:          opener,
		Classify:        Classify,
		CredentialField: provider.FieldCredentialJSON,
		Check:           checkPermissions,
	}}
}

// Identity implements provider.Contract.
func (c *Contract) Identity() provider.Type {
	return provider.TypeGCP
}

// VerifyReachable implements provider.Contract with a bucket metadata read
// followed by an IAM permission test.
func (c *Contract) VerifyReachable(ctx context.Context, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := Fields.Require(creds, ds); err != nil {
		return provider.Unreachable(err)
	}
	return c.probe.Run(ctx, creds, ds)
}

func checkPermissions(ctx context.Context, store objectstore.Store) error {
	tester, ok := store.(objectstore.PermissionTester)
	if !ok {
		return nil
	}
	granted, err := tester.TestPermissions(ctx, RequiredPermissions)
	if err != nil {
		return err
	}
	for _, perm := range RequiredPermissions {
		if !slices.Contains(granted, perm) {
			return provider.PermissionDenied(provider.FieldBucket,
				fmt.Sprintf("The credentials lack the %s permission on the bucket.", perm), nil)
		}
	}
	return nil
}

// LocalContract is the file-backed GCP-local variant.
type LocalContract struct{}

var _ provider.Contract = LocalContract{}

// Identity implements provider.Contract.
func (LocalContract) Identity() provider.Type {
	return provider.TypeGCPLocal
}

// VerifyReachable implements provider.Contract.
func (LocalContract) VerifyReachable(_ context.Context, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := localFields.RequireDataSource(ds); err != nil {
		return provider.Unreachable(err)
	}
	return provider.Reachable()
}

// Classify maps Google API errors onto the taxonomy. It returns nil for
// errors it does not recognize.
func Classify(err error) *provider.Error {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return provider.PermissionDenied(provider.FieldBucket,
			"The bucket does not exist or is not visible to the supplied credentials.", err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if pErr := probe.FromStatus(apiErr.Code, provider.FieldCredentialJSON, provider.FieldBucket, err); pErr != nil {
			return pErr
		}
	}
	return probe.Common(err)
}
