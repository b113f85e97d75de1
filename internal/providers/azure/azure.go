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

// Package azure implements the Azure and Azure-local provider contracts.
package azure

import (
	"context"
	"errors"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/internal/providers/probe"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Fields lists the fields Azure requires.
var Fields = provider.FieldSet{
	Vendor:     "Azure",
	DataSource: []string{provider.FieldStorageAccount, provider.FieldContainer},
	Credentials: []string{
		provider.FieldTenantID,
		provider.FieldClientID,
		provider.FieldClientSecret,
		provider.FieldSubscriptionID,
	},
}

var localFields = provider.FieldSet{
	Vendor:     string(provider.TypeAzureLocal),
	DataSource: Fields.DataSource,
}

// Contract verifies that a cost export container is readable by a service
// principal.
type Contract struct {
	probe probe.Probe
}

var _ provider.Contract = (*Contract)(nil)

// New creates the Azure contract.
func New(opener objectstore.Opener) *Contract {
	return &Contract{probe: probe.Probe{
		Type:            provider.TypeAzure,
		Opener:          opener,
		Classify:        Classify,
		CredentialField: provider.FieldClientSecret,
	}}
}

// Identity implements provider.Contract.
func (c *Contract) Identity() provider.Type {
	return provider.TypeAzure
}

// VerifyReachable implements provider.Contract with a container GetProperties.
func (c *Contract) VerifyReachable(ctx context.Context, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := Fields.Require(creds, ds); err != nil {
		return provider.Unreachable(err)
	}
	return c.probe.Run(ctx, creds, ds)
}

// LocalContract is the file-backed Azure-local variant.
type LocalContract struct{}

var _ provider.Contract = LocalContract{}

// Identity implements provider.Contract.
func (LocalContract) Identity() provider.Type {
	return provider.TypeAzureLocal
}

// VerifyReachable implements provider.Contract.
func (LocalContract) VerifyReachable(_ context.Context, _ provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	if err := localFields.RequireDataSource(ds); err != nil {
		return provider.Unreachable(err)
	}
	return provider.Reachable()
}

// Classify maps Azure SDK errors onto the taxonomy. It returns nil for errors
// it does not recognize.
func Classify(err error) *provider.Error {
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return provider.AuthenticationFailed(provider.FieldClientSecret,
			"Azure AD rejected the service principal credentials.", err)
	}

	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return provider.PermissionDenied(provider.FieldContainer,
			"The container does not exist in the storage account.", err)
	}
	if bloberror.HasCode(err, bloberror.AuthorizationPermissionMismatch, bloberror.AuthorizationFailure) {
		return provider.PermissionDenied(provider.FieldContainer,
			"The service principal lacks read access to the container.", err)
	}

	// An unknown storage account has no DNS record.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return provider.PermissionDenied(provider.FieldStorageAccount,
			"The storage account does not exist.", err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if pErr := probe.FromStatus(respErr.StatusCode, provider.FieldClientSecret, provider.FieldContainer, err); pErr != nil {
			return pErr
		}
	}
	return probe.Common(err)
}
