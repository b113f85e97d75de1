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

// Package probe runs the open-then-ping reachability check shared by the
// vendor contracts and maps failures onto the provider error taxonomy.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/altairalabs/costflow/internal/objectstore"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Classifier maps a vendor SDK error to the taxonomy. It returns nil when the
// error is not recognized.
type Classifier func(err error) *provider.Error

// Probe describes one vendor's reachability check.
type Probe struct {
	// Type is passed to the Opener.
	Type provider.Type
	// Opener builds the vendor store from credentials and data source.
	Opener objectstore.Opener
	// Classify handles vendor-specific errors before the common rules.
	Classify Classifier
	// CredentialField is blamed when the client cannot be constructed.
	CredentialField string
	// Check runs after a successful Ping. Optional.
	Check func(ctx context.Context, store objectstore.Store) error
}

// Run opens the store, pings it and runs Check. The store is always closed.
func (p Probe) Run(ctx context.Context, creds provider.Credentials, ds provider.DataSource) provider.ValidationResult {
	store, err := p.Opener.Open(ctx, p.Type, creds, ds)
	if err != nil {
		if pErr := p.classify(err); pErr != nil && pErr.Kind != provider.KindTransient {
			return provider.Unreachable(pErr)
		}
		return provider.Unreachable(provider.AuthenticationFailed(
			p.CredentialField,
			"Unable to build a client from the supplied credentials.",
			err,
		))
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		return provider.Unreachable(p.classifyOrTransient(err))
	}
	if p.Check != nil {
		if err := p.Check(ctx, store); err != nil {
			return provider.Unreachable(p.classifyOrTransient(err))
		}
	}
	return provider.Reachable()
}

func (p Probe) classify(err error) *provider.Error {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return pErr
	}
	if p.Classify != nil {
		if pErr := p.Classify(err); pErr != nil {
			return pErr
		}
	}
	return Common(err)
}

// classifyOrTransient treats unrecognized upstream failures as transient so
// they are retried a bounded number of times before surfacing.
func (p Probe) classifyOrTransient(err error) *provider.Error {
	if pErr := p.classify(err); pErr != nil {
		return pErr
	}
	return provider.Transient("The provider returned an unexpected error.", err)
}

// Common classifies failures that look the same for every vendor: context
// expiry and network errors. It returns nil otherwise.
func Common(err error) *provider.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return provider.Transient("The provider did not respond in time.", err)
	case errors.Is(err, context.Canceled):
		return provider.Transient("The reachability check was canceled.", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return provider.Transient("The provider could not be reached.", err)
	}
	return nil
}

// FromStatus classifies an HTTP status code. 401 blames authField, 403 and
// 404 blame resourceField, 408, 429 and 5xx are transient. Other codes
// return nil.
func FromStatus(status int, authField, resourceField string, cause error) *provider.Error {
	switch {
	case status == http.StatusUnauthorized:
		return provider.AuthenticationFailed(authField, "The provider rejected the supplied credentials.", cause)
	case status == http.StatusForbidden:
		return provider.PermissionDenied(resourceField,
			fmt.Sprintf("The %s is not readable with the supplied credentials.", resourceLabel(resourceField)), cause)
	case status == http.StatusNotFound:
		return provider.PermissionDenied(resourceField,
			fmt.Sprintf("The %s does not exist or is not visible to the supplied credentials.", resourceLabel(resourceField)), cause)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return provider.Transient(fmt.Sprintf("The provider returned HTTP %d.", status), cause)
	}
	return nil
}

func resourceLabel(field string) string {
	switch field {
	case provider.FieldBucket:
		return "bucket"
	case provider.FieldContainer:
		return "container"
	case provider.FieldStorageAccount:
		return "storage account"
	}
	return field
}
