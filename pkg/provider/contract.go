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
	"context"
	"fmt"
)

// Contract is implemented once per provider type. Callers depend only on this
// interface and never branch on the vendor.
type Contract interface {
	// Identity returns the static descriptor. It performs no I/O.
	Identity() Type

	// VerifyReachable performs the minimal read-only check proving the data
	// source is readable with creds. Vendor SDK errors are classified into
	// the failure taxonomy before being returned.
	VerifyReachable(ctx context.Context, creds Credentials, ds DataSource) ValidationResult
}

// ValidationResult is the outcome of a reachability check.
type ValidationResult struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error,omitempty"`
}

// Reachable returns a successful result.
func Reachable() ValidationResult {
	return ValidationResult{OK: true}
}

// Unreachable returns a failed result carrying err.
func Unreachable(err *Error) ValidationResult {
	return ValidationResult{OK: false, Error: err}
}

// Err returns the failure as an error, or nil when the result is OK.
func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return Internal("validation failed without an error", nil)
	}
	return r.Error
}

// FieldSet lists the fields a vendor requires. Cloud implementations and their
// local variants share one FieldSet instead of inheriting from each other.
type FieldSet struct {
	// Vendor names the vendor in operator-facing messages.
	Vendor string
	// DataSource lists required data source fields, checked first.
	DataSource []string
	// Credentials lists required credential fields.
	Credentials []string
}

// RequireDataSource returns a MissingField error for the first absent data
// source field, or nil.
func (f FieldSet) RequireDataSource(ds DataSource) *Error {
	for _, field := range f.DataSource {
		if ds.Get(field) == "" {
			return MissingField(field, fmt.Sprintf("%s is a required parameter for %s.", field, f.Vendor))
		}
	}
	return nil
}

// RequireCredentials returns a MissingField error for the first absent
// credential field, or nil.
func (f FieldSet) RequireCredentials(creds Credentials) *Error {
	for _, field := range f.Credentials {
		if creds.Get(field) == "" {
			return MissingField(field, fmt.Sprintf("%s is a required credential for %s.", field, f.Vendor))
		}
	}
	return nil
}

// Require checks the data source and then the credentials.
func (f FieldSet) Require(creds Credentials, ds DataSource) *Error {
	if err := f.RequireDataSource(ds); err != nil {
		return err
	}
	return f.RequireCredentials(creds)
}
