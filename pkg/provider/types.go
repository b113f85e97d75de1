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

// Package provider defines the provider descriptor, the reachability contract
// every cost data source implements, and the static registry that resolves a
// descriptor to its implementation.
//
// IMPORTANT: When adding new provider types:
//  1. Add the constant here
//  2. Add to ValidTypes slice
//  3. Register exactly one Contract for it in internal/providers
//  4. Run tests to verify consistency
package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Type identifies a (vendor, deployment-mode) pair.
type Type string

// Provider type constants.
const (
	// TypeAWS reads Cost and Usage Reports from an S3 bucket.
	TypeAWS Type = "AWS"
	// TypeAWSLocal simulates an S3 bucket with a local directory.
	TypeAWSLocal Type = "AWS-local"
	// TypeAzure reads cost exports from an Azure Blob Storage container.
	TypeAzure Type = "Azure"
	// TypeAzureLocal simulates an Azure container with a local directory.
	TypeAzureLocal Type = "Azure-local"
	// TypeGCP reads billing exports from a Google Cloud Storage bucket.
	TypeGCP Type = "GCP"
	// TypeGCPLocal simulates a GCS bucket with a local directory.
	TypeGCPLocal Type = "GCP-local"
	// TypeOCP receives OpenShift usage reports uploaded by the cluster operator.
	TypeOCP Type = "OCP"
)

// ValidTypes contains all supported provider types.
var ValidTypes = []Type{
	TypeAWS,
	TypeAWSLocal,
	TypeAzure,
	TypeAzureLocal,
	TypeGCP,
	TypeGCPLocal,
	TypeOCP,
}

const localSuffix = "-local"

// IsValid returns true if the provider type is one of the supported types.
func (t Type) IsValid() bool {
	for _, valid := range ValidTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of the provider type.
func (t Type) String() string {
	return string(t)
}

// IsLocal reports whether t is a file-based simulation of a cloud source.
func (t Type) IsLocal() bool {
	return strings.HasSuffix(string(t), localSuffix)
}

// Cloud returns the cloud counterpart of a local type, or t itself.
func (t Type) Cloud() Type {
	return Type(strings.TrimSuffix(string(t), localSuffix))
}

// Credentials holds vendor-specific authentication fields. The map is owned by
// the caller and is never cached or logged by this package.
type Credentials map[string]string

// DataSource describes where a provider's billing data lives.
type DataSource map[string]string

// Get returns the trimmed value for key.
func (d DataSource) Get(key string) string {
	return strings.TrimSpace(d[key])
}

// Get returns the trimmed value for key.
func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// Hash returns a stable digest of the data source suitable for cache keys.
// encoding/json sorts map keys, so equal maps always hash equally.
func (d DataSource) Hash() string {
	data, _ := json.Marshal(map[string]string(d))
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Common data source and credential field names.
const (
	FieldBucket         = "bucket"
	FieldRegion         = "region"
	FieldReportPrefix   = "report_prefix"
	FieldRoleARN        = "role_arn"
	FieldExternalID     = "external_id"
	FieldAccessKeyID    = "aws_access_key_id"
	FieldSecretKey      = "aws_secret_access_key"
	FieldStorageAccount = "storage_account"
	FieldContainer      = "container"
	FieldResourceGroup  = "resource_group"
	FieldTenantID       = "tenant_id"
	FieldClientID       = "client_id"
	FieldClientSecret   = "client_secret"
	FieldSubscriptionID = "subscription_id"
	FieldProjectID      = "project_id"
	FieldCredentialJSON = "credentials_json"
	FieldClusterID      = "cluster_id"
)
