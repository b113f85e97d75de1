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

package secrets

import (
	"context"
	"fmt"
)

// Unsealer kinds accepted in Config.Kind.
const (
	KindPlaintext     = "plaintext"
	KindAWSKMS        = "aws-kms"
	KindGCPKMS        = "gcp-kms"
	KindAzureKeyVault = "azure-keyvault"
)

// Config selects and configures an Unsealer.
type Config struct {
	// Kind is one of the Kind constants. Empty means plaintext.
	Kind string `yaml:"kind"`
	// KeyID is the KMS key ID, crypto key resource name, or Key Vault key name.
	KeyID string `yaml:"key_id"`
	// Region is required for aws-kms.
	Region string `yaml:"region"`
	// VaultURL is required for azure-keyvault.
	VaultURL string `yaml:"vault_url"`
	// Credentials optionally authenticates to the KMS itself. Without it the
	// SDK default credential chain is used.
	Credentials map[string]string `yaml:"credentials"`
}

// New builds the Unsealer cfg describes.
func New(ctx context.Context, cfg Config) (Unsealer, error) {
	switch cfg.Kind {
	case "", KindPlaintext:
		return Plaintext{}, nil
	case KindAWSKMS:
		u, err := NewAWSKMS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case KindGCPKMS:
		u, err := NewGCPKMS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case KindAzureKeyVault:
		u, err := NewAzureKeyVault(cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownUnsealer, cfg.Kind)
	}
}
