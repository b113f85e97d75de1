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

	gcpkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"google.golang.org/api/option"

	"github.com/altairalabs/costflow/pkg/provider"
)

// awsKMSClient is the subset of the AWS KMS client used for unsealing.
type awsKMSClient interface {
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSKMS unwraps data keys with AWS KMS.
type AWSKMS struct {
	client awsKMSClient
	keyID  string
}

// NewAWSKMS builds an AWSKMS unsealer from cfg. Static keys in
// cfg.Credentials take precedence over the default credential chain.
func NewAWSKMS(ctx context.Context, cfg Config) (*AWSKMS, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("aws-kms: key ID is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws-kms: region is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if id, secret := cfg.Credentials["access_key_id"], cfg.Credentials["secret_access_key"]; id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws-kms: failed to load AWS config: %w", err)
	}
	return newAWSKMSWithClient(awskms.NewFromConfig(awsCfg), cfg.KeyID), nil
}

func newAWSKMSWithClient(client awsKMSClient, keyID string) *AWSKMS {
	return &AWSKMS{client: client, keyID: keyID}
}

// Unseal implements Unsealer.
func (u *AWSKMS) Unseal(ctx context.Context, sealed []byte) (provider.Credentials, error) {
	env, err := parseEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	out, err := u.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: env.WrappedDEK,
		KeyId:          aws.String(u.keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS Decrypt failed: %v", ErrUnsealFailed, err)
	}
	return env.open(out.Plaintext)
}

// Close does nothing.
func (u *AWSKMS) Close() error { return nil }

// gcpKMSClient is the subset of the Cloud KMS client used for unsealing.
type gcpKMSClient interface {
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error)
	Close() error
}

type gcpKMSClientWrapper struct {
	client *gcpkms.KeyManagementClient
}

func (w *gcpKMSClientWrapper) Decrypt(ctx context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	return w.client.Decrypt(ctx, req)
}

func (w *gcpKMSClientWrapper) Close() error {
	return w.client.Close()
}

// GCPKMS unwraps data keys with Google Cloud KMS. KeyID is the full crypto
// key resource name.
type GCPKMS struct {
	client gcpKMSClient
	keyID  string
}

// NewGCPKMS builds a GCPKMS unsealer from cfg.
func NewGCPKMS(ctx context.Context, cfg Config) (*GCPKMS, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("gcp-kms: key ID is required")
	}
	var opts []option.ClientOption
	if js := cfg.Credentials["credentials_json"]; js != "" {
		//nolint:staticcheck // same loader the GCS object store uses
		opts = append(opts, option.WithCredentialsJSON([]byte(js)))
	}
	client, err := gcpkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp-kms: failed to create client: %w", err)
	}
	return newGCPKMSWithClient(&gcpKMSClientWrapper{client: client}, cfg.KeyID), nil
}

func newGCPKMSWithClient(client gcpKMSClient, keyID string) *GCPKMS {
	return &GCPKMS{client: client, keyID: keyID}
}

// Unseal implements Unsealer.
func (u *GCPKMS) Unseal(ctx context.Context, sealed []byte) (provider.Credentials, error) {
	env, err := parseEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       u.keyID,
		Ciphertext: env.WrappedDEK,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS Decrypt failed: %v", ErrUnsealFailed, err)
	}
	return env.open(resp.Plaintext)
}

// Close releases the KMS client.
func (u *GCPKMS) Close() error {
	return u.client.Close()
}

// azkeysClient is the subset of the Key Vault keys client used for unsealing.
type azkeysClient interface {
	UnwrapKey(
		ctx context.Context, keyName string, keyVersion string,
		parameters azkeys.KeyOperationParameters, options *azkeys.UnwrapKeyOptions,
	) (azkeys.UnwrapKeyResponse, error)
}

const azureWrapAlgorithm = azkeys.EncryptionAlgorithmRSAOAEP256

// AzureKeyVault unwraps data keys with an Azure Key Vault RSA key. The key
// version recorded in the envelope is used for the unwrap.
type AzureKeyVault struct {
	client  azkeysClient
	keyName string
}

// NewAzureKeyVault builds an AzureKeyVault unsealer from cfg.
func NewAzureKeyVault(cfg Config) (*AzureKeyVault, error) {
	if cfg.VaultURL == "" {
		return nil, fmt.Errorf("azure-keyvault: vault URL is required")
	}
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("azure-keyvault: key ID is required")
	}
	cred, err := azureCredential(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("azure-keyvault: credential error: %w", err)
	}
	client, err := azkeys.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure-keyvault: client creation error: %w", err)
	}
	return newAzureKeyVaultWithClient(client, cfg.KeyID), nil
}

func newAzureKeyVaultWithClient(client azkeysClient, keyName string) *AzureKeyVault {
	return &AzureKeyVault{client: client, keyName: keyName}
}

func azureCredential(creds map[string]string) (azcore.TokenCredential, error) {
	tenantID, clientID, secret := creds["tenant_id"], creds["client_id"], creds["client_secret"]
	if tenantID != "" && clientID != "" && secret != "" {
		return azidentity.NewClientSecretCredential(tenantID, clientID, secret, nil)
	}
	// Workload identity, managed identity and the CLI login.
	return azidentity.NewDefaultAzureCredential(nil)
}

// Unseal implements Unsealer.
func (u *AzureKeyVault) Unseal(ctx context.Context, sealed []byte) (provider.Credentials, error) {
	env, err := parseEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	algo := azureWrapAlgorithm
	resp, err := u.client.UnwrapKey(ctx, u.keyName, env.KeyVersion, azkeys.KeyOperationParameters{
		Algorithm: &algo,
		Value:     env.WrappedDEK,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key vault unwrap failed: %v", ErrUnsealFailed, err)
	}
	return env.open(resp.Result)
}

// Close does nothing.
func (u *AzureKeyVault) Close() error { return nil }

var (
	_ Unsealer = Plaintext{}
	_ Unsealer = (*AWSKMS)(nil)
	_ Unsealer = (*GCPKMS)(nil)
	_ Unsealer = (*AzureKeyVault)(nil)
)
