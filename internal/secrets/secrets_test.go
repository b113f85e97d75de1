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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

var xorKey = []byte("mock-kms-wrapping-key-32bytes!!!")

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ xorKey[i%len(xorKey)]
	}
	return out
}

// seal builds an envelope the way a sealing tool would, wrapping the data
// key with the XOR stand-in for a KMS.
func seal(t *testing.T, creds provider.Credentials, keyVersion string) []byte {
	t.Helper()
	dek := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, dek)
	require.NoError(t, err)

	block, err := aes.NewCipher(dek)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = io.ReadFull(rand.Reader, nonce)
	require.NoError(t, err)

	plaintext, err := json.Marshal(creds)
	require.NoError(t, err)
	out, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		WrappedDEK: xor(dek),
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
		KeyVersion: keyVersion,
	})
	require.NoError(t, err)
	return out
}

type mockAWSKMS struct {
	keyID string
	err   error
}

func (m *mockAWSKMS) Decrypt(_ context.Context, in *awskms.DecryptInput, _ ...func(*awskms.Options)) (*awskms.DecryptOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.keyID = *in.KeyId
	return &awskms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

type mockGCPKMS struct {
	name   string
	closed bool
}

func (m *mockGCPKMS) Decrypt(_ context.Context, req *kmspb.DecryptRequest) (*kmspb.DecryptResponse, error) {
	m.name = req.Name
	return &kmspb.DecryptResponse{Plaintext: xor(req.Ciphertext)}, nil
}

func (m *mockGCPKMS) Close() error {
	m.closed = true
	return nil
}

type mockAzkeys struct {
	keyName    string
	keyVersion string
}

func (m *mockAzkeys) UnwrapKey(
	_ context.Context, keyName, keyVersion string,
	params azkeys.KeyOperationParameters, _ *azkeys.UnwrapKeyOptions,
) (azkeys.UnwrapKeyResponse, error) {
	m.keyName, m.keyVersion = keyName, keyVersion
	var resp azkeys.UnwrapKeyResponse
	resp.Result = xor(params.Value)
	return resp, nil
}

var testCreds = provider.Credentials{
	provider.FieldRoleARN: "arn:aws:iam::123456789012:role/cost-reader",
	"external_id":         "ext-1",
}

func TestAWSKMS_Unseal(t *testing.T) {
	client := &mockAWSKMS{}
	u := newAWSKMSWithClient(client, "alias/costflow")

	got, err := u.Unseal(context.Background(), seal(t, testCreds, ""))
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
	assert.Equal(t, "alias/costflow", client.keyID)
	assert.NoError(t, u.Close())
}

func TestAWSKMS_DecryptError(t *testing.T) {
	u := newAWSKMSWithClient(&mockAWSKMS{err: errors.New("AccessDeniedException")}, "k")
	_, err := u.Unseal(context.Background(), seal(t, testCreds, ""))
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestGCPKMS_Unseal(t *testing.T) {
	client := &mockGCPKMS{}
	name := "projects/p/locations/global/keyRings/r/cryptoKeys/k"
	u := newGCPKMSWithClient(client, name)

	got, err := u.Unseal(context.Background(), seal(t, testCreds, ""))
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
	assert.Equal(t, name, client.name)

	require.NoError(t, u.Close())
	assert.True(t, client.closed)
}

func TestAzureKeyVault_UsesEnvelopeKeyVersion(t *testing.T) {
	client := &mockAzkeys{}
	u := newAzureKeyVaultWithClient(client, "costflow-creds")

	got, err := u.Unseal(context.Background(), seal(t, testCreds, "v7"))
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
	assert.Equal(t, "costflow-creds", client.keyName)
	assert.Equal(t, "v7", client.keyVersion)
}

func TestUnseal_RejectsBadEnvelopes(t *testing.T) {
	u := newAWSKMSWithClient(&mockAWSKMS{}, "k")
	ctx := context.Background()

	_, err := u.Unseal(ctx, []byte("not json"))
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = u.Unseal(ctx, []byte(`{"v":2,"wdek":"AA=="}`))
	assert.ErrorIs(t, err, ErrUnsealFailed)
	assert.Contains(t, err.Error(), "unsupported envelope version")

	var env envelope
	require.NoError(t, json.Unmarshal(seal(t, testCreds, ""), &env))
	env.Ciphertext[0] ^= 0xff
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = u.Unseal(ctx, tampered)
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestPlaintext(t *testing.T) {
	ctx := context.Background()
	got, err := Plaintext{}.Unseal(ctx, []byte(`{"project_id":"billing-123"}`))
	require.NoError(t, err)
	assert.Equal(t, "billing-123", got[provider.FieldProjectID])

	_, err = Plaintext{}.Unseal(ctx, []byte("client_secret=hunter2"))
	require.ErrorIs(t, err, ErrUnsealFailed)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestUnsealingReader(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(
		store.ProviderRecord{
			TenantID: "org1", ID: "sealed", Type: provider.TypeAWS, Active: true,
			SealedCredentials: seal(t, testCreds, ""),
		},
		store.ProviderRecord{
			TenantID: "org1", ID: "plain", Type: provider.TypeOCP, Active: true,
			DataSource: provider.DataSource{provider.FieldClusterID: "c1"},
		},
	)
	r := NewUnsealingReader(mem, newAWSKMSWithClient(&mockAWSKMS{}, "k"))

	rec, err := r.GetProvider(ctx, "org1", "sealed")
	require.NoError(t, err)
	assert.Equal(t, testCreds, rec.Credentials)
	assert.Nil(t, rec.SealedCredentials)

	all, err := r.ListActiveProviders(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all[0].Credentials)
	assert.Equal(t, testCreds, all[1].Credentials)

	_, err = r.GetProvider(ctx, "org2", "sealed")
	assert.ErrorIs(t, err, store.ErrProviderNotFound)
}

func TestUnsealingReader_FailureNamesRecord(t *testing.T) {
	mem := store.NewMemoryStore(store.ProviderRecord{
		TenantID: "org1", ID: "p1", SealedCredentials: []byte("garbage"),
	})
	r := NewUnsealingReader(mem, Plaintext{})

	_, err := r.GetProvider(context.Background(), "org1", "p1")
	require.ErrorIs(t, err, ErrUnsealFailed)
	assert.Contains(t, err.Error(), "org1/p1")
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	u, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, Plaintext{}, u)

	_, err = New(ctx, Config{Kind: "vault"})
	assert.ErrorIs(t, err, ErrUnknownUnsealer)

	_, err = New(ctx, Config{Kind: KindAWSKMS, Region: "us-east-1"})
	assert.ErrorContains(t, err, "key ID is required")

	_, err = New(ctx, Config{Kind: KindAzureKeyVault, KeyID: "k"})
	assert.ErrorContains(t, err, "vault URL is required")
}
