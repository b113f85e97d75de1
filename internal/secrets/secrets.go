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

// Package secrets unseals provider credentials stored encrypted at rest.
//
// Sealed credentials are a JSON envelope holding a data key wrapped by a
// KMS key, a nonce, and the AES-256-GCM ciphertext of the credential map's
// JSON encoding. Unsealers unwrap the data key with their KMS and decrypt
// locally.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/altairalabs/costflow/internal/store"
	"github.com/altairalabs/costflow/pkg/provider"
)

// Sentinel errors for unsealing.
var (
	// ErrUnsealFailed indicates sealed credentials could not be decrypted.
	ErrUnsealFailed = errors.New("secrets: unseal failed")
	// ErrUnknownUnsealer indicates an unrecognized unsealer kind in Config.
	ErrUnknownUnsealer = errors.New("secrets: unknown unsealer")
)

// Unsealer turns sealed credential bytes into a credential map.
type Unsealer interface {
	Unseal(ctx context.Context, sealed []byte) (provider.Credentials, error)
	Close() error
}

// Plaintext treats sealed bytes as the credential map's JSON encoding.
type Plaintext struct{}

// Unseal decodes the JSON credential map.
func (Plaintext) Unseal(_ context.Context, sealed []byte) (provider.Credentials, error) {
	return decodeCredentials(sealed)
}

// Close does nothing.
func (Plaintext) Close() error { return nil }

func decodeCredentials(data []byte) (provider.Credentials, error) {
	var creds provider.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// The decoder error can quote input bytes, so it is not wrapped.
		return nil, fmt.Errorf("%w: credentials are not a JSON object", ErrUnsealFailed)
	}
	return creds, nil
}

// UnsealingReader decorates a store.Reader so that records carrying
// SealedCredentials come back with Credentials filled in.
type UnsealingReader struct {
	next     store.Reader
	unsealer Unsealer
}

// NewUnsealingReader wraps next.
func NewUnsealingReader(next store.Reader, unsealer Unsealer) *UnsealingReader {
	return &UnsealingReader{next: next, unsealer: unsealer}
}

// GetProvider implements store.Reader.
func (r *UnsealingReader) GetProvider(ctx context.Context, tenantID, id string) (*store.ProviderRecord, error) {
	rec, err := r.next.GetProvider(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := r.unseal(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListActiveProviders implements store.Reader. A record that fails to
// unseal fails the whole listing.
func (r *UnsealingReader) ListActiveProviders(ctx context.Context) ([]store.ProviderRecord, error) {
	recs, err := r.next.ListActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if err := r.unseal(ctx, &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (r *UnsealingReader) unseal(ctx context.Context, rec *store.ProviderRecord) error {
	if len(rec.SealedCredentials) == 0 {
		return nil
	}
	creds, err := r.unsealer.Unseal(ctx, rec.SealedCredentials)
	if err != nil {
		return fmt.Errorf("provider %s/%s: %w", rec.TenantID, rec.ID, err)
	}
	rec.Credentials = creds
	rec.SealedCredentials = nil
	return nil
}

var _ store.Reader = (*UnsealingReader)(nil)
