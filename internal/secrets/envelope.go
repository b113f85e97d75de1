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
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"

	"github.com/altairalabs/costflow/pkg/provider"
)

const envelopeVersion = 1

// envelope is the JSON form of sealed credentials.
type envelope struct {
	Version    int    `json:"v"`
	WrappedDEK []byte `json:"wdek"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
	KeyVersion string `json:"kv,omitempty"`
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrUnsealFailed, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version: %d", ErrUnsealFailed, env.Version)
	}
	if len(env.WrappedDEK) == 0 {
		return nil, fmt.Errorf("%w: envelope has no wrapped key", ErrUnsealFailed)
	}
	return &env, nil
}

// open decrypts the envelope payload with the unwrapped data key and decodes
// the credential map.
func (env *envelope) open(dek []byte) (provider.Credentials, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: AES cipher creation failed: %v", ErrUnsealFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: GCM creation failed: %v", ErrUnsealFailed, err)
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrUnsealFailed, len(env.Nonce))
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: AES-GCM decryption failed: %v", ErrUnsealFailed, err)
	}
	return decodeCredentials(plaintext)
}
