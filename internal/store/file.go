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

package store

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileRecord is the on-disk form of a ProviderRecord.
type fileRecord struct {
	ProviderRecord `yaml:",inline"`
	// SealedCredentials is base64 of the sealed envelope.
	SealedCredentials string `yaml:"sealed_credentials"`
}

// LoadProviderFile reads provider definitions from a YAML file holding
// either one record or a list of records.
func LoadProviderFile(path string) ([]ProviderRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider file: %w", err)
	}
	records, err := DecodeProviders(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// DecodeProviders parses one YAML record or a sequence of them. Every
// record needs a tenant, an id and a type.
func DecodeProviders(data []byte) ([]ProviderRecord, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing provider definitions: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("no provider definitions")
	}

	var raw []fileRecord
	switch root := doc.Content[0]; root.Kind {
	case yaml.MappingNode:
		var r fileRecord
		if err := root.Decode(&r); err != nil {
			return nil, fmt.Errorf("parsing provider definition: %w", err)
		}
		raw = append(raw, r)
	case yaml.SequenceNode:
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing provider definitions: %w", err)
		}
	default:
		return nil, fmt.Errorf("provider definitions must be a mapping or a list")
	}

	records := make([]ProviderRecord, 0, len(raw))
	for i, r := range raw {
		rec := r.ProviderRecord
		switch {
		case rec.TenantID == "":
			return nil, fmt.Errorf("provider %d: tenant_id is required", i)
		case rec.ID == "":
			return nil, fmt.Errorf("provider %d: id is required", i)
		case rec.Type == "":
			return nil, fmt.Errorf("provider %d (%s): type is required", i, rec.ID)
		}
		if r.SealedCredentials != "" {
			sealed, err := base64.StdEncoding.DecodeString(r.SealedCredentials)
			if err != nil {
				return nil, fmt.Errorf("provider %d (%s): sealed_credentials is not base64: %w", i, rec.ID, err)
			}
			rec.SealedCredentials = sealed
		}
		records = append(records, rec)
	}
	return records, nil
}
