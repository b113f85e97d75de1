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

package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureConfig contains Azure Blob Storage-specific settings.
type AzureConfig struct {
	// AccountName is the Azure Storage account name.
	AccountName string
	// Container holds the cost exports.
	Container string
	// ServiceURL overrides https://{account}.blob.core.windows.net, e.g. for Azurite.
	ServiceURL string
	// TenantID, ClientID and ClientSecret select a service principal. When
	// ClientSecret is empty DefaultAzureCredential is used.
	TenantID     string
	ClientID     string
	ClientSecret string
}

// AzureStore implements Store and Restorer using Azure Blob Storage.
type AzureStore struct {
	client *container.Client
}

var (
	_ Store    = (*AzureStore)(nil)
	_ Restorer = (*AzureStore)(nil)
)

// NewAzureStore creates an Azure Blob Storage-backed Store. Creating the
// store performs no I/O; credential errors surface on the first request.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.Container == "" {
		return nil, errors.New("container is required")
	}
	if cfg.AccountName == "" && cfg.ServiceURL == "" {
		return nil, errors.New("account name is required")
	}

	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	containerURL := serviceURL + "/" + cfg.Container

	var cred azcore.TokenCredential
	var err error
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := container.NewClient(containerURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

// Ping implements Store with a container GetProperties call.
func (a *AzureStore) Ping(ctx context.Context) error {
	if _, err := a.client.GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("azure container properties: %w", err)
	}
	return nil
}

// List implements Store.
func (a *AzureStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	pager := a.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			o := Object{Key: *item.Name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil {
					o.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					o.LastModified = *p.LastModified
				}
				if p.AccessTier != nil {
					o.StorageClass = string(*p.AccessTier)
					o.Archived = *p.AccessTier == blob.AccessTierArchive
				}
			}
			objects = append(objects, o)
		}
	}
	return objects, nil
}

// Get implements Store.
func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobArchived) {
			return nil, ErrObjectArchived
		}
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("azure get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure read body: %w", err)
	}
	return data, nil
}

// Restore implements Restorer by rehydrating the blob to the Hot tier.
func (a *AzureStore) Restore(ctx context.Context, key string) error {
	priority := blob.RehydratePriorityStandard
	_, err := a.client.NewBlobClient(key).SetTier(ctx, blob.AccessTierHot, &blob.SetTierOptions{
		RehydratePriority: &priority,
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobBeingRehydrated) {
			return nil
		}
		return fmt.Errorf("azure rehydrate: %w", err)
	}
	return nil
}

// Close implements Store.
func (a *AzureStore) Close() error {
	return nil
}
