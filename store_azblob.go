// store_azblob.go: Azure Blob Storage artifact store
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobConfig selects how the store authenticates. ConnectionString wins
// when set; otherwise ServiceURL is used with a client secret credential when
// TenantID, ClientID and ClientSecret are all present, or with the default
// Azure credential chain.
type AzureBlobConfig struct {
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
	ServiceURL       string `json:"service_url" yaml:"service_url"`
	TenantID         string `json:"tenant_id" yaml:"tenant_id"`
	ClientID         string `json:"client_id" yaml:"client_id"`
	ClientSecret     string `json:"client_secret" yaml:"client_secret"`
}

// AzureBlobStore implements Store with one blob container per container name.
type AzureBlobStore struct {
	client *azblob.Client
}

// NewAzureBlobStore builds a client from config.
func NewAzureBlobStore(config AzureBlobConfig) (*AzureBlobStore, error) {
	if config.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(config.ConnectionString, nil)
		if err != nil {
			return nil, NewInvalidConfigError("azure connection string", err)
		}
		return &AzureBlobStore{client: client}, nil
	}
	if config.ServiceURL == "" {
		return nil, NewConfigurationError("store.azure.service_url")
	}

	var cred azcore.TokenCredential
	var err error
	if config.TenantID != "" && config.ClientID != "" && config.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, NewInvalidConfigError("azure credential", err)
	}
	client, err := azblob.NewClient(config.ServiceURL, cred, nil)
	if err != nil {
		return nil, NewInvalidConfigError("azure service url", err)
	}
	return &AzureBlobStore{client: client}, nil
}

func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return stderrors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// EnsureContainer implements Store.
func (a *AzureBlobStore) EnsureContainer(ctx context.Context, container string) error {
	_, err := a.client.CreateContainer(ctx, container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return NewStoreError("ensure", container, "", err)
	}
	return nil
}

// Exists implements Store.
func (a *AzureBlobStore) Exists(ctx context.Context, container, key string) (bool, error) {
	_, err := a.blob(container, key).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if isAzureNotFound(err) {
		return false, nil
	}
	return false, NewStoreError("exists", container, key, err)
}

// Download implements Store.
func (a *AzureBlobStore) Download(ctx context.Context, container, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewArtifactNotFoundError(key, container)
		}
		return nil, NewStoreError("download", container, key, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, NewStoreError("download", container, key, err)
	}
	return buf.Bytes(), nil
}

// Upload implements Store.
func (a *AzureBlobStore) Upload(ctx context.Context, container, key string, data []byte) error {
	if _, err := a.client.UploadBuffer(ctx, container, key, data, nil); err != nil {
		return NewStoreError("upload", container, key, err)
	}
	return nil
}

// DownloadText implements Store.
func (a *AzureBlobStore) DownloadText(ctx context.Context, container, key string) (string, error) {
	data, err := a.Download(ctx, container, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UploadText implements Store.
func (a *AzureBlobStore) UploadText(ctx context.Context, container, key, text string) error {
	return a.Upload(ctx, container, key, []byte(text))
}

// DeleteIfExists implements Store.
func (a *AzureBlobStore) DeleteIfExists(ctx context.Context, container, key string) error {
	_, err := a.client.DeleteBlob(ctx, container, key, nil)
	if err != nil && !isAzureNotFound(err) {
		return NewStoreError("delete", container, key, err)
	}
	return nil
}

// LastModified implements Store.
func (a *AzureBlobStore) LastModified(ctx context.Context, container, key string) (time.Time, error) {
	props, err := a.blob(container, key).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return time.Time{}, NewArtifactNotFoundError(key, container)
		}
		return time.Time{}, NewStoreError("last_modified", container, key, err)
	}
	if props.LastModified == nil {
		return time.Time{}, nil
	}
	return props.LastModified.UTC(), nil
}

// Close implements Store.
func (a *AzureBlobStore) Close() error {
	return nil
}

func (a *AzureBlobStore) blob(container, key string) *blob.Client {
	return a.client.ServiceClient().NewContainerClient(container).NewBlobClient(key)
}
