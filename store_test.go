// store_test.go: behaviour shared by every Store implementation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	stderrors "errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists the stores that run without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "artifacts.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.EnsureContainer(ctx, testContainer))
			require.NoError(t, s.EnsureContainer(ctx, testContainer), "ensure is idempotent")

			exists, err := s.Exists(ctx, testContainer, "alpha")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, s.Upload(ctx, testContainer, "alpha", []byte{0x00, 0x01, 0xff}))
			exists, err = s.Exists(ctx, testContainer, "alpha")
			require.NoError(t, err)
			assert.True(t, exists)

			data, err := s.Download(ctx, testContainer, "alpha")
			require.NoError(t, err)
			assert.Equal(t, []byte{0x00, 0x01, 0xff}, data)

			require.NoError(t, s.UploadText(ctx, testContainer, "notes", "hello"))
			text, err := s.DownloadText(ctx, testContainer, "notes")
			require.NoError(t, err)
			assert.Equal(t, "hello", text)

			require.NoError(t, s.DeleteIfExists(ctx, testContainer, "notes"))
			require.NoError(t, s.DeleteIfExists(ctx, testContainer, "notes"))
			exists, err = s.Exists(ctx, testContainer, "notes")
			require.NoError(t, err)
			assert.False(t, exists)

			// Containers are independent.
			exists, err = s.Exists(ctx, "other", "alpha")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStore_MissingKeyIsArtifactNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Download(ctx, testContainer, "ghost")
			assert.True(t, HasErrorCode(err, ErrCodeArtifactNotFound))
			_, err = s.DownloadText(ctx, testContainer, "ghost")
			assert.True(t, HasErrorCode(err, ErrCodeArtifactNotFound))
			_, err = s.LastModified(ctx, testContainer, "ghost")
			assert.True(t, HasErrorCode(err, ErrCodeArtifactNotFound))
		})
	}
}

func TestStore_LastModifiedAdvancesOnEveryUpload(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			var previous time.Time
			for i := 0; i < 5; i++ {
				require.NoError(t, s.UploadText(ctx, testContainer, "alpha", "v"))
				modified, err := s.LastModified(ctx, testContainer, "alpha")
				require.NoError(t, err)
				assert.True(t, modified.After(previous), "upload %d: %v is not after %v", i, modified, previous)
				previous = modified
			}
		})
	}
}

func TestStore_FrozenClock(t *testing.T) {
	frozen := time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)
	ctx := context.Background()

	mem := NewMemoryStore()
	mem.now = func() time.Time { return frozen }
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "frozen.db"))
	require.NoError(t, err)
	defer func() { _ = sqlite.Close() }()
	sqlite.now = func() time.Time { return frozen }

	for name, s := range map[string]Store{"memory": mem, "sqlite": sqlite} {
		require.NoError(t, s.UploadText(ctx, testContainer, "alpha", "1"), name)
		first, err := s.LastModified(ctx, testContainer, "alpha")
		require.NoError(t, err, name)
		require.NoError(t, s.UploadText(ctx, testContainer, "alpha", "2"), name)
		second, err := s.LastModified(ctx, testContainer, "alpha")
		require.NoError(t, err, name)

		assert.True(t, first.Equal(frozen), name)
		assert.Equal(t, time.Millisecond, second.Sub(first), name)
	}
}

func TestRepository_ScopesToContainer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewRepository(store, "team-a")

	require.NoError(t, repo.UploadText(ctx, "alpha", "code"))
	exists, err := store.Exists(ctx, "team-a", "alpha")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := repo.Download(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "code", string(data))
	text, err := repo.DownloadText(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "code", text)
	_, err = repo.LastModified(ctx, "alpha")
	require.NoError(t, err)

	require.NoError(t, repo.DeleteIfExists(ctx, "alpha"))
	exists, err = repo.Exists(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, "team-a", repo.String())
}

func TestMemoryStore_TestHooks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UploadText(ctx, testContainer, "alpha", "v1"))

	_, err := s.Download(ctx, testContainer, "alpha")
	require.NoError(t, err)
	_, err = s.DownloadText(ctx, testContainer, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, s.DownloadCount(testContainer, "alpha"))
	assert.Zero(t, s.DownloadCount(testContainer, "beta"))

	stamp := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	assert.True(t, s.SetModified(testContainer, "alpha", stamp))
	assert.False(t, s.SetModified(testContainer, "beta", stamp))
	modified, err := s.LastModified(ctx, testContainer, "alpha")
	require.NoError(t, err)
	assert.True(t, modified.Equal(stamp))

	s.FailOperation("exists", testContainer, stderrors.New("boom"))
	_, err = s.Exists(ctx, testContainer, "alpha")
	assert.True(t, HasErrorCode(err, ErrCodeStoreOperation))
	_, err = s.Exists(ctx, "elsewhere", "alpha")
	assert.NoError(t, err, "failures are scoped to one container")
	s.FailOperation("exists", testContainer, nil)
	_, err = s.Exists(ctx, testContainer, "alpha")
	assert.NoError(t, err)
}

func TestMemoryStore_DownloadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	payload := []byte("abc")
	require.NoError(t, s.Upload(ctx, testContainer, "alpha", payload))
	payload[0] = 'z'

	data, err := s.Download(ctx, testContainer, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	data[1] = 'z'

	again, err := s.Download(ctx, testContainer, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "artifacts.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.UploadText(ctx, testContainer, ManifestKey, "alpha"))
	before, err := s.LastModified(ctx, testContainer, ManifestKey)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	text, err := reopened.DownloadText(ctx, testContainer, ManifestKey)
	require.NoError(t, err)
	assert.Equal(t, "alpha", text)
	after, err := reopened.LastModified(ctx, testContainer, ManifestKey)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.UploadText(context.Background(), testContainer, "alpha", "x"))
	text, err := s.DownloadText(context.Background(), testContainer, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "x", text)
}

func TestSQLiteStore_ClosedDatabaseIsStoreError(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Exists(context.Background(), testContainer, "alpha")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeStoreOperation))
}

func TestAzureBlobStore_RequiresConfiguration(t *testing.T) {
	_, err := NewAzureBlobStore(AzureBlobConfig{})
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeMissingSetting))
}

func TestAzureBlobStore_ConnectionStringNeedsNoNetwork(t *testing.T) {
	// The well-known Azurite development account.
	conn := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
		"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
		"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"
	s, err := NewAzureBlobStore(AzureBlobConfig{ConnectionString: conn})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestIsAzureNotFound(t *testing.T) {
	assert.True(t, isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}))
	assert.False(t, isAzureNotFound(&azcore.ResponseError{StatusCode: http.StatusForbidden}))
	assert.False(t, isAzureNotFound(stderrors.New("dial tcp: connection refused")))
}
