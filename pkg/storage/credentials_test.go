package storage

import (
	"sync"
	"testing"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/blackcoderx/courier/pkg/vault"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newVault(t *testing.T, id string) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.WithoutKeyring(), vault.WithMachineID(func() (string, error) { return id, nil }))
	require.NoError(t, err)
	return v
}

func newCredentialStore(t *testing.T, fs afero.Fs) *CredentialStore {
	t.Helper()
	return NewCredentialStore(fs, "/ws/.courier/"+OAuth2StoreFile, newVault(t, "machine-a"), logging.Nop())
}

func TestCredentialStore_PutGetDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newCredentialStore(t, fs)

	_, ok, err := s.Get("c1", "https://auth/token", "credentials")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put("c1", "https://auth/token", "credentials", `{"access_token":"abc"}`))
	require.NoError(t, s.Put("c1", "https://auth/token", "other", `{"access_token":"def"}`))
	require.NoError(t, s.Put("c2", "https://auth/token", "credentials", `{"access_token":"ghi"}`))

	got, ok, err := s.Get("c1", "https://auth/token", "credentials")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"access_token":"abc"}`, got)

	// Replace in place.
	require.NoError(t, s.Put("c1", "https://auth/token", "credentials", `{"access_token":"xyz"}`))
	got, _, _ = s.Get("c1", "https://auth/token", "credentials")
	assert.Equal(t, `{"access_token":"xyz"}`, got)

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, []CredentialEntry{
		{CollectionID: "c1", URL: "https://auth/token", CredentialsID: "credentials"},
		{CollectionID: "c1", URL: "https://auth/token", CredentialsID: "other"},
		{CollectionID: "c2", URL: "https://auth/token", CredentialsID: "credentials"},
	}, entries)

	require.NoError(t, s.Delete("c1", "https://auth/token", "credentials"))
	_, ok, _ = s.Get("c1", "https://auth/token", "credentials")
	assert.False(t, ok)
	require.NoError(t, s.Delete("c1", "https://auth/token", "missing"))

	require.NoError(t, s.ClearCollection("c2"))
	entries, _ = s.Entries()
	assert.Len(t, entries, 1)
}

func TestCredentialStore_ValuesEncryptedAtRest(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newCredentialStore(t, fs)
	require.NoError(t, s.Put("c1", "https://auth/token", "credentials", "super-secret-token"))

	data, err := afero.ReadFile(fs, "/ws/.courier/"+OAuth2StoreFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret-token")

	var file credentialFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	rec := file.Collections["c1"].Entries[0]
	assert.True(t, vault.IsEncrypted(rec.Credentials))
	assert.Equal(t, "https://auth/token", rec.URL)
	assert.Equal(t, "credentials", rec.CredentialsID)
}

func TestCredentialStore_UndecryptableEntryIsPurged(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/ws/.courier/" + OAuth1StoreFile
	writer := NewCredentialStore(fs, path, newVault(t, "machine-a"), logging.Nop())
	require.NoError(t, writer.Put("c1", "", "credentials", "secret"))
	require.NoError(t, writer.Put("c1", "", "keep-me-out", "secret"))

	// A vault keyed to another machine cannot read the entries.
	reader := NewCredentialStore(fs, path, newVault(t, "machine-b"), logging.Nop())
	_, ok, err := reader.Get("c1", "", "credentials")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := reader.Entries()
	require.NoError(t, err)
	assert.Equal(t, []CredentialEntry{{CollectionID: "c1", URL: "", CredentialsID: "keep-me-out"}}, entries)
}

func TestCredentialStore_SessionID(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newCredentialStore(t, fs)

	a, err := s.SessionID("c1", "https://auth/token")
	require.NoError(t, err)
	assert.Len(t, a, 36)

	again, err := s.SessionID("c1", "https://auth/token")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	other, err := s.SessionID("c1", "https://other/token")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	// Sessions survive a reopen.
	reopened := newCredentialStore(t, fs)
	got, err := reopened.SessionID("c1", "https://auth/token")
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestCredentialStore_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/.courier/"+OAuth2StoreFile, []byte("collections: [unclosed"), 0o600))
	s := newCredentialStore(t, fs)

	_, _, err := s.Get("c1", "u", "credentials")
	assert.ErrorContains(t, err, "failed to parse credential store")
}

func TestCredentialStore_Concurrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newCredentialStore(t, fs)

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.Put("c1", "https://auth/token", id, "value-"+id))
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, ok, err := s.Get("c1", "https://auth/token", id)
		require.NoError(t, err)
		require.True(t, ok, id)
		assert.Equal(t, "value-"+id, got)
	}
}
