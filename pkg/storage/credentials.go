package storage

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/blackcoderx/courier/pkg/logging"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store file names inside the workspace.
const (
	OAuth1StoreFile = "oauth1.yaml"
	OAuth2StoreFile = "oauth2.yaml"
)

// Cipher seals credential blobs at rest. *vault.Vault satisfies it.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(value string) (string, error)
}

type credentialFile struct {
	Collections map[string]*collectionCredentials `yaml:"collections"`
}

type collectionCredentials struct {
	// Sessions maps a url (or credentials id) to its authorization
	// session id.
	Sessions map[string]string  `yaml:"sessions,omitempty"`
	Entries  []credentialRecord `yaml:"entries,omitempty"`
}

type credentialRecord struct {
	URL           string `yaml:"url"`
	CredentialsID string `yaml:"credentialsId"`
	Credentials   string `yaml:"credentials"`
}

// CredentialEntry describes one stored credential set without its value.
type CredentialEntry struct {
	CollectionID  string
	URL           string
	CredentialsID string
}

// CredentialStore keeps encrypted OAuth credentials in a YAML file, keyed by
// collection, url and credentials id. It is safe for concurrent use.
type CredentialStore struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	cipher Cipher
	log    *logging.Logger
}

// NewCredentialStore opens the store file at path. The file is created on
// first write.
func NewCredentialStore(fs afero.Fs, path string, cipher Cipher, log *logging.Logger) *CredentialStore {
	return &CredentialStore{
		fs:     fs,
		path:   path,
		cipher: cipher,
		log:    log.Named("credentials").With(zap.String("store", filepath.Base(path))),
	}
}

// Get returns the decrypted credentials blob. Entries that no longer
// decrypt are purged and reported as absent.
func (s *CredentialStore) Get(collectionID, url, credentialsID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return "", false, err
	}
	col := file.Collections[collectionID]
	if col == nil {
		return "", false, nil
	}
	i := col.find(url, credentialsID)
	if i < 0 {
		return "", false, nil
	}

	plain, err := s.cipher.Decrypt(col.Entries[i].Credentials)
	if err != nil {
		s.log.Warn("purging credentials that failed to decrypt",
			zap.String("collection", collectionID),
			zap.String("url", url),
			zap.String("credentials_id", credentialsID),
			zap.Error(err))
		col.Entries = slices.Delete(col.Entries, i, i+1)
		if werr := s.write(file); werr != nil {
			return "", false, werr
		}
		return "", false, nil
	}
	return plain, true, nil
}

// Put encrypts and stores value, replacing any previous entry.
func (s *CredentialStore) Put(collectionID, url, credentialsID, value string) error {
	sealed, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	col := file.collection(collectionID)
	rec := credentialRecord{URL: url, CredentialsID: credentialsID, Credentials: sealed}
	if i := col.find(url, credentialsID); i >= 0 {
		col.Entries[i] = rec
	} else {
		col.Entries = append(col.Entries, rec)
	}
	return s.write(file)
}

// Delete removes an entry. Missing entries are not an error.
func (s *CredentialStore) Delete(collectionID, url, credentialsID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	col := file.Collections[collectionID]
	if col == nil {
		return nil
	}
	i := col.find(url, credentialsID)
	if i < 0 {
		return nil
	}
	col.Entries = slices.Delete(col.Entries, i, i+1)
	return s.write(file)
}

// ClearCollection removes every entry and session of a collection.
func (s *CredentialStore) ClearCollection(collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := file.Collections[collectionID]; !ok {
		return nil
	}
	delete(file.Collections, collectionID)
	return s.write(file)
}

// SessionID returns the authorization session id bound to key, creating
// one on first use.
func (s *CredentialStore) SessionID(collectionID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return "", err
	}
	col := file.collection(collectionID)
	if id, ok := col.Sessions[key]; ok && id != "" {
		return id, nil
	}
	if col.Sessions == nil {
		col.Sessions = make(map[string]string)
	}
	id := uuid.NewString()
	col.Sessions[key] = id
	if err := s.write(file); err != nil {
		return "", err
	}
	return id, nil
}

// Entries lists the stored credentials.
func (s *CredentialStore) Entries() ([]CredentialEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []CredentialEntry
	for id, col := range file.Collections {
		if col == nil {
			continue
		}
		for _, e := range col.Entries {
			out = append(out, CredentialEntry{CollectionID: id, URL: e.URL, CredentialsID: e.CredentialsID})
		}
	}
	slices.SortFunc(out, func(a, b CredentialEntry) int {
		return cmp.Or(
			strings.Compare(a.CollectionID, b.CollectionID),
			strings.Compare(a.URL, b.URL),
			strings.Compare(a.CredentialsID, b.CredentialsID),
		)
	})
	return out, nil
}

func (s *CredentialStore) load() (*credentialFile, error) {
	file := &credentialFile{Collections: map[string]*collectionCredentials{}}
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse credential store %s: %w", s.path, err)
	}
	if file.Collections == nil {
		file.Collections = map[string]*collectionCredentials{}
	}
	return file, nil
}

func (s *CredentialStore) write(file *credentialFile) error {
	for id, col := range file.Collections {
		if col == nil || (len(col.Entries) == 0 && len(col.Sessions) == 0) {
			delete(file.Collections, id)
		}
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(name)
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	if err := s.fs.Rename(name, s.path); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}

func (f *credentialFile) collection(id string) *collectionCredentials {
	col := f.Collections[id]
	if col == nil {
		col = &collectionCredentials{}
		f.Collections[id] = col
	}
	return col
}

func (c *collectionCredentials) find(url, credentialsID string) int {
	return slices.IndexFunc(c.Entries, func(e credentialRecord) bool {
		return e.URL == url && e.CredentialsID == credentialsID
	})
}
