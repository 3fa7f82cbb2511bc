package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hands-platform/hands-core/common/crypto"
)

const credentialsFile = "credentials.json"

const schemaVersion = 1

// ErrNotFound is returned by operations keyed on a credential id that
// does not exist in the vault.
var ErrNotFound = errors.New("vault: credential not found")

// onDisk is the `{ version, credentials }` document persisted to
// credentials.json (spec §4.1): each value is a base64-free raw
// ciphertext byte string re-encoded through JSON as a string.
type onDisk struct {
	Version     int               `json:"version"`
	Credentials map[string]string `json:"credentials"`
}

// Vault is the process-local, file-backed credential store. All mutating
// operations re-read, mutate and rewrite the whole document under an
// OS-level exclusive lock; an in-process mutex serializes concurrent
// in-process callers on top of that (spec §4.1, §5).
type Vault struct {
	mu   sync.Mutex
	dir  string
	path string
	key  []byte
}

// Load opens or creates the vault rooted at dir. The credentials file is
// not read eagerly beyond validating it parses; every operation reloads
// from disk so that out-of-process writers (sharing the same dir) are
// observed (spec §4.1: "every reader reloads").
func Load(dir string, masterKey []byte) (*Vault, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: create dir: %w", err)
	}
	v := &Vault{dir: dir, path: filepath.Join(dir, credentialsFile), key: masterKey}
	if _, err := v.readAll(); err != nil {
		return nil, err
	}
	return v, nil
}

// withLock opens the credentials file (creating it if absent), takes an
// OS-level exclusive flock, and runs fn with the lock held. The
// in-process mutex is held for the entire call so a single process never
// contends with itself over the flock.
func (v *Vault) withLock(fn func(f *os.File) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.OpenFile(v.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("vault: open credentials file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("vault: lock credentials file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn(f)
}

// readAll loads and decrypts every entry currently on disk. Missing or
// empty file decodes to an empty map (spec §4.1).
func (v *Vault) readAll() (map[string]*Entry, error) {
	out := map[string]*Entry{}
	err := v.withLock(func(f *os.File) error {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("vault: stat credentials file: %w", err)
		}
		if info.Size() == 0 {
			return nil
		}

		raw := make([]byte, info.Size())
		if _, err := f.ReadAt(raw, 0); err != nil {
			return fmt.Errorf("vault: read credentials file: %w", err)
		}

		var doc onDisk
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("vault: parse credentials file: %w", err)
		}

		for id, ciphertext := range doc.Credentials {
			plaintext, err := crypto.Decrypt(v.key, []byte(ciphertext))
			if err != nil {
				return fmt.Errorf("vault: decrypt credential %s: %w", id, err)
			}
			var entry Entry
			if err := json.Unmarshal(plaintext, &entry); err != nil {
				return fmt.Errorf("vault: parse decrypted credential %s: %w", id, err)
			}
			out[id] = &entry
		}
		return nil
	})
	return out, err
}

// writeAll encrypts and persists the full credential set, truncating and
// rewriting the file atomically under the same lock used for reads.
func (v *Vault) writeAll(credentials map[string]*Entry) error {
	return v.withLock(func(f *os.File) error {
		doc := onDisk{Version: schemaVersion, Credentials: make(map[string]string, len(credentials))}
		for id, entry := range credentials {
			plaintext, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("vault: marshal credential %s: %w", id, err)
			}
			ciphertext, err := crypto.Encrypt(v.key, plaintext)
			if err != nil {
				return fmt.Errorf("vault: encrypt credential %s: %w", id, err)
			}
			doc.Credentials[id] = string(ciphertext)
		}

		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("vault: marshal credentials document: %w", err)
		}

		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("vault: truncate credentials file: %w", err)
		}
		if _, err := f.WriteAt(raw, 0); err != nil {
			return fmt.Errorf("vault: write credentials file: %w", err)
		}
		return f.Chmod(0o600)
	})
}

// Add inserts entry and persists it, returning its id.
func (v *Vault) Add(entry *Entry) (string, error) {
	creds, err := v.readAll()
	if err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = generateID()
	}
	creds[entry.ID] = entry
	if err := v.writeAll(creds); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Get returns the credential with the given id.
func (v *Vault) Get(id string) (*Entry, error) {
	creds, err := v.readAll()
	if err != nil {
		return nil, err
	}
	entry, ok := creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// GetByService returns the first credential whose Service matches, in
// map-iteration order (spec §4.1 get_by_service).
func (v *Vault) GetByService(service string) (*Entry, error) {
	creds, err := v.readAll()
	if err != nil {
		return nil, err
	}
	for _, entry := range creds {
		if entry.Service == service {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: service %s", ErrNotFound, service)
}

// ListByService groups the non-secret summaries by service name. This is
// additive beyond the mandated contract (SPEC_FULL.md §C.4), kept for
// operators auditing which credentials back a given integration.
func (v *Vault) ListByService() (map[string][]Summary, error) {
	creds, err := v.readAll()
	if err != nil {
		return nil, err
	}
	out := map[string][]Summary{}
	for _, entry := range creds {
		out[entry.Service] = append(out[entry.Service], entry.summary())
	}
	return out, nil
}

// ResolveForURL returns the first credential whose patterns match url.
// localhost and private-range hosts are rejected before any pattern is
// tested (spec §4.1, §8 invariant 5).
func (v *Vault) ResolveForURL(url string) (*Entry, error) {
	if !isAllowedURL(url) {
		return nil, fmt.Errorf("%w: url %s is localhost or a private host", ErrNotFound, url)
	}
	creds, err := v.readAll()
	if err != nil {
		return nil, err
	}
	for _, entry := range creds {
		if entry.MatchesURL(url) {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: no credential matches %s", ErrNotFound, url)
}

// List returns every credential as a non-secret Summary.
func (v *Vault) List() ([]Summary, error) {
	creds, err := v.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(creds))
	for _, entry := range creds {
		out = append(out, entry.summary())
	}
	return out, nil
}

// Remove deletes the credential with the given id, reporting whether it
// existed.
func (v *Vault) Remove(id string) (bool, error) {
	creds, err := v.readAll()
	if err != nil {
		return false, err
	}
	if _, ok := creds[id]; !ok {
		return false, nil
	}
	delete(creds, id)
	if err := v.writeAll(creds); err != nil {
		return false, err
	}
	return true, nil
}

// Update replaces the credential at id with entry, preserving id and
// bumping updated_at. Reports whether id existed.
func (v *Vault) Update(id string, entry *Entry) (bool, error) {
	creds, err := v.readAll()
	if err != nil {
		return false, err
	}
	if _, ok := creds[id]; !ok {
		return false, nil
	}
	entry.ID = id
	entry.UpdatedAt = time.Now().Unix()
	creds[id] = entry
	if err := v.writeAll(creds); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateOAuthTokens refreshes the access token (and optionally the
// refresh token / expiry) of an existing OAuth credential in place.
// Reports false if id does not exist or is not an OAuth credential.
func (v *Vault) UpdateOAuthTokens(id, accessToken string, refreshToken *string, expiresAt *int64) (bool, error) {
	creds, err := v.readAll()
	if err != nil {
		return false, err
	}
	entry, ok := creds[id]
	if !ok || entry.OAuth == nil {
		return false, nil
	}
	entry.OAuth.AccessToken = accessToken
	if refreshToken != nil {
		entry.OAuth.RefreshToken = *refreshToken
	}
	if expiresAt != nil {
		entry.OAuth.ExpiresAt = *expiresAt
	}
	entry.UpdatedAt = time.Now().Unix()
	if err := v.writeAll(creds); err != nil {
		return false, err
	}
	return true, nil
}
