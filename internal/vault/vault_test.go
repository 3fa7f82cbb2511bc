package vault_test

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/hands-platform/hands-core/internal/vault"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func openVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Load(t.TempDir(), testKey())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return v
}

// TestVaultHappyPath exercises the scenario from spec §8 S1: add an
// api-key credential, list it without secrets, resolve it by URL, then
// remove it and confirm the file permissions are 0600.
func TestVaultHappyPath(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.Load(dir, testKey())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	entry := vault.NewAPIKey("GitHub PAT", "github", "ghp_secret", []string{"*.github.com", "api.github.com"})
	id, err := v.Add(entry)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	summaries, err := v.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].ID != id {
		t.Errorf("summary id = %q, want %q", summaries[0].ID, id)
	}

	resolved, err := v.ResolveForURL("https://api.github.com/repos")
	if err != nil {
		t.Fatalf("ResolveForURL: %v", err)
	}
	if resolved.ID != id {
		t.Errorf("resolved id = %q, want %q", resolved.ID, id)
	}

	ok, err := v.Remove(id)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !ok {
		t.Fatal("expected Remove to report true")
	}
	if _, err := v.Get(id); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("Get after remove: got %v, want ErrNotFound", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "credentials.json"))
		if err != nil {
			t.Fatalf("stat credentials file: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("file mode = %o, want 0600", perm)
		}
	}
}

// TestVaultOAuthRefresh exercises spec §8 S2: updating OAuth tokens in
// place advances updated_at and leaves other fields untouched.
func TestVaultOAuthRefresh(t *testing.T) {
	v := openVault(t)

	entry := vault.NewOAuth("Google", "google", vault.OAuthCredential{
		ClientID: "client", AccessToken: "old",
	}, []string{"*.google.com"})
	id, err := v.Add(entry)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	before, err := v.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	refresh := "r"
	expires := int64(9_999_999_999)
	ok, err := v.UpdateOAuthTokens(id, "new", &refresh, &expires)
	if err != nil {
		t.Fatalf("UpdateOAuthTokens: %v", err)
	}
	if !ok {
		t.Fatal("expected UpdateOAuthTokens to report true")
	}

	after, err := v.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.OAuth.AccessToken != "new" {
		t.Errorf("access token = %q, want new", after.OAuth.AccessToken)
	}
	if after.OAuth.RefreshToken != "r" {
		t.Errorf("refresh token = %q, want r", after.OAuth.RefreshToken)
	}
	if after.OAuth.ExpiresAt != expires {
		t.Errorf("expires_at = %d, want %d", after.OAuth.ExpiresAt, expires)
	}
	if after.UpdatedAt < before.UpdatedAt {
		t.Error("expected updated_at to advance")
	}
	if after.IsOAuthExpired() {
		t.Error("expiry 9999999999 should not be expired yet")
	}
}

func TestVaultUpdateOAuthTokens_NotOAuth(t *testing.T) {
	v := openVault(t)
	id, err := v.Add(vault.NewAPIKey("n", "svc", "k", nil))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := v.UpdateOAuthTokens(id, "new", nil, nil)
	if err != nil {
		t.Fatalf("UpdateOAuthTokens: %v", err)
	}
	if ok {
		t.Error("expected false for a non-OAuth credential")
	}
}

func TestVaultGetByService(t *testing.T) {
	v := openVault(t)
	if _, err := v.Add(vault.NewAPIKey("n", "anthropic", "k", nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	entry, err := v.GetByService("anthropic")
	if err != nil {
		t.Fatalf("GetByService: %v", err)
	}
	if entry.Service != "anthropic" {
		t.Errorf("service = %q, want anthropic", entry.Service)
	}
	if _, err := v.GetByService("missing"); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("GetByService missing: got %v, want ErrNotFound", err)
	}
}

func TestVaultListByService(t *testing.T) {
	v := openVault(t)
	if _, err := v.Add(vault.NewAPIKey("a", "github", "k1", nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := v.Add(vault.NewAPIKey("b", "github", "k2", nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	grouped, err := v.ListByService()
	if err != nil {
		t.Fatalf("ListByService: %v", err)
	}
	if len(grouped["github"]) != 2 {
		t.Errorf("expected 2 github credentials, got %d", len(grouped["github"]))
	}
}

// TestResolveForURL_RejectsPrivateHosts covers spec §8 invariant 5:
// localhost and RFC1918 ranges never match, even when a pattern would
// otherwise allow them.
func TestResolveForURL_RejectsPrivateHosts(t *testing.T) {
	v := openVault(t)
	patterns := []string{
		"localhost", "127.0.0.1", "10.0.0.5", "192.168.1.1",
		"172.16.0.1", "172.31.255.255", "172.32.0.1",
	}
	if _, err := v.Add(vault.NewAPIKey("n", "internal", "k", patterns)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for _, url := range []string{
		"http://localhost:8080/x",
		"http://127.0.0.1/x",
		"http://10.0.0.5/x",
		"http://192.168.1.1/x",
		"http://172.16.0.1/x",
		"http://172.31.255.255/x",
	} {
		if _, err := v.ResolveForURL(url); !errors.Is(err, vault.ErrNotFound) {
			t.Errorf("ResolveForURL(%q) = %v, want ErrNotFound", url, err)
		}
	}

	// 172.32.x.x is outside the private range and should be reachable.
	if _, err := v.ResolveForURL("http://172.32.0.1/x"); err != nil {
		t.Errorf("ResolveForURL(172.32.x) unexpected error: %v", err)
	}
}

func TestURLPatternForms(t *testing.T) {
	v := openVault(t)
	if _, err := v.Add(vault.NewAPIKey("wild", "svc-a", "k", []string{"*.example.com"})); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := v.Add(vault.NewAPIKey("prefix", "svc-b", "k", []string{"https://api.x.com/*"})); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tests := []struct {
		url     string
		service string
	}{
		{"https://sub.example.com/path", "svc-a"},
		{"https://example.com/path", "svc-a"},
		{"https://api.x.com/v1/resource", "svc-b"},
	}
	for _, tt := range tests {
		entry, err := v.ResolveForURL(tt.url)
		if err != nil {
			t.Errorf("ResolveForURL(%q): %v", tt.url, err)
			continue
		}
		if entry.Service != tt.service {
			t.Errorf("ResolveForURL(%q) = service %q, want %q", tt.url, entry.Service, tt.service)
		}
	}
}

func TestVaultUpdateAndRemove(t *testing.T) {
	v := openVault(t)
	id, err := v.Add(vault.NewAPIKey("n", "svc", "k", nil))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	replacement := vault.NewAPIKey("renamed", "svc", "k2", nil)
	ok, err := v.Update(id, replacement)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !ok {
		t.Fatal("expected Update to report true")
	}
	got, err := v.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q, want renamed", got.Name)
	}
	if got.ID != id {
		t.Errorf("id should be preserved across Update, got %q want %q", got.ID, id)
	}

	if ok, err := v.Update("missing", replacement); err != nil || ok {
		t.Errorf("Update(missing) = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := v.Remove("missing"); err != nil || ok {
		t.Errorf("Remove(missing) = (%v, %v), want (false, nil)", ok, err)
	}
}

// TestVaultPersistsAcrossLoad confirms entries survive a reopen of the
// same directory, i.e. the file is the source of truth (spec §4.1).
func TestVaultPersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	v1, err := vault.Load(dir, testKey())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	id, err := v1.Add(vault.NewLogin("n", "svc", vault.LoginCredential{Username: "u", Password: "p"}, nil))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	v2, err := vault.Load(dir, testKey())
	if err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	entry, err := v2.Get(id)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if entry.Login == nil || entry.Login.Username != "u" {
		t.Errorf("login credential not round-tripped: %+v", entry.Login)
	}
}

func TestLoadRejectsWrongKeySize(t *testing.T) {
	if _, err := vault.Load(t.TempDir(), []byte("too-short")); err == nil {
		t.Fatal("expected error for invalid key size")
	}
}
