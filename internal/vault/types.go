// Package vault implements the Credential Vault (spec §4.1): encrypted
// at-rest storage for API keys, OAuth tokens, login pairs and bearer
// tokens, resolved by service name or by matching against an entry's
// ordered URL patterns.
package vault

import "time"

// Kind is the tag of a CredentialEntry's secret payload (spec §3).
type Kind string

const (
	KindAPIKey      Kind = "api-key"
	KindOAuth       Kind = "oauth"
	KindLogin       Kind = "login"
	KindBearerToken Kind = "bearer-token"
)

// OAuthCredential holds an OAuth2 token set. ExpiresAt is Unix seconds;
// zero means no expiry was recorded.
type OAuthCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// zeroize best-effort clears the secret fields in place.
func (o *OAuthCredential) zeroize() {
	if o == nil {
		return
	}
	zeroString(&o.ClientSecret)
	zeroString(&o.AccessToken)
	zeroString(&o.RefreshToken)
}

// LoginCredential holds a username/password pair, plus an optional TOTP
// secret for second-factor login flows.
type LoginCredential struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}

func (l *LoginCredential) zeroize() {
	if l == nil {
		return
	}
	zeroString(&l.Username)
	zeroString(&l.Password)
	zeroString(&l.TOTPSecret)
}

func zeroString(s *string) {
	if s == nil || *s == "" {
		return
	}
	b := []byte(*s)
	for i := range b {
		b[i] = 0
	}
	*s = ""
}

// Entry is a single credential record (spec §3 Credential Entry). Secret
// fields only exist in decrypted form in memory and are zeroized by
// Zeroize once the caller is done with them.
type Entry struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"type"`
	Name      string   `json:"name"`
	Service   string   `json:"service"`
	Patterns  []string `json:"patterns"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`

	APIKey *string          `json:"api_key,omitempty"`
	OAuth  *OAuthCredential `json:"oauth,omitempty"`
	Login  *LoginCredential `json:"login,omitempty"`
}

// Zeroize best-effort wipes every secret field of the entry. Callers that
// hold an Entry past its immediate use should call this when done.
func (e *Entry) Zeroize() {
	if e == nil {
		return
	}
	zeroString(e.APIKey)
	e.OAuth.zeroize()
	e.Login.zeroize()
}

// NewAPIKey builds an api-key credential entry with a fresh id.
func NewAPIKey(name, service, apiKey string, patterns []string) *Entry {
	now := time.Now().Unix()
	return &Entry{
		ID: generateID(), Kind: KindAPIKey, Name: name, Service: service,
		APIKey: &apiKey, Patterns: patterns, CreatedAt: now, UpdatedAt: now,
	}
}

// NewBearerToken builds a bearer-token credential entry with a fresh id.
func NewBearerToken(name, service, token string, patterns []string) *Entry {
	now := time.Now().Unix()
	return &Entry{
		ID: generateID(), Kind: KindBearerToken, Name: name, Service: service,
		APIKey: &token, Patterns: patterns, CreatedAt: now, UpdatedAt: now,
	}
}

// NewOAuth builds an oauth credential entry with a fresh id.
func NewOAuth(name, service string, oauth OAuthCredential, patterns []string) *Entry {
	now := time.Now().Unix()
	return &Entry{
		ID: generateID(), Kind: KindOAuth, Name: name, Service: service,
		OAuth: &oauth, Patterns: patterns, CreatedAt: now, UpdatedAt: now,
	}
}

// NewLogin builds a login credential entry with a fresh id.
func NewLogin(name, service string, login LoginCredential, patterns []string) *Entry {
	now := time.Now().Unix()
	return &Entry{
		ID: generateID(), Kind: KindLogin, Name: name, Service: service,
		Login: &login, Patterns: patterns, CreatedAt: now, UpdatedAt: now,
	}
}

// MatchesURL reports whether any of the entry's patterns match url
// (spec §3 URL Pattern rules).
func (e *Entry) MatchesURL(url string) bool {
	for _, p := range e.Patterns {
		if urlMatchesPattern(url, p) {
			return true
		}
	}
	return false
}

// IsOAuthExpired reports whether the entry's OAuth token has expired.
// An entry with no OAuth payload or no recorded expiry is never expired.
func (e *Entry) IsOAuthExpired() bool {
	if e.OAuth == nil || e.OAuth.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= e.OAuth.ExpiresAt
}

// Summary is the non-secret projection of an Entry returned by List
// (spec §4.1 list()).
type Summary struct {
	ID        string   `json:"id"`
	Kind      Kind     `json:"type"`
	Name      string   `json:"name"`
	Service   string   `json:"service"`
	Patterns  []string `json:"patterns"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func (e *Entry) summary() Summary {
	return Summary{
		ID: e.ID, Kind: e.Kind, Name: e.Name, Service: e.Service, Patterns: e.Patterns,
		CreatedAt: time.Unix(e.CreatedAt, 0).UTC().Format(time.RFC3339),
		UpdatedAt: time.Unix(e.UpdatedAt, 0).UTC().Format(time.RFC3339),
	}
}
