package auth

import (
	"context"
	"crypto/subtle"
	"sync"
)

// StaticProvider validates credentials against a fixed in-memory table.
// It backs both the bearer-token and API-key schemes; production
// deployments plug in their own Provider instead.
type StaticProvider struct {
	scheme string

	mu    sync.RWMutex
	users map[string]UserInfo
}

// NewBearerProvider creates a provider for static bearer tokens
func NewBearerProvider(tokens map[string]UserInfo) *StaticProvider {
	return newStaticProvider("bearer", tokens)
}

// NewAPIKeyProvider creates a provider for static API keys
func NewAPIKeyProvider(keys map[string]UserInfo) *StaticProvider {
	return newStaticProvider("apikey", keys)
}

func newStaticProvider(scheme string, creds map[string]UserInfo) *StaticProvider {
	users := make(map[string]UserInfo, len(creds))
	for credential, user := range creds {
		users[credential] = user
	}
	return &StaticProvider{scheme: scheme, users: users}
}

// Scheme implements Provider
func (p *StaticProvider) Scheme() string { return p.scheme }

// Validate implements Provider. The scan is constant-time in the
// credential comparison so timing reveals nothing about stored values.
func (p *StaticProvider) Validate(ctx context.Context, credential string) (*UserInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for stored, user := range p.users {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(credential)) == 1 {
			u := user
			return &u, nil
		}
	}
	return nil, ErrInvalidCredential()
}

// Add registers a credential
func (p *StaticProvider) Add(credential string, user UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[credential] = user
}

// Revoke removes a credential
func (p *StaticProvider) Revoke(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, credential)
}
