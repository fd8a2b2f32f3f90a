package session

import (
	"context"
	"strings"
	"sync"

	"github.com/agentworkforce/taskmirror/internal/storage"
)

// Credential is the access/refresh token pair for one authenticated session.
type Credential struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
}

func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// CredentialStore is pure storage: no expiry policy, no network.
type CredentialStore interface {
	Get(ctx context.Context) (Credential, error)
	Set(ctx context.Context, cred Credential) error
	Clear(ctx context.Context) error
}

type MemoryCredentialStore struct {
	mu   sync.Mutex
	cred Credential
}

func NewMemoryCredentialStore(cred Credential) *MemoryCredentialStore {
	return &MemoryCredentialStore{cred: cred}
}

func (s *MemoryCredentialStore) Get(context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, nil
}

func (s *MemoryCredentialStore) Set(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}

func (s *MemoryCredentialStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	return nil
}

// SubstrateCredentialStore keeps the two tokens under separate keys on a
// shared storage substrate, so every context on the scope sees a login or
// logout made by any other.
type SubstrateCredentialStore struct {
	sub        storage.Substrate
	accessKey  string
	refreshKey string
}

func NewSubstrateCredentialStore(sub storage.Substrate, namespace string) *SubstrateCredentialStore {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "taskmirror"
	}
	return &SubstrateCredentialStore{
		sub:        sub,
		accessKey:  namespace + ".auth.access",
		refreshKey: namespace + ".auth.refresh",
	}
}

func (s *SubstrateCredentialStore) Get(ctx context.Context) (Credential, error) {
	access, _, err := s.sub.Get(ctx, s.accessKey)
	if err != nil {
		return Credential{}, err
	}
	refresh, _, err := s.sub.Get(ctx, s.refreshKey)
	if err != nil {
		return Credential{}, err
	}
	return Credential{AccessToken: string(access), RefreshToken: string(refresh)}, nil
}

func (s *SubstrateCredentialStore) Set(ctx context.Context, cred Credential) error {
	if err := s.setOrRemove(ctx, s.accessKey, cred.AccessToken); err != nil {
		return err
	}
	return s.setOrRemove(ctx, s.refreshKey, cred.RefreshToken)
}

func (s *SubstrateCredentialStore) Clear(ctx context.Context) error {
	if err := s.sub.Remove(ctx, s.accessKey); err != nil {
		return err
	}
	return s.sub.Remove(ctx, s.refreshKey)
}

func (s *SubstrateCredentialStore) setOrRemove(ctx context.Context, key, value string) error {
	if value == "" {
		return s.sub.Remove(ctx, key)
	}
	return s.sub.Set(ctx, key, []byte(value))
}
