package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type SubstrateFactory func(dsn string, logger Logger) (Substrate, error)

var substrateFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SubstrateFactory
}{
	factories: map[string]SubstrateFactory{},
}

var memoryScopes = struct {
	mu     sync.Mutex
	scopes map[string]*MemoryScope
}{
	scopes: map[string]*MemoryScope{},
}

// RegisterSubstrateFactory installs factory for scheme, overriding any
// built-in backend with the same scheme.
func RegisterSubstrateFactory(scheme string, factory SubstrateFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	substrateFactoryRegistry.mu.Lock()
	defer substrateFactoryRegistry.mu.Unlock()
	substrateFactoryRegistry.factories[scheme] = factory
}

func lookupSubstrateFactory(scheme string) (SubstrateFactory, bool) {
	scheme = normalizeScheme(scheme)
	substrateFactoryRegistry.mu.RLock()
	defer substrateFactoryRegistry.mu.RUnlock()
	factory, ok := substrateFactoryRegistry.factories[scheme]
	return factory, ok
}

// SharedMemoryScope returns the process-wide scope registered under name.
// Every memory:// DSN with the same host opens a context on it.
func SharedMemoryScope(name string) *MemoryScope {
	name = strings.TrimSpace(name)
	memoryScopes.mu.Lock()
	defer memoryScopes.mu.Unlock()
	scope, ok := memoryScopes.scopes[name]
	if !ok {
		scope = NewMemoryScope()
		memoryScopes.scopes[name] = scope
	}
	return scope
}

// BuildSubstrateFromDSN opens a new storage context for dsn. Supported
// schemes: memory://[scope], file:///path (or a bare path),
// postgres://..., redis://... .
func BuildSubstrateFromDSN(dsn string, logger Logger) (Substrate, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupSubstrateFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirSubstrate(expandHome(path), DirOptions{Logger: logger})
	case "memory", "mem", "inmem":
		return SharedMemoryScope(parsed.Host).Open(), nil
	case "postgres", "postgresql":
		return NewPostgresSubstrate(dsn, PostgresOptions{Logger: logger})
	case "redis", "rediss":
		return NewRedisSubstrate(dsn, RedisOptions{Logger: logger})
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: storage backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
