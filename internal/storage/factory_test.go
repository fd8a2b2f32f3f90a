package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildSubstrateFromDSNMemorySharesScope(t *testing.T) {
	first, err := BuildSubstrateFromDSN("memory://factory-test", nil)
	if err != nil {
		t.Fatalf("build memory substrate failed: %v", err)
	}
	second, err := BuildSubstrateFromDSN("memory://factory-test", nil)
	if err != nil {
		t.Fatalf("build second memory substrate failed: %v", err)
	}
	ctx := context.Background()
	if err := first.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := second.Get(ctx, "k"); !ok {
		t.Fatalf("expected contexts on the same memory scope to share values")
	}
	other, err := BuildSubstrateFromDSN("memory://factory-test-other", nil)
	if err != nil {
		t.Fatalf("build other memory substrate failed: %v", err)
	}
	if _, ok, _ := other.Get(ctx, "k"); ok {
		t.Fatalf("expected separate scope to be isolated")
	}
}

func TestBuildSubstrateFromDSNFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	sub, err := BuildSubstrateFromDSN("file://"+root, nil)
	if err != nil {
		t.Fatalf("build file substrate failed: %v", err)
	}
	dir, ok := sub.(*DirSubstrate)
	if !ok {
		t.Fatalf("expected *DirSubstrate, got %T", sub)
	}
	if dir.Root() != root {
		t.Fatalf("expected root %s, got %s", root, dir.Root())
	}

	bare, err := BuildSubstrateFromDSN(root, nil)
	if err != nil {
		t.Fatalf("build bare path substrate failed: %v", err)
	}
	if _, ok := bare.(*DirSubstrate); !ok {
		t.Fatalf("expected bare path to open a dir substrate, got %T", bare)
	}
}

func TestBuildSubstrateFromDSNNetworkBackends(t *testing.T) {
	pg, err := BuildSubstrateFromDSN("postgres://localhost/taskmirror?sslmode=disable", nil)
	if err != nil {
		t.Fatalf("expected postgres substrate to be available, got %v", err)
	}
	if _, ok := pg.(*PostgresSubstrate); !ok {
		t.Fatalf("expected *PostgresSubstrate, got %T", pg)
	}
	rdb, err := BuildSubstrateFromDSN("redis://localhost:6379/0", nil)
	if err != nil {
		t.Fatalf("expected redis substrate to be available, got %v", err)
	}
	if _, ok := rdb.(*RedisSubstrate); !ok {
		t.Fatalf("expected *RedisSubstrate, got %T", rdb)
	}
	_ = rdb.Close()
}

func TestBuildSubstrateFromDSNUnsupported(t *testing.T) {
	if _, err := BuildSubstrateFromDSN("mysql://localhost/taskmirror", nil); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildSubstrateFromDSN("ftp://example", nil); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildSubstrateFromDSN("   ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterSubstrateFactory(t *testing.T) {
	scope := NewMemoryScope()
	RegisterSubstrateFactory("substratetestcustom", func(dsn string, logger Logger) (Substrate, error) {
		return scope.Open(), nil
	})
	sub, err := BuildSubstrateFromDSN("substratetestcustom://example", nil)
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if sub == nil {
		t.Fatalf("expected non-nil substrate from registered factory")
	}
}

func TestRedisGlobEscape(t *testing.T) {
	if got := redisGlobEscape("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("unexpected escape %q", got)
	}
}

func TestPostgresLikePrefix(t *testing.T) {
	if got := postgresLikePrefix("ns_task%"); got != `ns\_task\%%` {
		t.Fatalf("unexpected like prefix %q", got)
	}
}
