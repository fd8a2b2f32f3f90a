package session

import (
	"context"
	"testing"

	"github.com/agentworkforce/taskmirror/internal/storage"
)

func TestSubstrateCredentialStoreRoundTrip(t *testing.T) {
	scope := storage.NewMemoryScope()
	ctx := context.Background()
	store := NewSubstrateCredentialStore(scope.Open(), "ns")

	if err := store.Set(ctx, Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	other := NewSubstrateCredentialStore(scope.Open(), "ns")
	got, err := other.Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.AccessToken != "a" || got.RefreshToken != "r" {
		t.Fatalf("expected credential shared across contexts, got %+v", got)
	}

	sub := scope.Open()
	if _, ok, _ := sub.Get(ctx, "ns.auth.access"); !ok {
		t.Fatalf("expected access token under ns.auth.access")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second clear failed: %v", err)
	}
	got, _ = other.Get(ctx)
	if !got.IsZero() {
		t.Fatalf("expected cleared credential, got %+v", got)
	}
}
