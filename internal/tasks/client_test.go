package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

type fakeDoer struct {
	calls   []string
	methods []string
	bodies  []any
	payload string
	err     error
}

func (f *fakeDoer) DoJSON(_ context.Context, method, path string, _ map[string]string, in, out any) error {
	f.calls = append(f.calls, path)
	f.methods = append(f.methods, method)
	f.bodies = append(f.bodies, in)
	if f.err != nil {
		return f.err
	}
	if out != nil && f.payload != "" {
		return json.Unmarshal([]byte(f.payload), out)
	}
	return nil
}

func TestFetchAvailableEncodesQueryAndDecodes(t *testing.T) {
	doer := &fakeDoer{payload: `{"tasks":[{"id":"a","title":"T"},{"title":"bad"}]}`}
	client := NewClient(doer, ClientOptions{})
	records, err := client.FetchAvailable(context.Background(), Query{Search: "garden", Sort: "deadline", Type: "outdoor"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "a" {
		t.Fatalf("unexpected records %+v", records)
	}
	if len(doer.calls) != 1 || doer.calls[0] != "/api/tasks/available?search=garden&sort=deadline&type=outdoor" {
		t.Fatalf("unexpected request path %v", doer.calls)
	}
}

func TestFetchAvailablePropagatesTransportErrors(t *testing.T) {
	boom := errors.New("boom")
	client := NewClient(&fakeDoer{err: boom}, ClientOptions{})
	if _, err := client.FetchAvailable(context.Background(), Query{}); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestApplyRejectsInvalidIdentityBeforeNetwork(t *testing.T) {
	doer := &fakeDoer{}
	client := NewClient(doer, ClientOptions{})
	if err := client.Apply(context.Background(), "42", Offer{Amount: 10}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
	if len(doer.calls) != 0 {
		t.Fatalf("expected no network call, got %v", doer.calls)
	}
}

func TestApplyPostsOffer(t *testing.T) {
	doer := &fakeDoer{}
	client := NewClient(doer, ClientOptions{})
	id := "0b7e5e8a-3f0c-4a43-9f6e-2a1d4c5b6e7f"
	if err := client.Apply(context.Background(), id, Offer{Amount: 25.5, Message: " happy to help "}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if doer.calls[0] != "/errands/"+id+"/apply/" || doer.methods[0] != http.MethodPost {
		t.Fatalf("unexpected request %s %s", doer.methods[0], doer.calls[0])
	}
	encoded, _ := json.Marshal(doer.bodies[0])
	if string(encoded) != `{"offer_amount":25.5,"message":"happy to help"}` {
		t.Fatalf("unexpected offer body %s", encoded)
	}
}
