package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisIntegrationSubstrateRoundTripAndPublish(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("TASKMIRROR_TEST_REDIS_URL"))
	if url == "" {
		t.Skip("set TASKMIRROR_TEST_REDIS_URL to run Redis integration tests")
	}
	prefix := fmt.Sprintf("taskmirror-it:%d:", time.Now().UnixNano())
	opts := RedisOptions{KeyPrefix: prefix, Channel: prefix + "changes"}

	writer, err := NewRedisSubstrate(url, opts)
	if err != nil {
		t.Fatalf("new writer failed: %v", err)
	}
	defer writer.Close()
	reader, err := NewRedisSubstrate(url, opts)
	if err != nil {
		t.Fatalf("new reader failed: %v", err)
	}
	defer reader.Close()

	changes := make(chan Change, 8)
	stop := reader.Watch(func(c Change) { changes <- c })
	defer stop()
	// SUBSCRIBE is asynchronous; give it a moment before publishing.
	time.Sleep(100 * time.Millisecond)

	ctx := context.Background()
	if err := writer.Set(ctx, "ns.task.a", []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	change := waitForChange(t, changes, func(c Change) bool { return c.Key == "ns.task.a" })
	if string(change.Value) != "v1" {
		t.Fatalf("unexpected published value %q", change.Value)
	}
	keys, err := reader.Keys(ctx, "ns.task.")
	if err != nil || len(keys) != 1 || keys[0] != "ns.task.a" {
		t.Fatalf("unexpected keys %v err=%v", keys, err)
	}
	if err := writer.Remove(ctx, "ns.task.a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	waitForChange(t, changes, func(c Change) bool { return c.Key == "ns.task.a" && c.Removed })
}
