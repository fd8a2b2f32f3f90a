package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("substrate closed")
)

// Change describes a write or removal made by another context sharing the
// same storage scope. Value is nil when Removed is set.
type Change struct {
	Key     string
	Value   []byte
	Removed bool
}

// Substrate is a durable key/value scope shared by every context opened on
// it. Each opened Substrate is one context: Watch only reports writes made
// by other contexts, never its own.
type Substrate interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Watch(fn func(Change)) (unsubscribe func())
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

// changeNotice is the payload published on network backends' change channels.
type changeNotice struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Removed bool   `json:"removed,omitempty"`
}

type watcherSet struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Change)
}

// add registers fn and reports whether it is the first active watcher.
func (w *watcherSet) add(fn func(Change)) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = map[int]func(Change){}
	}
	w.next++
	w.fns[w.next] = fn
	return w.next, len(w.fns) == 1
}

// remove unregisters id and reports whether no watchers remain.
func (w *watcherSet) remove(id int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.fns, id)
	return len(w.fns) == 0
}

func (w *watcherSet) emit(change Change) {
	w.mu.Lock()
	fns := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, ".") {
		return ErrInvalidInput
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
