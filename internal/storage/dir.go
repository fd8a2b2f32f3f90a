package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type DirOptions struct {
	Logger Logger
}

// DirSubstrate stores one file per key under a directory. Separate
// processes (or separate DirSubstrates in one process) opened on the same
// directory share the scope; fsnotify carries their changes to each other.
type DirSubstrate struct {
	root     string
	logger   Logger
	watchers watcherSet

	mu          sync.Mutex
	ownWrites   map[string]string
	ownRemovals map[string]int
	watcher     *fsnotify.Watcher
	closed      bool
}

func NewDirSubstrate(root string, opts DirOptions) (*DirSubstrate, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &DirSubstrate{
		root:        root,
		logger:      opts.Logger,
		ownWrites:   map[string]string{},
		ownRemovals: map[string]int{},
	}, nil
}

func (d *DirSubstrate) Root() string {
	return d.root
}

func (d *DirSubstrate) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(d.keyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (d *DirSubstrate) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}
	path := d.keyPath(key)
	hash := hashBytes(value)
	if current, err := os.ReadFile(path); err == nil && hashBytes(current) == hash {
		return nil
	}
	// Own writes are only tracked while a watcher can consume them.
	d.mu.Lock()
	tracked := d.watcher != nil
	if tracked {
		d.ownWrites[key] = hash
	}
	d.mu.Unlock()
	if err := writeFileAtomic(path, value, 0o600); err != nil {
		if tracked {
			d.mu.Lock()
			delete(d.ownWrites, key)
			d.mu.Unlock()
		}
		return err
	}
	return nil
}

func (d *DirSubstrate) Remove(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if d.isClosed() {
		return ErrClosed
	}
	d.mu.Lock()
	tracked := d.watcher != nil
	if tracked {
		d.ownRemovals[key]++
	}
	d.mu.Unlock()
	err := os.Remove(d.keyPath(key))
	if err == nil {
		return nil
	}
	if tracked {
		d.mu.Lock()
		if d.ownRemovals[key]--; d.ownRemovals[key] <= 0 {
			delete(d.ownRemovals, key)
		}
		d.mu.Unlock()
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (d *DirSubstrate) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DirSubstrate) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	id, first := d.watchers.add(fn)
	if first {
		if err := d.startWatcher(); err != nil {
			logf(d.logger, "storage: watch %s failed: %v", d.root, err)
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if d.watchers.remove(id) {
				d.stopWatcher()
			}
		})
	}
}

func (d *DirSubstrate) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopWatcher()
	return nil
}

func (d *DirSubstrate) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *DirSubstrate) keyPath(key string) string {
	return filepath.Join(d.root, url.PathEscape(key))
}

func (d *DirSubstrate) startWatcher() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", d.root, err)
	}
	d.watcher = watcher
	go d.loop(watcher)
	return nil
}

func (d *DirSubstrate) stopWatcher() {
	d.mu.Lock()
	watcher := d.watcher
	d.watcher = nil
	d.ownWrites = map[string]string{}
	d.ownRemovals = map[string]int{}
	d.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
}

func (d *DirSubstrate) loop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logf(d.logger, "storage: watch error on %s: %v", d.root, err)
		}
	}
}

func (d *DirSubstrate) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}
	key, err := url.PathUnescape(name)
	if err != nil {
		return
	}
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		data, err := os.ReadFile(event.Name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				d.handleRemoval(key)
			}
			return
		}
		hash := hashBytes(data)
		d.mu.Lock()
		own := d.ownWrites[key] == hash
		if own {
			delete(d.ownWrites, key)
		}
		d.mu.Unlock()
		if own {
			return
		}
		d.watchers.emit(Change{Key: key, Value: data})
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		d.handleRemoval(key)
	}
}

func (d *DirSubstrate) handleRemoval(key string) {
	d.mu.Lock()
	own := d.ownRemovals[key] > 0
	if own {
		if d.ownRemovals[key]--; d.ownRemovals[key] <= 0 {
			delete(d.ownRemovals, key)
		}
	}
	d.mu.Unlock()
	if own {
		return
	}
	d.watchers.emit(Change{Key: key, Removed: true})
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
