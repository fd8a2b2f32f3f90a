package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/taskmirror/internal/storage"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

const DefaultNamespace = "taskmirror"

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Namespace string
	Logger    Logger
}

// Change is a mirror write or removal made by another context. Record is
// nil when the entry was removed or could not be decoded; both count as
// withdrawn. Restored is set when the write came from an undo.
type Change struct {
	ID        string
	Record    *tasks.Record
	Withdrawn bool
	Restored  bool
}

// entry is the stored form of a record.
type entry struct {
	tasks.Record
	Restored bool `json:"restored,omitempty"`
}

// Store is the durable task mirror: one entry per task id under a
// namespaced key on a shared storage substrate.
type Store struct {
	sub    storage.Substrate
	prefix string
	logger Logger

	mu        sync.Mutex
	next      int
	listeners map[int]func(Change)
	stopWatch func()
}

func NewStore(sub storage.Substrate, opts Options) *Store {
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Store{
		sub:       sub,
		prefix:    namespace + ".task.",
		logger:    opts.Logger,
		listeners: map[int]func(Change){},
	}
}

func (s *Store) Key(id string) string {
	return s.prefix + id
}

// Put upserts record by id. Writing an identical record twice leaves one
// entry and raises no second change.
func (s *Store) Put(ctx context.Context, record tasks.Record) error {
	if !record.Valid() {
		return fmt.Errorf("%w: id %q title %q", tasks.ErrMalformedRecord, record.ID, record.Title)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.sub.Set(ctx, s.Key(record.ID), data)
}

// Restore writes record back after an undo. Other contexts see the change
// with Restored set and may lift their own withdrawal of the id.
func (s *Store) Restore(ctx context.Context, record tasks.Record) error {
	if !record.Valid() {
		return fmt.Errorf("%w: id %q title %q", tasks.ErrMalformedRecord, record.ID, record.Title)
	}
	data, err := json.Marshal(entry{Record: record, Restored: true})
	if err != nil {
		return err
	}
	return s.sub.Set(ctx, s.Key(record.ID), data)
}

func (s *Store) Get(ctx context.Context, id string) (tasks.Record, bool, error) {
	data, ok, err := s.sub.Get(ctx, s.Key(id))
	if err != nil || !ok {
		return tasks.Record{}, false, err
	}
	record, _, err := decodeEntry(data)
	if err != nil {
		s.logf("mirror: entry %s is corrupt: %v", id, err)
		return tasks.Record{}, false, nil
	}
	return record, true, nil
}

// Entries returns every decodable record in key order, withdrawn ones
// included. Corrupt entries are logged and skipped.
func (s *Store) Entries(ctx context.Context) ([]tasks.Record, error) {
	keys, err := s.sub.Keys(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	records := make([]tasks.Record, 0, len(keys))
	for _, key := range keys {
		data, ok, err := s.sub.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		record, _, err := decodeEntry(data)
		if err != nil {
			s.logf("mirror: skipping corrupt entry %s: %v", key, err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// GetAll is the rendered projection: every stored record that is neither
// corrupt nor withdrawn.
func (s *Store) GetAll(ctx context.Context) ([]tasks.Record, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}
	visible := entries[:0]
	for _, record := range entries {
		if !record.Withdrawn() {
			visible = append(visible, record)
		}
	}
	return visible, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.sub.Remove(ctx, s.Key(id))
}

// PurgeWithdrawn deletes every withdrawn entry and reports how many went.
func (s *Store) PurgeWithdrawn(ctx context.Context) (int, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, record := range entries {
		if !record.Withdrawn() {
			continue
		}
		if err := s.Remove(ctx, record.ID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		s.logf("mirror: purged %d withdrawn entries", purged)
	}
	return purged, nil
}

// Clear removes every task entry, corrupt ones included.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.sub.Keys(ctx, s.prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.sub.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// OnChange subscribes fn to task changes made by other contexts. The
// substrate watch starts with the first listener and stops with the last.
func (s *Store) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.next++
	id := s.next
	s.listeners[id] = fn
	if s.stopWatch == nil {
		s.stopWatch = s.sub.Watch(s.handle)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			var stop func()
			if len(s.listeners) == 0 {
				stop = s.stopWatch
				s.stopWatch = nil
			}
			s.mu.Unlock()
			if stop != nil {
				stop()
			}
		})
	}
}

func (s *Store) handle(change storage.Change) {
	if !strings.HasPrefix(change.Key, s.prefix) {
		return
	}
	event := Change{ID: strings.TrimPrefix(change.Key, s.prefix), Withdrawn: true}
	if !change.Removed {
		record, restored, err := decodeEntry(change.Value)
		if err != nil {
			s.logf("mirror: ignoring corrupt change for %s: %v", event.ID, err)
		} else {
			event.Record = &record
			event.Withdrawn = record.Withdrawn()
			event.Restored = restored
		}
	}

	s.mu.Lock()
	listeners := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func decodeEntry(data []byte) (tasks.Record, bool, error) {
	var stored entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return tasks.Record{}, false, err
	}
	if !stored.Valid() {
		return tasks.Record{}, false, tasks.ErrMalformedRecord
	}
	return stored.Record, stored.Restored, nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
