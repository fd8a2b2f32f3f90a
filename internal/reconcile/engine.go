package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/taskmirror/internal/mirror"
	"github.com/agentworkforce/taskmirror/internal/session"
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

var (
	ErrUndoExpired = errors.New("undo window expired")
	ErrNotVisible  = errors.New("task not visible")
	ErrClosed      = errors.New("engine closed")
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultUndoWindow = 5 * time.Second
)

type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
)

type NoticeKind string

const (
	NoticeNetwork         NoticeKind = "network"
	NoticeAuth            NoticeKind = "auth"
	NoticeInvalidIdentity NoticeKind = "invalid-identity"
	NoticeWithdrawn       NoticeKind = "withdrawn"
	NoticeStorage         NoticeKind = "storage"
)

// Notice is a dismissible, non-blocking message for consumers.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	TaskID  string     `json:"taskId,omitempty"`
	At      time.Time  `json:"at"`
}

type Snapshot struct {
	Tasks       []tasks.Record `json:"tasks"`
	State       State          `json:"state"`
	Query       tasks.Query    `json:"query"`
	Undoable    []string       `json:"undoable"`
	Notice      *Notice        `json:"notice,omitempty"`
	RefreshedAt *time.Time     `json:"refreshedAt,omitempty"`
}

// Fetcher retrieves the remote available-tasks feed; tasks.Client
// satisfies it.
type Fetcher interface {
	FetchAvailable(ctx context.Context, q tasks.Query) ([]tasks.Record, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Query          tasks.Query
	Interval       time.Duration
	IntervalJitter float64
	UndoWindow     time.Duration
	Logger         Logger
	Now            func() time.Time
}

type pendingUndo struct {
	record   tasks.Record
	index    int
	deadline time.Time
	timer    *time.Timer
}

// Engine owns the visible task list for one context. Remote results only
// reach the list through the mirror; changes other contexts make to the
// mirror are adopted without a fetch.
type Engine struct {
	fetcher    Fetcher
	store      *mirror.Store
	logger     Logger
	now        func() time.Time
	interval   time.Duration
	jitter     float64
	undoWindow time.Duration

	mu          sync.Mutex
	state       State
	inflight    int
	query       tasks.Query
	visible     []tasks.Record
	pending     map[string]*pendingUndo
	suppressed  map[string]struct{}
	notice      *Notice
	refreshedAt time.Time
	closed      bool

	notifyMu    sync.Mutex
	nextSub     int
	subscribers map[int]func(Snapshot)

	stopChanges func()
}

func NewEngine(fetcher Fetcher, store *mirror.Store, opts Options) (*Engine, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("mirror store is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	undoWindow := opts.UndoWindow
	if undoWindow <= 0 {
		undoWindow = DefaultUndoWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		fetcher:     fetcher,
		store:       store,
		logger:      opts.Logger,
		now:         now,
		interval:    interval,
		jitter:      ClampJitterRatio(opts.IntervalJitter),
		undoWindow:  undoWindow,
		state:       StateIdle,
		query:       opts.Query,
		visible:     []tasks.Record{},
		pending:     map[string]*pendingUndo{},
		suppressed:  map[string]struct{}{},
		subscribers: map[int]func(Snapshot){},
	}
	e.stopChanges = store.OnChange(e.handleMirrorChange)
	return e, nil
}

// Load purges withdrawn leftovers and renders whatever the mirror holds,
// before any remote fetch.
func (e *Engine) Load(ctx context.Context) error {
	if _, err := e.store.PurgeWithdrawn(ctx); err != nil {
		e.logf("reconcile: purge on load failed: %v", err)
	}
	records, err := e.store.GetAll(ctx)
	if err != nil {
		e.setNotice(NoticeStorage, "Cached tasks could not be read.", "")
		e.publish()
		return fmt.Errorf("load mirror: %w", err)
	}
	e.mu.Lock()
	e.visible = e.filterSuppressedLocked(records)
	e.mu.Unlock()
	e.publish()
	return nil
}

// Refresh runs one fetch-merge cycle. On failure the mirror and the visible
// list are left untouched and a notice is raised. Overlapping refreshes are
// not cancelled; each merges against a fresh read of the mirror and the
// last write per id wins.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.inflight++
	e.state = StateFetching
	query := e.query
	e.mu.Unlock()
	e.publish()

	fetched, err := e.fetcher.FetchAvailable(ctx, query)
	if err != nil {
		e.finishCycle(func() {
			if ctx.Err() == nil {
				e.noticeForFetchErrorLocked(err)
			}
		})
		e.logf("reconcile: fetch failed: %v", err)
		return err
	}

	e.mu.Lock()
	e.state = StateMerging
	e.mu.Unlock()
	e.publish()

	existing, err := e.store.Entries(ctx)
	if err != nil {
		e.finishCycle(func() {
			e.notice = &Notice{Kind: NoticeStorage, Message: "Cached tasks could not be read.", At: e.now()}
		})
		return fmt.Errorf("read mirror: %w", err)
	}

	plan := Reconcile(existing, fetched, e.suppressedIDs(), query.Filtered())
	var writeErr error
	for _, record := range plan.Writes {
		if err := e.store.Put(ctx, record); err != nil {
			e.logf("reconcile: write %s failed: %v", record.ID, err)
			writeErr = errors.Join(writeErr, err)
		}
	}
	for _, id := range plan.Removals {
		if err := e.store.Remove(ctx, id); err != nil {
			e.logf("reconcile: remove %s failed: %v", id, err)
			writeErr = errors.Join(writeErr, err)
		}
	}
	// A withdrawal that landed while this cycle was in flight must not be
	// resurrected by its writes.
	suppressed := e.suppressedIDs()
	for _, record := range plan.Writes {
		if _, ok := suppressed[record.ID]; ok {
			_ = e.store.Remove(ctx, record.ID)
		}
	}
	if _, err := e.store.PurgeWithdrawn(ctx); err != nil {
		e.logf("reconcile: purge failed: %v", err)
	}

	e.finishCycle(func() {
		e.visible = e.filterSuppressedLocked(plan.Visible)
		e.refreshedAt = e.now()
		if e.notice != nil && (e.notice.Kind == NoticeNetwork || e.notice.Kind == NoticeAuth || e.notice.Kind == NoticeStorage) {
			e.notice = nil
		}
	})
	if writeErr != nil {
		return fmt.Errorf("write mirror: %w", writeErr)
	}
	return nil
}

// SetQuery replaces the active filter and refreshes.
func (e *Engine) SetQuery(ctx context.Context, q tasks.Query) error {
	e.mu.Lock()
	e.query = q
	e.mu.Unlock()
	return e.Refresh(ctx)
}

// Run loads the mirror, refreshes immediately and then on a jittered
// interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		e.logf("reconcile: %v", err)
	}
	if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
		e.logf("reconcile: initial refresh failed: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredInterval(e.interval, e.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logf("reconcile: loop stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			if err := e.Refresh(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				if ctx.Err() == nil {
					e.logf("reconcile: scheduled refresh failed: %v", err)
				}
			}
			timer.Reset(JitteredInterval(e.interval, e.jitter, rng.Float64()))
		}
	}
}

// Withdraw hides a visible task and removes it from the mirror at once.
// Undo restores it until the undo window closes.
func (e *Engine) Withdraw(ctx context.Context, id string) error {
	if err := tasks.ValidateIdentity(id); err != nil {
		e.setNotice(NoticeInvalidIdentity, "That task can't be withdrawn: its identifier is not valid.", id)
		e.publish()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	index := -1
	for i, record := range e.visible {
		if record.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotVisible, id)
	}
	record := e.visible[index]
	e.visible = append(e.visible[:index:index], e.visible[index+1:]...)
	e.suppressed[id] = struct{}{}
	p := &pendingUndo{record: record, index: index, deadline: e.now().Add(e.undoWindow)}
	p.timer = time.AfterFunc(e.undoWindow, func() { e.expire(id, p) })
	e.pending[id] = p
	e.notice = &Notice{Kind: NoticeWithdrawn, Message: fmt.Sprintf("Withdrew %q.", record.Title), TaskID: id, At: e.now()}
	e.mu.Unlock()

	err := e.store.Remove(ctx, id)
	e.publish()
	if err != nil {
		e.logf("reconcile: remove withdrawn %s failed: %v", id, err)
		return fmt.Errorf("remove from mirror: %w", err)
	}
	return nil
}

// Undo re-inserts the exact record a pending withdrawal removed, at its
// former position.
func (e *Engine) Undo(ctx context.Context, id string) error {
	e.mu.Lock()
	p, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUndoExpired, id)
	}
	p.timer.Stop()
	delete(e.pending, id)
	if !e.now().Before(p.deadline) {
		e.mu.Unlock()
		e.publish()
		return fmt.Errorf("%w: %s", ErrUndoExpired, id)
	}
	delete(e.suppressed, id)
	if indexOf(e.visible, id) < 0 {
		index := p.index
		if index > len(e.visible) {
			index = len(e.visible)
		}
		e.visible = append(e.visible[:index], append([]tasks.Record{p.record}, e.visible[index:]...)...)
	}
	if e.notice != nil && e.notice.TaskID == id {
		e.notice = nil
	}
	e.mu.Unlock()

	err := e.store.Restore(ctx, p.record)
	e.publish()
	if err != nil {
		return fmt.Errorf("restore to mirror: %w", err)
	}
	return nil
}

// AddDraft stores a locally authored task. It survives reconciliation
// passes that do not mention it.
func (e *Engine) AddDraft(ctx context.Context, record tasks.Record) (tasks.Record, error) {
	if record.ID == "" {
		record.ID = tasks.NewDraft(record.Title).ID
	}
	if record.Status == "" {
		record.Status = tasks.StatusPosted
	}
	record.Origin = tasks.OriginLocalOnly
	if err := e.store.Put(ctx, record); err != nil {
		return tasks.Record{}, err
	}
	e.mu.Lock()
	if index := indexOf(e.visible, record.ID); index >= 0 {
		e.visible[index] = record
	} else if !record.Withdrawn() {
		e.visible = append(e.visible, record)
	}
	e.mu.Unlock()
	e.publish()
	return record, nil
}

// DismissNotice clears the current notice.
func (e *Engine) DismissNotice() {
	e.mu.Lock()
	e.notice = nil
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		Tasks:    append([]tasks.Record(nil), e.visible...),
		State:    e.state,
		Query:    e.query,
		Undoable: make([]string, 0, len(e.pending)),
	}
	if snap.Tasks == nil {
		snap.Tasks = []tasks.Record{}
	}
	for id := range e.pending {
		snap.Undoable = append(snap.Undoable, id)
	}
	sort.Slice(snap.Undoable, func(i, j int) bool {
		return e.pending[snap.Undoable[i]].deadline.Before(e.pending[snap.Undoable[j]].deadline)
	})
	if e.notice != nil {
		notice := *e.notice
		snap.Notice = &notice
	}
	if !e.refreshedAt.IsZero() {
		refreshedAt := e.refreshedAt
		snap.RefreshedAt = &refreshedAt
	}
	return snap
}

// Subscribe registers fn for every snapshot change. Calls are serialized;
// fn must not call back into the engine synchronously.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	e.notifyMu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subscribers[id] = fn
	e.notifyMu.Unlock()
	return func() {
		e.notifyMu.Lock()
		delete(e.subscribers, id)
		e.notifyMu.Unlock()
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, id)
	}
	stop := e.stopChanges
	e.stopChanges = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

func (e *Engine) handleMirrorChange(change mirror.Change) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	admit := ""
	switch {
	case change.Withdrawn:
		// Another context withdrew or dropped the task; later fetches here
		// must not write it back.
		e.suppressed[change.ID] = struct{}{}
	case change.Restored:
		if p, ok := e.pending[change.ID]; ok {
			p.timer.Stop()
			delete(e.pending, change.ID)
		}
		delete(e.suppressed, change.ID)
		admit = change.ID
	}
	e.mu.Unlock()

	if err := e.adopt(context.Background(), admit); err != nil {
		e.logf("reconcile: adopt mirror change for %s failed: %v", change.ID, err)
	}
}

// adopt re-renders from the mirror, keeping the current order for records
// already shown and appending new ones. Under a filtered query only admit
// may be appended, since the mirror also holds entries outside the filter.
func (e *Engine) adopt(ctx context.Context, admit string) error {
	records, err := e.store.GetAll(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	byID := make(map[string]tasks.Record, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}
	next := make([]tasks.Record, 0, len(records))
	for _, current := range e.visible {
		if record, ok := byID[current.ID]; ok {
			next = append(next, record)
			delete(byID, current.ID)
		}
	}
	filtered := e.query.Filtered()
	for _, record := range records {
		if _, ok := byID[record.ID]; !ok {
			continue
		}
		if filtered && record.ID != admit {
			continue
		}
		next = append(next, record)
	}
	e.visible = e.filterSuppressedLocked(next)
	e.mu.Unlock()
	e.publish()
	return nil
}

func (e *Engine) expire(id string, p *pendingUndo) {
	e.mu.Lock()
	if e.pending[id] != p {
		e.mu.Unlock()
		return
	}
	delete(e.pending, id)
	if e.notice != nil && e.notice.Kind == NoticeWithdrawn && e.notice.TaskID == id {
		e.notice = nil
	}
	e.mu.Unlock()
	e.logf("reconcile: withdrawal of %s is final", id)
	e.publish()
}

func (e *Engine) finishCycle(update func()) {
	e.mu.Lock()
	update()
	e.inflight--
	if e.inflight <= 0 {
		e.inflight = 0
		e.state = StateIdle
	}
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) noticeForFetchErrorLocked(err error) {
	notice := &Notice{Kind: NoticeNetwork, Message: "Couldn't refresh tasks; showing cached results.", At: e.now()}
	switch {
	case errors.Is(err, session.ErrAuthenticationRequired):
		notice.Kind = NoticeAuth
		notice.Message = "Your session has ended. Please log in again."
	case errors.Is(err, tasks.ErrUnrecognizedPayload):
		notice.Message = "The server sent an unexpected response; showing cached results."
	}
	e.notice = notice
}

func (e *Engine) setNotice(kind NoticeKind, message, taskID string) {
	e.mu.Lock()
	e.notice = &Notice{Kind: kind, Message: message, TaskID: taskID, At: e.now()}
	e.mu.Unlock()
}

func (e *Engine) suppressedIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(e.suppressed))
	for id := range e.suppressed {
		out[id] = struct{}{}
	}
	return out
}

func (e *Engine) filterSuppressedLocked(records []tasks.Record) []tasks.Record {
	out := make([]tasks.Record, 0, len(records))
	for _, record := range records {
		if _, ok := e.suppressed[record.ID]; ok {
			continue
		}
		if record.Withdrawn() {
			continue
		}
		out = append(out, record)
	}
	return out
}

func (e *Engine) publish() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	if len(e.subscribers) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range e.subscribers {
		fn(snap)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func indexOf(records []tasks.Record, id string) int {
	for i, record := range records {
		if record.ID == id {
			return i
		}
	}
	return -1
}
