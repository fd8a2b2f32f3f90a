package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresTableName          = "taskmirror_kv"
	postgresChannel            = "taskmirror_kv_changes"
	postgresOperationTimeout   = 5 * time.Second
	postgresMinReconnect       = 10 * time.Second
	postgresMaxReconnect       = time.Minute
	postgresListenPingInterval = 90 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresOptions struct {
	TableName string
	Channel   string
	Logger    Logger
}

// PostgresSubstrate keeps one row per key and announces every write on a
// LISTEN/NOTIFY channel so other contexts on the same database converge.
type PostgresSubstrate struct {
	dsn       string
	tableName string
	channel   string
	origin    string
	logger    Logger
	openDB    sqlOpenFunc
	watchers  watcherSet

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	listenMu sync.Mutex
	listener *pq.Listener
	stop     chan struct{}
}

func NewPostgresSubstrate(dsn string, opts PostgresOptions) (*PostgresSubstrate, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	tableName := strings.TrimSpace(opts.TableName)
	if tableName == "" {
		tableName = postgresTableName
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = postgresChannel
	}
	return &PostgresSubstrate{
		dsn:       dsn,
		tableName: tableName,
		channel:   channel,
		origin:    uuid.NewString(),
		logger:    opts.Logger,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresSubstrate) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := p.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdentifier(p.tableName))
	var value string
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (p *PostgresSubstrate) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		WHERE %s.value IS DISTINCT FROM EXCLUDED.value`,
		postgresQuoteIdentifier(p.tableName), postgresQuoteIdentifier(p.tableName))
	result, err := tx.ExecContext(ctx, query, key, string(value))
	if err != nil {
		return err
	}
	if changed, _ := result.RowsAffected(); changed > 0 {
		if err := p.notifyTx(ctx, tx, changeNotice{Origin: p.origin, Key: key}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *PostgresSubstrate) Remove(ctx context.Context, key string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(p.tableName))
	result, err := tx.ExecContext(ctx, query, key)
	if err != nil {
		return err
	}
	if removed, _ := result.RowsAffected(); removed > 0 {
		if err := p.notifyTx(ctx, tx, changeNotice{Origin: p.origin, Key: key, Removed: true}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (p *PostgresSubstrate) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key ASC`, postgresQuoteIdentifier(p.tableName))
	rows, err := p.db.QueryContext(ctx, query, postgresLikePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *PostgresSubstrate) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	id, first := p.watchers.add(fn)
	if first {
		if err := p.startListener(); err != nil {
			logf(p.logger, "storage: listen on %s failed: %v", p.channel, err)
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if p.watchers.remove(id) {
				p.stopListener()
			}
		})
	}
}

func (p *PostgresSubstrate) Close() error {
	p.stopListener()
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresSubstrate) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresSubstrate) notifyTx(ctx context.Context, tx *sql.Tx, notice changeNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, string(payload))
	return err
}

func (p *PostgresSubstrate) startListener() error {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	if p.listener != nil {
		return nil
	}
	listener := pq.NewListener(p.dsn, postgresMinReconnect, postgresMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logf(p.logger, "storage: postgres listener event %d: %v", event, err)
		}
	})
	if err := listener.Listen(p.channel); err != nil {
		_ = listener.Close()
		return err
	}
	stop := make(chan struct{})
	p.listener = listener
	p.stop = stop
	go p.listen(listener, stop)
	return nil
}

func (p *PostgresSubstrate) stopListener() {
	p.listenMu.Lock()
	listener := p.listener
	stop := p.stop
	p.listener = nil
	p.stop = nil
	p.listenMu.Unlock()
	if stop != nil {
		close(stop)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

func (p *PostgresSubstrate) listen(listener *pq.Listener, stop chan struct{}) {
	ping := time.NewTicker(postgresListenPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		case notification, ok := <-listener.Notify:
			if !ok {
				return
			}
			// nil notifications mark a reconnect; changes may have been missed.
			if notification == nil {
				continue
			}
			p.handleNotification(notification.Extra)
		}
	}
}

func (p *PostgresSubstrate) handleNotification(payload string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		logf(p.logger, "storage: ignoring malformed change notice: %v", err)
		return
	}
	if notice.Origin == p.origin || notice.Key == "" {
		return
	}
	if notice.Removed {
		p.watchers.emit(Change{Key: notice.Key, Removed: true})
		return
	}
	value, ok, err := p.Get(context.Background(), notice.Key)
	if err != nil {
		logf(p.logger, "storage: read %s after notify failed: %v", notice.Key, err)
		return
	}
	if !ok {
		p.watchers.emit(Change{Key: notice.Key, Removed: true})
		return
	}
	p.watchers.emit(Change{Key: notice.Key, Value: value})
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}
