package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "taskmirror:kv:"
	redisChannel          = "taskmirror:kv:changes"
	redisOperationTimeout = 3 * time.Second
	redisScanCount        = 100
)

type RedisOptions struct {
	KeyPrefix string
	Channel   string
	Logger    Logger
}

// RedisSubstrate stores keys as plain strings and publishes a change notice
// after every write. Contexts on other hosts pick them up via SUBSCRIBE.
type RedisSubstrate struct {
	rdb       *redis.Client
	keyPrefix string
	channel   string
	origin    string
	logger    Logger
	watchers  watcherSet

	subMu  sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisSubstrate(rawURL string, opts RedisOptions) (*RedisSubstrate, error) {
	redisOpts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	return NewRedisSubstrateWithClient(redis.NewClient(redisOpts), opts), nil
}

func NewRedisSubstrateWithClient(rdb *redis.Client, opts RedisOptions) *RedisSubstrate {
	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = redisKeyPrefix
	}
	channel := strings.TrimSpace(opts.Channel)
	if channel == "" {
		channel = redisChannel
	}
	return &RedisSubstrate{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		channel:   channel,
		origin:    uuid.NewString(),
		logger:    opts.Logger,
	}
}

func (r *RedisSubstrate) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	value, err := r.rdb.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisSubstrate) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	previous, err := r.rdb.SetArgs(ctx, r.keyPrefix+key, value, redis.SetArgs{Get: true}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil && previous == string(value) {
		return nil
	}
	return r.publish(ctx, changeNotice{Origin: r.origin, Key: key})
}

func (r *RedisSubstrate) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	removed, err := r.rdb.Del(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return r.publish(ctx, changeNotice{Origin: r.origin, Key: key, Removed: true})
}

func (r *RedisSubstrate) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()

	keys := make([]string, 0)
	iter := r.rdb.Scan(ctx, 0, redisGlobEscape(r.keyPrefix+prefix)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisSubstrate) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	id, first := r.watchers.add(fn)
	if first {
		r.startSubscription()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if r.watchers.remove(id) {
				r.stopSubscription()
			}
		})
	}
}

func (r *RedisSubstrate) Close() error {
	r.stopSubscription()
	return r.rdb.Close()
}

func (r *RedisSubstrate) publish(ctx context.Context, notice changeNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisSubstrate) startSubscription() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.pubsub != nil {
		return
	}
	pubsub := r.rdb.Subscribe(context.Background(), r.channel)
	r.pubsub = pubsub
	go r.listen(pubsub.Channel())
}

func (r *RedisSubstrate) stopSubscription() {
	r.subMu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.subMu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
}

func (r *RedisSubstrate) listen(messages <-chan *redis.Message) {
	for msg := range messages {
		r.handleMessage(msg.Payload)
	}
}

func (r *RedisSubstrate) handleMessage(payload string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		logf(r.logger, "storage: ignoring malformed change notice: %v", err)
		return
	}
	if notice.Origin == r.origin || notice.Key == "" {
		return
	}
	if notice.Removed {
		r.watchers.emit(Change{Key: notice.Key, Removed: true})
		return
	}
	value, ok, err := r.Get(context.Background(), notice.Key)
	if err != nil {
		logf(r.logger, "storage: read %s after publish failed: %v", notice.Key, err)
		return
	}
	if !ok {
		r.watchers.emit(Change{Key: notice.Key, Removed: true})
		return
	}
	r.watchers.emit(Change{Key: notice.Key, Value: value})
}

func redisGlobEscape(pattern string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(pattern)
}
