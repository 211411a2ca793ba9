package registry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type configSnapshot map[string]map[ConfigKey]any

type configChange struct {
	key     string
	value   []byte
	deleted bool
}

// EtcdConfigCenter keeps an in-memory copy of the per-call configuration stored under
// {prefix}/config/{serviceCallKey}. Values are JSON objects, see ParseConfig.
//
// Readers never touch etcd: GetConfig reads an immutable snapshot that Run swaps
// atomically whenever a watch event arrives.
type EtcdConfigCenter struct {
	kv       clientv3.KV
	watcher  clientv3.Watcher
	prefix   string
	snapshot atomic.Pointer[configSnapshot]
	logger   *zap.Logger
	retry    time.Duration // pause before reloading after the watch ended
}

func NewEtcdConfigCenter(client *clientv3.Client, prefix string, logger *zap.Logger) *EtcdConfigCenter {
	if client == nil {
		return newConfigCenter(nil, nil, prefix, logger)
	}
	return newConfigCenter(client.KV, client.Watcher, prefix, logger)
}

func newConfigCenter(kv clientv3.KV, watcher clientv3.Watcher, prefix string, logger *zap.Logger) *EtcdConfigCenter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &EtcdConfigCenter{kv: kv, watcher: watcher, prefix: prefix + "/config/", logger: logger, retry: 500 * time.Millisecond}
	empty := configSnapshot{}
	c.snapshot.Store(&empty)
	return c
}

func (c *EtcdConfigCenter) GetConfig(serviceCallKey string) (map[ConfigKey]any, bool) {
	cfg, ok := (*c.snapshot.Load())[serviceCallKey]
	return cfg, ok
}

// Load reads every entry once and returns the store revision it saw.
func (c *EtcdConfigCenter) Load(ctx context.Context) (int64, error) {
	resp, err := c.kv.Get(ctx, c.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	changes := make([]configChange, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		changes = append(changes, configChange{key: string(kv.Key), value: kv.Value})
	}
	c.replace(changes)
	return resp.Header.Revision, nil
}

// Run follows changes after revision rev until ctx is done. A rev <= 0 loads the
// configuration first. When the watch is compacted or cancelled the configuration is
// reloaded and watched again from the new revision.
func (c *EtcdConfigCenter) Run(ctx context.Context, rev int64) error {
	if rev <= 0 {
		var err error
		if rev, err = c.Load(ctx); err != nil {
			return err
		}
	}
	for {
		err := c.follow(ctx, rev)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("config watch ended, reloading", zap.Int64("rev", rev), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
		if rev, err = c.Load(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reload config: %w", err)
		}
	}
}

// follow applies watch events after rev and returns when the watch ends.
func (c *EtcdConfigCenter) follow(ctx context.Context, rev int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchChan := c.watcher.Watch(ctx, c.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			return err
		}
		changes := make([]configChange, 0, len(resp.Events))
		for _, ev := range resp.Events {
			changes = append(changes, configChange{
				key:     string(ev.Kv.Key),
				value:   ev.Kv.Value,
				deleted: ev.Type == clientv3.EventTypeDelete,
			})
		}
		c.apply(changes)
	}
	return nil
}

func (c *EtcdConfigCenter) replace(changes []configChange) {
	next := configSnapshot{}
	c.merge(next, changes)
	c.snapshot.Store(&next)
}

func (c *EtcdConfigCenter) apply(changes []configChange) {
	cur := *c.snapshot.Load()
	next := make(configSnapshot, len(cur)+len(changes))
	for k, v := range cur {
		next[k] = v
	}
	c.merge(next, changes)
	c.snapshot.Store(&next)
}

func (c *EtcdConfigCenter) merge(into configSnapshot, changes []configChange) {
	for _, ch := range changes {
		key := strings.TrimPrefix(ch.key, c.prefix)
		if ch.deleted {
			delete(into, key)
			continue
		}
		cfg, err := ParseConfig(ch.value)
		if err != nil {
			c.logger.Warn("config: skip malformed entry", zap.String("key", key), zap.Error(err))
			continue
		}
		into[key] = cfg
	}
}
