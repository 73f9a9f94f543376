package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelmesh/atprouter/core"
)

// wireRecord is the Redis-stored form of an adapter's capability
// advertisement, grounded on pkg/discovery/redis.go's
// marshal-registration-with-TTL pattern.
type wireRecord struct {
	Name       string     `json:"name"`
	Version    int        `json:"version"`
	Capability Capability `json:"capability"`
}

// DistributedSync publishes and refreshes adapter capability
// advertisements through Redis so multiple router instances share one
// view of the adapter fleet (spec.md §4.3 "registers... CAPABILITY
// frame or static config", generalized across instances the way
// pkg/discovery/redis.go shares agent registrations across gomind
// instances).
type DistributedSync struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// NewDistributedSync opens a Redis client for capability synchronization.
func NewDistributedSync(redisURL, namespace string, ttl time.Duration, logger core.Logger) (*DistributedSync, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if namespace == "" {
		namespace = "atprouter"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DistributedSync{
		client:    redis.NewClient(opts),
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}, nil
}

func (d *DistributedSync) key(name string) string {
	return fmt.Sprintf("%s:adapters:%s", d.namespace, name)
}

// Publish advertises a capability record with a TTL, matching
// pkg/discovery/redis.go's Register (marshal, SET with expiry, index by
// capability tags for fast lookup).
func (d *DistributedSync) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(wireRecord{Name: rec.Name, Version: rec.Version, Capability: rec.Capability})
	if err != nil {
		return fmt.Errorf("marshal capability record: %w", err)
	}
	if err := d.client.Set(ctx, d.key(rec.Name), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("publish capability record: %w", err)
	}

	pipe := d.client.Pipeline()
	for _, taskType := range rec.Capability.TaskTypes {
		idxKey := fmt.Sprintf("%s:task_types:%s", d.namespace, taskType)
		pipe.SAdd(ctx, idxKey, rec.Name)
		pipe.Expire(ctx, idxKey, d.ttl+10*time.Second)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		d.logger.Warn("failed to index adapter by task type", map[string]interface{}{
			"adapter": rec.Name, "error": err.Error(),
		})
	}
	return nil
}

// LoadAll scans every currently-published adapter record, used to
// hydrate a fresh Registry on startup (spec.md §4.10 dependency order:
// "registry" before "breakers").
func (d *DistributedSync) LoadAll(ctx context.Context) ([]Record, error) {
	pattern := fmt.Sprintf("%s:adapters:*", d.namespace)
	var out []Record
	iter := d.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var wr wireRecord
		if err := json.Unmarshal(raw, &wr); err != nil {
			d.logger.Warn("skipping malformed adapter record", map[string]interface{}{
				"key": iter.Val(), "error": err.Error(),
			})
			continue
		}
		out = append(out, Record{Name: wr.Name, Version: wr.Version, Capability: wr.Capability})
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("scan adapter records: %w", err)
	}
	return out, nil
}

// RunSync republishes the registry's current records to Redis on a
// fixed interval until ctx is cancelled, keeping the distributed TTL
// alive (pkg/discovery/redis.go's refreshInterval/background-refresh
// idiom).
func (d *DistributedSync) RunSync(ctx context.Context, r *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range r.Names() {
				rec, ok := r.Get(name)
				if !ok {
					continue
				}
				if err := d.Publish(ctx, rec); err != nil {
					d.logger.Warn("capability republish failed", map[string]interface{}{
						"adapter": name, "error": err.Error(),
					})
				}
			}
		}
	}
}

// Close releases the underlying Redis client.
func (d *DistributedSync) Close() error {
	return d.client.Close()
}
