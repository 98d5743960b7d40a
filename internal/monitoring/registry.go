package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	instanceKeyPrefix = "irgsh:instances:"
	instanceIndexKey  = "irgsh:instances:index"

	// an instance is reported offline after this long without heartbeat
	defaultInstanceTTL = 90 * time.Second

	// instances are forgotten after a day without heartbeat
	redisStorageTTL = 24 * time.Hour
)

var ErrInstanceNotFound = errors.New("instance not found")

// Registry keeps composer instances and their last heartbeat in Redis.
type Registry struct {
	client      *redis.Client
	instanceTTL time.Duration
}

func NewRegistry(ctx context.Context, redisURL string, ttl time.Duration) (*Registry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl == 0 {
		ttl = defaultInstanceTTL
	}
	return &Registry{client: client, instanceTTL: ttl}, nil
}

func typeIndexKey(t InstanceType) string {
	return instanceKeyPrefix + string(t) + ":index"
}

// UpdateInstance stores info as the latest heartbeat of its instance.
func (r *Registry) UpdateInstance(ctx context.Context, info InstanceInfo) error {
	info.LastHeartbeat = time.Now()
	info.Status = StatusOnline

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, instanceKeyPrefix+info.InstanceID, data, redisStorageTTL)
	pipe.SAdd(ctx, instanceIndexKey, info.InstanceID)
	pipe.SAdd(ctx, typeIndexKey(info.InstanceType), info.InstanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

func (r *Registry) GetInstance(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	data, err := r.client.Get(ctx, instanceKeyPrefix+instanceID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	var info InstanceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance info: %w", err)
	}
	if time.Since(info.LastHeartbeat) > r.instanceTTL {
		info.Status = StatusOffline
	}
	return &info, nil
}

// ListInstances returns the known instances, optionally filtered by type and
// status. Index entries whose data expired are skipped.
func (r *Registry) ListInstances(ctx context.Context, instanceType InstanceType, status InstanceStatus) ([]*InstanceInfo, error) {
	indexKey := instanceIndexKey
	if instanceType != "" {
		indexKey = typeIndexKey(instanceType)
	}

	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]*InstanceInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetInstance(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		instances = append(instances, info)
	}
	return instances, nil
}

// CleanupStaleInstances drops index entries whose instance data expired.
func (r *Registry) CleanupStaleInstances(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, instanceIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances for cleanup: %w", err)
	}

	removed := 0
	for _, id := range ids {
		n, err := r.client.Exists(ctx, instanceKeyPrefix+id).Result()
		if err != nil || n > 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, instanceIndexKey, id)
		pipe.SRem(ctx, typeIndexKey(InstanceTypeComposer), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to remove %s from index: %w", id, err)
		}
		removed++
	}
	if removed > 0 {
		logrus.WithField("removed", removed).Info("cleaned up stale instances")
	}
	return removed, nil
}

func (r *Registry) GetSummary(ctx context.Context) (InstanceSummary, error) {
	instances, err := r.ListInstances(ctx, "", "")
	if err != nil {
		return InstanceSummary{}, err
	}
	return Summarize(instances), nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}
