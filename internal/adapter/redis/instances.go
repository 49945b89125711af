package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey   = "hub:instances"
	staleHeartbeat = 3
)

// InstanceInfo is one hub process sharing the Redis feeds.
type InstanceInfo struct {
	InstanceID string    `json:"instanceId"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"startedAt"`
	LastSeen   time.Time `json:"lastSeen"`
}

// InstanceRegistry heartbeats this process into a shared hash. Entries older
// than three heartbeats are reported as gone and pruned.
type InstanceRegistry struct {
	client    *goredis.Client
	clock     clockwork.Clock
	self      InstanceInfo
	heartbeat time.Duration
}

func NewInstanceRegistry(client *goredis.Client, clock clockwork.Clock, instanceID, version string, heartbeat time.Duration) *InstanceRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InstanceRegistry{
		client:    client,
		clock:     clock,
		heartbeat: heartbeat,
		self: InstanceInfo{
			InstanceID: instanceID,
			Version:    version,
			StartedAt:  clock.Now().UTC(),
		},
	}
}

func (r *InstanceRegistry) ID() string { return r.self.InstanceID }

// Run registers immediately, re-registers every heartbeat and removes the
// entry when ctx ends.
func (r *InstanceRegistry) Run(ctx context.Context) error {
	r.beat(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.beat(ctx)
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.client.HDel(cleanup, instancesKey, r.self.InstanceID).Err(); err != nil {
				slog.Warn("Failed to unregister hub instance", "instance_id", r.self.InstanceID, "error", err)
			}
			return nil
		}
	}
}

func (r *InstanceRegistry) beat(ctx context.Context) {
	info := r.self
	info.LastSeen = r.clock.Now().UTC()
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := r.client.HSet(ctx, instancesKey, info.InstanceID, data).Err(); err != nil {
		slog.Warn("Hub instance heartbeat failed", "instance_id", info.InstanceID, "error", err)
	}
}

// Active lists live instances sorted by id and prunes stale entries.
func (r *InstanceRegistry) Active(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.client.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list hub instances: %w", err)
	}

	cutoff := r.clock.Now().Add(-staleHeartbeat * r.heartbeat)
	var stale []string
	active := make([]InstanceInfo, 0, len(entries))
	for id, raw := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil || info.LastSeen.Before(cutoff) {
			stale = append(stale, id)
			continue
		}
		active = append(active, info)
	}

	if len(stale) > 0 {
		if err := r.client.HDel(ctx, instancesKey, stale...).Err(); err != nil {
			slog.Warn("Failed to prune stale hub instances", "count", len(stale), "error", err)
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].InstanceID < active[j].InstanceID })
	return active, nil
}
