// Package distributed shares relay state between relay instances through Redis.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leakrelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "leakrelay:peer:"
	defaultTTL    = 2 * time.Minute
)

// Deletes the key only while it still names this instance.
var unregisterScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// PeerDirectory records which relay instance holds each peer id. Entries
// expire unless refreshed, so a crashed instance's peers age out.
type PeerDirectory struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewPeerDirectory(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *PeerDirectory {
	return &PeerDirectory{
		client:     client,
		instanceID: instanceID,
		prefix:     defaultPrefix,
		ttl:        defaultTTL,
		logger:     logger,
	}
}

// Register claims id for this instance.
func (d *PeerDirectory) Register(ctx context.Context, id domain.PeerID) error {
	if err := d.client.Set(ctx, d.key(id), d.instanceID, d.ttl).Err(); err != nil {
		return fmt.Errorf("register peer %s: %w", id, err)
	}
	return nil
}

// Unregister releases id if this instance still holds it.
func (d *PeerDirectory) Unregister(ctx context.Context, id domain.PeerID) error {
	if err := unregisterScript.Run(ctx, d.client, []string{d.key(id)}, d.instanceID).Err(); err != nil {
		return fmt.Errorf("unregister peer %s: %w", id, err)
	}
	return nil
}

// Holder returns the instance holding id, or false when no instance does.
func (d *PeerDirectory) Holder(ctx context.Context, id domain.PeerID) (string, bool, error) {
	instance, err := d.client.Get(ctx, d.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup peer %s: %w", id, err)
	}
	return instance, true, nil
}

// Refresh extends the entries of ids, the peers currently connected here.
func (d *PeerDirectory) Refresh(ctx context.Context, ids []domain.PeerID) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := d.client.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, d.key(id), d.instanceID, d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh %d peers: %w", len(ids), err)
	}
	return nil
}

// RunRefresh refreshes the peers returned by peers every third of the TTL
// until ctx ends.
func (d *PeerDirectory) RunRefresh(ctx context.Context, peers func() []domain.PeerID) error {
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Refresh(ctx, peers()); err != nil {
				d.logger.Warnw("peer directory refresh failed", "error", err)
			}
		}
	}
}

func (d *PeerDirectory) key(id domain.PeerID) string {
	return d.prefix + string(id)
}
