package robotsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// flavourCache mirrors a robot's current view of token amounts into Redis,
// purely for an operational dashboard snapshot of ring health. It is
// read-only telemetry: no robot ever reads this cache back, and it plays
// no part in token ownership or the order FSM. A nil *flavourCache is
// valid and makes every method a no-op.
type flavourCache struct {
	client *redis.Client
	robot  int
	logger *slog.Logger
}

// NewFlavourCache connects to addr. Returns a nil cache (no error) if addr
// is empty.
func NewFlavourCache(addr string, robotID int, logger *slog.Logger) (*flavourCache, error) {
	if addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &flavourCache{client: client, robot: robotID, logger: logger}, nil
}

// observe mirrors the current amount of a forwarded flavour token.
func (c *flavourCache) observe(name string, amount float64) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("flavour:%d:%s", c.robot, name)
	if err := c.client.Set(ctx, key, amount, 10*time.Minute).Err(); err != nil {
		c.logger.Warn("failed to mirror flavour amount to redis", slog.Any("error", err))
	}
}

func (c *flavourCache) close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
