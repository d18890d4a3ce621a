package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// DeliveryDeduper tracks processed GitHub delivery ids.
type DeliveryDeduper interface {
	Seen(ctx context.Context, deliveryID string) (bool, error)
	// Forget releases a delivery id so a redelivery is processed again.
	Forget(ctx context.Context, deliveryID string) error
}

type redisDeliveryDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func (d *redisDeliveryDeduper) Seen(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+":"+deliveryID, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	// false => already exists => duplicate
	return !ok, nil
}

func (d *redisDeliveryDeduper) Forget(ctx context.Context, deliveryID string) error {
	return d.client.Del(ctx, d.prefix+":"+deliveryID).Err()
}

type memoryDeliveryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	nextGC time.Time
}

func newMemoryDeliveryDeduper(ttl time.Duration) *memoryDeliveryDeduper {
	return &memoryDeliveryDeduper{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		nextGC: time.Now().Add(ttl),
	}
}

func (d *memoryDeliveryDeduper) Seen(_ context.Context, deliveryID string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[deliveryID]; ok && exp.After(now) {
		return true, nil
	}

	d.seen[deliveryID] = now.Add(d.ttl)
	if now.After(d.nextGC) {
		for id, exp := range d.seen {
			if exp.Before(now) {
				delete(d.seen, id)
			}
		}
		d.nextGC = now.Add(d.ttl)
	}

	return false, nil
}

func (d *memoryDeliveryDeduper) Forget(_ context.Context, deliveryID string) error {
	d.mu.Lock()
	delete(d.seen, deliveryID)
	d.mu.Unlock()
	return nil
}

// NewDeliveryDeduper builds a Redis deduper and falls back to in-memory on failure.
func NewDeliveryDeduper(addr, pass string, db int, ttl time.Duration) (DeliveryDeduper, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if addr == "" {
		return newMemoryDeliveryDeduper(ttl), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return newMemoryDeliveryDeduper(ttl), err
	}

	return &redisDeliveryDeduper{
		client: client,
		prefix: "gh:delivery",
		ttl:    ttl,
	}, nil
}

// GitHubDeliveryDedup drops redelivered webhooks by X-GitHub-Delivery. A delivery
// whose handler fails is forgotten so GitHub's retry gets through.
func GitHubDeliveryDedup(deduper DeliveryDeduper) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if deduper == nil {
				return next(c)
			}

			req := c.Request()
			deliveryID := req.Header.Get("X-GitHub-Delivery")
			if deliveryID == "" {
				return next(c)
			}

			isDuplicate, err := deduper.Seen(req.Context(), deliveryID)
			if err != nil {
				return next(c)
			}
			if isDuplicate {
				// GitHub only needs a 2xx response to stop retries.
				return c.NoContent(http.StatusOK)
			}

			err = next(c)
			if err != nil || c.Response().Status >= http.StatusInternalServerError {
				_ = deduper.Forget(context.WithoutCancel(req.Context()), deliveryID)
			}
			return err
		}
	}
}
