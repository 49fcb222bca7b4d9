package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rzbill/stageflow/pkg/log"
)

// TriggerKey is the redis list a stage's trigger calls are pushed to.
func TriggerKey(pipeline, stage string) string {
	return "stageflow:trigger:" + pipeline + ":" + stage
}

type triggerMsg struct {
	Pipeline string `json:"pipeline"`
	Stage    string `json:"stage"`
	SentAtMs int64  `json:"sent_at_ms"`
}

func pushTrigger(ctx context.Context, c *redis.Client, pipeline, stage string) error {
	b, err := json.Marshal(triggerMsg{Pipeline: pipeline, Stage: stage, SentAtMs: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := c.LPush(ctx, TriggerKey(pipeline, stage), b).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// redisClient returns a cached client for endpoint. An endpoint without a
// host ("redis://") uses the configured default URL.
func (d *Dispatcher) redisClient(endpoint string) (*redis.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.redis[endpoint]; ok {
		return c, nil
	}
	target := endpoint
	if endpoint == "redis://" || endpoint == "rediss://" {
		if d.redisURL == "" {
			return nil, errors.New("dispatch: redis endpoint without host and no redis.url configured")
		}
		target = d.redisURL
	}
	if c, ok := d.redis[target]; ok {
		d.redis[endpoint] = c
		return c, nil
	}
	opts, err := redis.ParseURL(target)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	d.redis[target] = c
	if target != endpoint {
		d.redis[endpoint] = c
	}
	return c, nil
}

// RedisListener consumes trigger lists for local stages and starts a cycle
// for each message popped.
type RedisListener struct {
	client  *redis.Client
	keys    []string
	byKey   map[string][2]string
	invoker LocalInvoker
	timeout time.Duration
	logger  log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisListener listens on the trigger keys of routes.
func NewRedisListener(client *redis.Client, routes []Route, invoker LocalInvoker, logger log.Logger) *RedisListener {
	if logger == nil {
		logger = log.NewNop()
	}
	l := &RedisListener{
		client:  client,
		byKey:   map[string][2]string{},
		invoker: invoker,
		timeout: 5 * time.Second,
		logger:  logger.WithComponent("redis-listener"),
	}
	for _, r := range routes {
		k := TriggerKey(r.Pipeline, r.Stage)
		l.keys = append(l.keys, k)
		l.byKey[k] = [2]string{r.Pipeline, r.Stage}
	}
	return l
}

// Start begins the BRPOP loop.
func (l *RedisListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (l *RedisListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *RedisListener) run(ctx context.Context) {
	defer l.wg.Done()
	if len(l.keys) == 0 {
		return
	}
	l.logger.Info("listening for redis triggers", log.Int("keys", len(l.keys)))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := l.client.BRPop(ctx, l.timeout, l.keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("brpop failed", log.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		l.handle(ctx, res[0])
	}
}

func (l *RedisListener) handle(ctx context.Context, key string) {
	ps, ok := l.byKey[key]
	if !ok {
		l.logger.Warn("trigger for unknown key", log.Str("key", key))
		return
	}
	if err := l.invoker.Invoke(ctx, ps[0], ps[1]); err != nil {
		l.logger.Error("local trigger failed",
			log.Str("pipeline", ps[0]),
			log.Str("stage", ps[1]),
			log.Err(err),
		)
	}
}

// RedisClient returns the shared client for endpoint. A bare redis://
// resolves to the configured redis.url.
func (d *Dispatcher) RedisClient(endpoint string) (*redis.Client, error) {
	return d.redisClient(endpoint)
}
