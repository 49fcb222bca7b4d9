package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rzbill/stageflow/internal/config"
)

func testConfig(endpoint string, concurrency int) config.Config {
	cfg := config.Default()
	cfg.Pipelines = []config.PipelineConfig{{
		Name: "seo",
		Stages: []config.StageConfig{
			{Name: "submit_crawl", Endpoint: endpoint, Concurrency: concurrency, Priority: 3},
			{Name: "wait_crawl"},
			{Name: "publish", Queue: "publishing"},
		},
	}}
	return cfg
}

func TestRoutingTable(t *testing.T) {
	d, err := New(testConfig("local", 2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r, err := d.Route("seo", "submit_crawl")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if r.Queue != "seo.submit_crawl" || r.Next != "wait_crawl" || r.Concurrency != 2 || r.Priority != 3 || !r.IsLocal() {
		t.Fatalf("unexpected route %+v", r)
	}
	if r.Policy.MaxAttempts != 5 {
		t.Fatalf("policy must inherit defaults, got %d", r.Policy.MaxAttempts)
	}
	last, _ := d.Route("seo", "publish")
	if !last.Terminal() || last.Queue != "publishing" {
		t.Fatalf("unexpected last route %+v", last)
	}
	if _, err := d.Route("seo", "nope"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("want ErrUnknownStage, got %v", err)
	}
	if s, _ := d.FirstStage("seo"); s != "submit_crawl" {
		t.Fatalf("first stage %q", s)
	}
	if _, err := d.FirstStage("other"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("want ErrUnknownStage for pipeline, got %v", err)
	}
	if got, ok := d.RouteForQueue("publishing"); !ok || got.Stage != "publish" {
		t.Fatalf("route for queue: %+v %v", got, ok)
	}
	if len(d.Routes()) != 3 || len(d.Queues()) != 3 {
		t.Fatalf("want 3 routes")
	}
}

func TestNewFailsFast(t *testing.T) {
	cases := map[string]func(*config.Config){
		"empty pipeline": func(c *config.Config) { c.Pipelines[0].Stages = nil },
		"duplicate stage": func(c *config.Config) {
			c.Pipelines[0].Stages = append(c.Pipelines[0].Stages, config.StageConfig{Name: "publish"})
		},
		"dangling next": func(c *config.Config) { c.Pipelines[0].Stages[0].Next = "missing" },
		"shared queue":  func(c *config.Config) { c.Pipelines[0].Stages[1].Queue = "publishing" },
		"slash queue":   func(c *config.Config) { c.Pipelines[0].Stages[1].Queue = "a/b" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("local", 1)
			mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("want error")
			}
		})
	}
}

func TestTriggerLocalFansOut(t *testing.T) {
	var calls atomic.Int32
	d, err := New(testConfig("local", 4), WithLocal(LocalFunc(func(ctx context.Context, p, s string) error {
		if p != "seo" || s != "submit_crawl" {
			t.Errorf("unexpected invoke %s/%s", p, s)
		}
		calls.Add(1)
		return nil
	})))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := d.Trigger(context.Background(), "seo", "submit_crawl")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rep.Sent != 4 || rep.Failed != 0 || calls.Load() != 4 {
		t.Fatalf("unexpected report %+v calls=%d", rep, calls.Load())
	}
	if _, err := d.Trigger(context.Background(), "seo", "nope"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("want ErrUnknownStage, got %v", err)
	}
}

func TestTriggerLocalWithoutRunner(t *testing.T) {
	d, _ := New(testConfig("local", 1))
	if _, err := d.Trigger(context.Background(), "seo", "submit_crawl"); err == nil {
		t.Fatalf("want error without local runner")
	}
}

func TestTriggerHTTP(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(testConfig(srv.URL+"/", 3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := d.Trigger(context.Background(), "seo", "submit_crawl")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rep.Sent != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, p := range paths {
		if p != "POST /v1/workers/seo/submit_crawl/trigger" {
			t.Fatalf("unexpected request %q", p)
		}
	}
}

func TestTriggerHTTPFailuresAreReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	d, _ := New(testConfig(srv.URL, 2))
	rep, err := d.Trigger(context.Background(), "seo", "submit_crawl")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rep.Failed != 2 || rep.Sent != 0 || len(rep.Errors) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestTriggerRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	d, err := New(testConfig("redis://127.0.0.1:1/0", 1), WithRedisClient("redis://127.0.0.1:1/0", client))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	rep, err := d.Trigger(context.Background(), "seo", "submit_crawl")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("want the push to fail, got %+v", rep)
	}
}

func TestRedisEndpointResolution(t *testing.T) {
	d, _ := New(testConfig("redis://", 1))
	if _, err := d.Trigger(context.Background(), "seo", "submit_crawl"); err == nil {
		t.Fatalf("want error without redis.url")
	}

	cfg := testConfig("redis://", 1)
	cfg.Redis.URL = "redis://localhost:6379/2"
	d, _ = New(cfg)
	defer d.Close()
	c, err := d.redisClient("redis://")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if c.Options().DB != 2 {
		t.Fatalf("want fallback url db 2, got %d", c.Options().DB)
	}
	if TriggerKey("seo", "submit_crawl") != "stageflow:trigger:seo:submit_crawl" {
		t.Fatalf("trigger key")
	}
}

func TestUnsupportedEndpoint(t *testing.T) {
	d, _ := New(testConfig("ftp://x", 1))
	if _, err := d.Trigger(context.Background(), "seo", "submit_crawl"); err == nil {
		t.Fatalf("want unsupported endpoint error")
	}
}

func TestPolicies(t *testing.T) {
	cfg := testConfig("local", 1)
	cfg.Pipelines[0].Stages[0].MaxAttempts = 3
	cfg.Pipelines[0].Stages[0].BackoffBaseSeconds = 0.5
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p := d.Policies().Policy("seo", "submit_crawl")
	if p.MaxAttempts != 3 || p.BackoffBase != 500*time.Millisecond || p.BackoffCap != 300*time.Second || p.Jitter != 0.2 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if def := d.Policies().Policy("other", "x"); def.MaxAttempts != 5 {
		t.Fatalf("unknown stage must use defaults, got %+v", def)
	}
}
