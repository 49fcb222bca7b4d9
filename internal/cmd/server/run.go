package serverrun

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/internal/runner"
	"github.com/rzbill/stageflow/internal/runtime"
	grpcserver "github.com/rzbill/stageflow/internal/server/grpc"
	httpserver "github.com/rzbill/stageflow/internal/server/http"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	logpkg "github.com/rzbill/stageflow/pkg/log"
)

// shutdownGrace bounds how long detached cycles may run after a signal.
const shutdownGrace = 30 * time.Second

// Options configures Run.
type Options struct {
	Config cfgpkg.Config
	// Handlers are in-process stage handlers, see runtime.HandlerKey.
	Handlers map[string]runner.Handler
	// HTTPListener and GRPCListener replace Config.HTTPAddr and
	// Config.GRPCAddr when set.
	HTTPListener net.Listener
	GRPCListener net.Listener
	Logger       logpkg.Logger
	// FsyncInterval is the group-commit window when Config.Fsync is interval.
	FsyncInterval time.Duration
}

// Run starts the runtime, gRPC and HTTP servers and the background loops,
// and blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	cfg.DataDir = cfg.StorePath()
	mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return err
	}

	procLogger := opts.Logger
	if procLogger == nil {
		if procLogger, err = logpkg.ApplyConfig(&cfg.Log); err != nil {
			return err
		}
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	rt, err := runtime.Open(runtime.Options{
		Config:        cfg,
		Fsync:         mode,
		FsyncInterval: opts.FsyncInterval,
		Handlers:      opts.Handlers,
		Logger:        procLogger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	var routes []string
	for _, r := range rt.Registry().All() {
		routes = append(routes, r.Route().Pipeline+"/"+r.Route().Stage)
	}
	procLogger.Info("Starting stageflow server",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Any("local_stages", routes),
		logpkg.Int("schedule_interval_ms", cfg.Worker.ScheduleIntervalMs),
	)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, procLogger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if opts.GRPCListener != nil {
			err = gsrv.Serve(sctx, opts.GRPCListener)
		} else {
			err = gsrv.ListenAndServe(sctx, cfg.GRPCAddr)
		}
		if err != nil && sctx.Err() == nil {
			procLogger.Error("grpc server stopped", logpkg.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if opts.HTTPListener != nil {
			err = hsrv.Serve(sctx, opts.HTTPListener)
		} else {
			err = hsrv.ListenAndServe(sctx, cfg.HTTPAddr)
		}
		if err != nil && sctx.Err() == nil {
			procLogger.Error("http server stopped", logpkg.Err(err))
		}
	}()

	sweeper := rt.NewSweeper()
	if sweeper != nil {
		sweeper.Start()
	}
	listener, err := rt.NewRedisListener()
	if err != nil {
		procLogger.Error("redis listener disabled", logpkg.Err(err))
	} else if listener != nil {
		listener.Start(sctx)
	}
	if every := time.Duration(cfg.Worker.ScheduleIntervalMs) * time.Millisecond; every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedule(sctx, rt, every)
		}()
	}

	<-sctx.Done()
	procLogger.Info("Shutting down stageflow server")
	// Servers stop on sctx; wait for them and the other producers of new
	// cycles before draining running ones and closing the runtime/DB.
	if listener != nil {
		listener.Stop()
	}
	wg.Wait()
	if sweeper != nil {
		sweeper.Stop()
	}
	wctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.Supervisor().Wait(wctx); err != nil {
		procLogger.Warn("detached cycles still running at shutdown", logpkg.Err(err))
	}
	return nil
}

func schedule(ctx context.Context, rt *runtime.Runtime, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.ScheduleOnce()
		}
	}
}
