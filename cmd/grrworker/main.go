// Command grrworker runs the worker fleet: one Loop per configured queue
// shard, a janitor sweep, and the operator websocket hub. Wiring follows
// control_plane/main.go's os.Getenv-driven assembly (store selection,
// scheduler/janitor/hub construction, then block on signal), generalized
// from the teacher's single control-plane process to this substrate's
// worker process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glassCodeBender/grr/internal/config"
	"github.com/glassCodeBender/grr/internal/coordination"
	"github.com/glassCodeBender/grr/internal/flow"
	"github.com/glassCodeBender/grr/internal/observability"
	"github.com/glassCodeBender/grr/internal/opshub"
	"github.com/glassCodeBender/grr/internal/outputplugin"
	"github.com/glassCodeBender/grr/internal/queue"
	"github.com/glassCodeBender/grr/internal/queuemgr"
	"github.com/glassCodeBender/grr/internal/store"
	"github.com/glassCodeBender/grr/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.FromEnv()

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("grrworker: build logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, sugar)
	if err != nil {
		sugar.Fatalw("grrworker: open store", "backend", cfg.Store.Backend, "error", err)
	}

	sched := queue.NewScheduler(st, sugar)
	locker := coordination.NewLocker(st, cfg.Worker.SessionLockTTL)

	queues := queueNames()

	newRunner := func(mgr *queuemgr.Manager) *flow.Runner {
		r := flow.NewRunner(mgr, st, flow.NewLimiter(), registeredStates(), nil, nil, observability.FlowMetrics{}, sugar)
		host := outputplugin.NewHost(nil, nil)
		host.SetMetrics(observability.PluginMetrics{})
		host.SetLogger(sugar)
		r.SetPluginHost(host)
		return r
	}

	loops := make([]*worker.Loop, 0, len(queues))
	for _, q := range queues {
		loops = append(loops, worker.NewLoop(st, sched, locker, newRunner, cfg.Worker, observability.LoopMetrics{}, sugar))
		sugar.Infow("grrworker: worker loop configured", "queue", q)
	}

	janitor := worker.NewJanitor(st, sched, locker, queues, observability.LoopMetrics{}, sugar)
	if err := janitor.Start(ctx, "*/1 * * * *"); err != nil {
		sugar.Fatalw("grrworker: start janitor", "error", err)
	}
	defer janitor.Stop()

	hub := opshub.NewHub(func() opshub.Snapshot {
		depths := make(map[string]int, len(queues))
		var rescheduled, orphaned uint64
		for i, q := range queues {
			s := loops[i].Stats()
			depths[q] = s.QueueDepth
			rescheduled += s.Rescheduled
			orphaned += s.Orphaned
		}
		return opshub.Snapshot{
			QueueDepths:         depths,
			SessionsRescheduled: rescheduled,
			SessionsOrphaned:    orphaned,
			FlowErrors:          observability.FlowErrorsTotal(),
			JanitorReclaims:     janitor.Stats(),
			GeneratedAt:         time.Now(),
		}
	}, time.Second, sugar)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ops/ws", hub)
	httpServer := &http.Server{Addr: cfg.OpsHubAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("grrworker: ops hub server failed", "error", err)
		}
	}()

	for i, q := range queues {
		go loops[i].Run(ctx, q, 100, 0)
	}

	sugar.Infow("grrworker: started", "queues", queues, "ops_hub_addr", cfg.OpsHubAddr)
	<-ctx.Done()
	sugar.Infow("grrworker: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// openStore selects the Store backend per cfg, the same
// os.Getenv-with-fallback branching the teacher's main.go uses to pick
// between RedisStore and an in-memory fallback.
func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.SugaredLogger) (store.Store, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisDSN, "", 0, log)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PgDSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

// queueNames lists the notification queues this worker fleet serves.
// GRR_QUEUES is a comma-separated list; it defaults to the single
// catch-all queue used by flows with no explicit queue assignment.
func queueNames() []string {
	if v := os.Getenv("GRR_QUEUES"); v != "" {
		return splitNonEmpty(v)
	}
	return []string{"hunts"}
}

func splitNonEmpty(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// registeredStates is the state-dispatch table for flows this worker
// fleet knows how to run. Concrete flow implementations are out of this
// substrate's scope (spec.md §1); a real deployment populates this from
// its own flow package. Left empty here, a MissingState error simply
// surfaces for any session this process is asked to drive — the worker
// loop, lock, and bookkeeping machinery around it are what this
// substrate actually delivers.
func registeredStates() flow.Registry {
	return flow.Registry{}
}
