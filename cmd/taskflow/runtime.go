package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haricheung/taskflow/internal/bus"
	"github.com/haricheung/taskflow/internal/config"
	"github.com/haricheung/taskflow/internal/engine"
	"github.com/haricheung/taskflow/internal/registry"
	"github.com/haricheung/taskflow/internal/roles/auditor"
	"github.com/haricheung/taskflow/internal/roles/browser"
	"github.com/haricheung/taskflow/internal/roles/coder"
	"github.com/haricheung/taskflow/internal/roles/executor"
	"github.com/haricheung/taskflow/internal/roles/planner"
	"github.com/haricheung/taskflow/internal/router"
	"github.com/haricheung/taskflow/internal/store"
	"github.com/haricheung/taskflow/internal/tasklog"
	"github.com/haricheung/taskflow/internal/tools"
	"github.com/haricheung/taskflow/internal/types"
)

// runtime is one wired engine with its background workers.
type runtime struct {
	cfg      *config.Config
	bus      *bus.Bus
	engine   *engine.Engine
	registry *registry.Registry
	store    *store.Store     // nil unless persistence is on
	auditor  *auditor.Auditor // nil unless auditing is on

	workers  *errgroup.Group
	stopWork context.CancelFunc
}

type runtimeOptions struct {
	persist bool
	audit   bool
	watch   bool // a live display reads the bus tap
}

// newRuntime wires the engine from cfg. With persistence on, previously
// stored tasks are restored before the engine accepts new work.
func newRuntime(cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, bus: bus.NewUntapped()}
	if opts.audit || opts.watch {
		rt.bus = bus.New()
	}

	var persister registry.Persister
	if opts.persist {
		st, err := store.Open(cfg.StoreDir())
		if err != nil {
			return nil, err
		}
		rt.store = st
		persister = st
	}
	rt.registry = registry.New(persister)

	if opts.audit {
		rt.auditor = auditor.New(rt.bus.Tap(), cfg.AuditPath())
	}

	plannerLLM := cfg.Planning.LLM.Chatter("PLANNER", cfg.Planning.Timeout)
	warnInvalid(plannerLLM)

	logs := tasklog.NewRegistry(cfg.LogDir())
	log.Printf("[MAIN] task logs in %s", logs.Dir())

	eng, err := engine.New(engine.Config{
		Planner:         planner.New(plannerLLM),
		Router:          buildRouter(cfg),
		Executor:        executor.New(cfg.Steps.DefaultTimeout),
		Registry:        rt.registry,
		Bus:             rt.bus,
		Logs:            logs,
		PlanningTimeout: cfg.Planning.Timeout,
	})
	if err != nil {
		return nil, err
	}
	rt.engine = eng

	if rt.store != nil {
		tasks, err := rt.store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load stored tasks: %w", err)
		}
		if n := eng.Restore(tasks); n > 0 {
			log.Printf("[MAIN] %d unfinished tasks marked interrupted", n)
		}
		if counts, err := rt.store.CountByState(); err == nil {
			log.Printf("[MAIN] store holds %d tasks, by state at last write: %v", len(tasks), counts)
		}
	}
	return rt, nil
}

// buildRouter registers the web and code capabilities with their timeouts.
func buildRouter(cfg *config.Config) *router.Router {
	r := router.New(cfg.Steps.DefaultTimeout)

	web := cfg.Capabilities.Web
	search := tools.NewSearcher(cfg.Search.APIKey, cfg.Search.Endpoint)
	if !search.Enabled() {
		log.Printf("[MAIN] web search disabled: no search API key; web steps need a URL")
	}
	r.Register(types.StepWeb, browser.New(search, browser.Config{
		Attempts: web.Attempts,
		MaxPages: web.MaxPages,
	}), web.Timeout)

	code := cfg.Capabilities.Code
	primary := code.LLM.Chatter("CODE", code.Timeout)
	warnInvalid(primary)
	var fallback coder.Chatter
	if code.Fallback.Configured("CODE_FALLBACK") {
		fb := code.Fallback.Chatter("CODE_FALLBACK", code.Timeout)
		warnInvalid(fb)
		fallback = fb
	}
	if code.Run {
		if err := tools.EnsureWorkspace(); err != nil {
			log.Printf("[MAIN] WARNING: workspace: %v", err)
		}
	}
	r.Register(types.StepCode, coder.New(primary, fallback, coder.Config{
		Attempts:   code.Attempts,
		Run:        code.Run,
		RunTimeout: code.RunTimeout,
		Workspace:  code.Workspace,
	}), code.Timeout)
	log.Printf("[MAIN] capabilities: %v", r.Types())
	return r
}

func warnInvalid(c interface{ Validate() error }) {
	if err := c.Validate(); err != nil {
		log.Printf("[MAIN] WARNING: %v", err)
	}
}

// start launches the store writer, the auditor and the registry janitor.
func (rt *runtime) start() {
	ctx, cancel := context.WithCancel(context.Background())
	rt.stopWork = cancel
	g, ctx := errgroup.WithContext(ctx)
	rt.workers = g

	if rt.store != nil {
		g.Go(func() error {
			rt.store.Run(ctx)
			return nil
		})
	}
	if rt.auditor != nil {
		g.Go(func() error {
			rt.auditor.Run(ctx)
			return nil
		})
	}
	reg := rt.cfg.Registry
	g.Go(func() error {
		rt.registry.RunJanitor(ctx, reg.TTL, reg.PruneInterval)
		return nil
	})
}

// stop interrupts in-flight tasks, then stops the workers so the store
// drains every final record before closing.
func (rt *runtime) stop(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	shutdownErr := rt.engine.Shutdown(ctx)
	if shutdownErr != nil {
		log.Printf("[MAIN] WARNING: tasks still running after %s: %v", grace, shutdownErr)
	}
	if rt.stopWork != nil {
		rt.stopWork()
		_ = rt.workers.Wait()
	}
	return shutdownErr
}

// auditSource returns the auditor as an optional api.Auditor.
func (rt *runtime) auditSource() interface{ Report() types.AuditReport } {
	if rt.auditor == nil {
		return nil
	}
	return rt.auditor
}
