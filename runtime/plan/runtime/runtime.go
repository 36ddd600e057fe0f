// Package runtime implements the plan queue runtime: the durable workflow
// engine that accepts multi-step plans, releases steps one at a time onto an
// at-least-once queue, enforces capability policy and operator approvals
// between steps, dispatches tool agents, persists step state for crash
// recovery, and publishes a live event stream.
//
// The runtime owns two consumers (steps and completions), a set of in-memory
// caches rebuilt from the state store on cold start, and the public API:
// Initialize, SubmitPlan, ResolveApproval, GetPlanSubject, Shutdown.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/eventbus"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
	"github.com/oss-agent-tool/planq/runtime/plan/toolagent"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Options configures a Runtime. Queue, Store, Bus, Policy, and Tools are
	// required; the rest default to no-op collaborators.
	Options struct {
		// Queue is the at-least-once broker adapter.
		Queue queue.Adapter
		// Store is the durable plan state store.
		Store state.Store
		// Bus publishes step events to in-process subscribers.
		Bus *eventbus.Bus
		// Policy evaluates capability policy for each step.
		Policy policy.Enforcer
		// Tools dispatches step invocations to tool agents.
		Tools toolagent.Client
		// Audit receives deny, approval, and dead-letter records. Defaults
		// to a no-op sink.
		Audit audit.Sink
		// Logger, Metrics, and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Config holds the runtime tunables; zero fields take defaults.
		Config Config
		// Clock overrides the time source (tests).
		Clock func() time.Time
	}

	// Runtime is the plan queue runtime. All methods are safe for concurrent
	// use.
	Runtime struct {
		queue   queue.Adapter
		store   state.Store
		bus     *eventbus.Bus
		policy  policy.Enforcer
		tools   toolagent.Client
		audit   audit.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		cfg     Config
		clock   func() time.Time

		completionSchema *jsonschema.Schema

		locks *lockManager

		// initMu serializes Initialize and Shutdown.
		initMu      sync.Mutex
		initialized bool
		subs        []queue.Subscription
		sweepStop   chan struct{}
		sweepDone   chan struct{}

		// mu guards the in-memory caches below. They are secondary indexes
		// over the state store, rebuilt during rehydration.
		mu        sync.Mutex
		registry  map[string]*registryEntry
		approvals map[string]map[string]bool
		subjects  map[string]*plan.Subject
		retained  map[string]*retainedSubject
	}

	// registryEntry is the in-memory record for one live step, keyed by
	// "{planId}:{stepId}".
	registryEntry struct {
		step     plan.Step
		traceID  string
		state    plan.StepState
		attempt  int
		inFlight bool
	}

	// retainedSubject keeps a finished plan's subject queryable for the
	// history retention window.
	retainedSubject struct {
		subject *plan.Subject
		timer   *time.Timer
	}
)

// New constructs a Runtime. The runtime does not consume messages until
// Initialize is called.
func New(opts Options) (*Runtime, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("missing queue adapter")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("missing state store")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("missing event bus")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("missing policy enforcer")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("missing tool agent client")
	}
	if opts.Audit == nil {
		opts.Audit = audit.NoopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	schema, err := compileCompletionSchema()
	if err != nil {
		return nil, fmt.Errorf("compile completion schema: %w", err)
	}
	return &Runtime{
		queue:            opts.Queue,
		store:            opts.Store,
		bus:              opts.Bus,
		policy:           opts.Policy,
		tools:            opts.Tools,
		audit:            opts.Audit,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		cfg:              opts.Config.withDefaults(),
		clock:            opts.Clock,
		completionSchema: schema,
		locks:            newLockManager(),
		registry:         make(map[string]*registryEntry),
		approvals:        make(map[string]map[string]bool),
		subjects:         make(map[string]*plan.Subject),
		retained:         make(map[string]*retainedSubject),
	}, nil
}

// Initialize registers the step and completion consumers and rehydrates
// pending state from the store. It is idempotent and serialized; failures are
// retried up to Config.InitMaxAttempts with exponential backoff, reversing
// any partially registered consumers before each retry.
func (rt *Runtime) Initialize(ctx context.Context) error {
	rt.initMu.Lock()
	defer rt.initMu.Unlock()
	if rt.initialized {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < rt.cfg.InitMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(rt.cfg.InitBackoff, attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = rt.initOnce(ctx); lastErr == nil {
			rt.initialized = true
			rt.startSweeper()
			return nil
		}
		rt.logger.Warn(ctx, "runtime initialization failed",
			"attempt", attempt, "error", lastErr.Error())
		rt.closeSubscriptions(ctx)
	}
	return fmt.Errorf("initialize after %d attempts: %w", rt.cfg.InitMaxAttempts, lastErr)
}

// initOnce performs a single initialization attempt: consumer registration
// followed by rehydration. Callers reverse partial registration on failure.
func (rt *Runtime) initOnce(ctx context.Context) error {
	sub, err := rt.queue.Consume(ctx, queue.StepsQueue, rt.handleStepDelivery)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue.StepsQueue, err)
	}
	rt.subs = append(rt.subs, sub)

	sub, err = rt.queue.Consume(ctx, queue.CompletionsQueue, rt.handleCompletionDelivery)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue.CompletionsQueue, err)
	}
	rt.subs = append(rt.subs, sub)

	if err := rt.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	return nil
}

// Shutdown stops the consumers, cancels plan locks, clears the in-memory
// caches, and releases retained-subject timers. In-flight handlers complete.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.initMu.Lock()
	defer rt.initMu.Unlock()
	if !rt.initialized {
		return nil
	}
	rt.initialized = false
	rt.stopSweeper()
	rt.closeSubscriptions(ctx)
	rt.locks.Reset()

	rt.mu.Lock()
	for _, ret := range rt.retained {
		ret.timer.Stop()
	}
	rt.registry = make(map[string]*registryEntry)
	rt.approvals = make(map[string]map[string]bool)
	rt.subjects = make(map[string]*plan.Subject)
	rt.retained = make(map[string]*retainedSubject)
	rt.mu.Unlock()

	rt.logger.Info(ctx, "plan queue runtime stopped")
	return nil
}

// isInitialized reports whether Initialize has completed.
func (rt *Runtime) isInitialized() bool {
	rt.initMu.Lock()
	defer rt.initMu.Unlock()
	return rt.initialized
}

func (rt *Runtime) closeSubscriptions(ctx context.Context) {
	for _, sub := range rt.subs {
		if err := sub.Close(ctx); err != nil {
			rt.logger.Warn(ctx, "close consumer subscription", "error", err.Error())
		}
	}
	rt.subs = nil
}

// startSweeper launches the background retention sweep when state retention
// is configured. Callers hold initMu.
func (rt *Runtime) startSweeper() {
	if rt.cfg.StateRetention <= 0 {
		return
	}
	interval := rt.cfg.StateRetention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	rt.sweepStop = make(chan struct{})
	rt.sweepDone = make(chan struct{})
	go rt.sweepLoop(interval, rt.sweepStop, rt.sweepDone)
}

func (rt *Runtime) stopSweeper() {
	if rt.sweepStop == nil {
		return
	}
	close(rt.sweepStop)
	<-rt.sweepDone
	rt.sweepStop = nil
	rt.sweepDone = nil
}

func (rt *Runtime) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rt.runSweep(context.Background())
		}
	}
}

// runSweep purges persisted records older than the state retention window.
func (rt *Runtime) runSweep(ctx context.Context) {
	cutoff := rt.clock().Add(-rt.cfg.StateRetention)
	removed, err := rt.store.Sweep(ctx, cutoff)
	if err != nil {
		rt.logger.Warn(ctx, "state retention sweep failed", "error", err.Error())
		return
	}
	if removed > 0 {
		rt.logger.Info(ctx, "state retention sweep", "removed", removed)
	}
}

// refreshQueueDepth updates the queue-depth gauge after releases and terminal
// outcomes. Depth failures are logged, never surfaced.
func (rt *Runtime) refreshQueueDepth(ctx context.Context) {
	depth, err := rt.queue.Depth(ctx, queue.StepsQueue)
	if err != nil {
		rt.logger.Debug(ctx, "queue depth unavailable", "error", err.Error())
		return
	}
	rt.metrics.RecordGauge(telemetry.MetricQueueDepth, float64(depth), "queue", queue.StepsQueue)
}

// sleepCtx waits for the duration or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
