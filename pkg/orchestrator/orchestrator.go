// Package orchestrator wires the registry, message bus, alert engine and
// workflow engine together around one state store and one event sink.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rizome-dev/conductor/pkg/alerting"
	"github.com/rizome-dev/conductor/pkg/bus"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/executor"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/messagequeue"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/registry"
	"github.com/rizome-dev/conductor/pkg/sink"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/rizome-dev/conductor/pkg/workflow"
)

// Orchestrator owns every component of a running coordinator
type Orchestrator struct {
	cfg       *config.Config
	store     state.Store
	transport messagequeue.Transport
	monitor   *monitoring.Monitor
	events    *sink.Emitter
	registry  *registry.Registry
	bus       *bus.Bus
	alerts    *alerting.Engine
	rules     *alerting.RuleFileWatcher
	workflows *workflow.Engine
	logger    *logging.Logger

	closers []io.Closer

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

type options struct {
	store     state.Store
	transport messagequeue.Transport
	executor  executor.Executor
	monitor   *monitoring.Monitor
	logger    *logging.Logger
	consumers []sink.Consumer
	clock     func() time.Time
}

// Option overrides a component New would otherwise build from config
type Option func(*options)

// WithStore uses store instead of the one named by cfg.State
func WithStore(store state.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTransport uses t instead of the one named by cfg.MessageQueue
func WithTransport(t messagequeue.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithExecutor sets how agent nodes are run. The default POSTs tasks to
// each agent's endpoint capability.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithMonitor shares an existing monitor
func WithMonitor(m *monitoring.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConsumers adds event consumers besides those cfg.Sink enables
func WithConsumers(cs ...sink.Consumer) Option {
	return func(o *options) { o.consumers = append(o.consumers, cs...) }
}

// WithClock overrides time.Now in every component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}

	orch := &Orchestrator{cfg: cfg, logger: o.logger.WithComponent("orchestrator")}
	if err := orch.build(o); err != nil {
		orch.closeAll(context.Background())
		return nil, err
	}
	return orch, nil
}

func (o *Orchestrator) build(opts options) error {
	cfg := o.cfg

	o.monitor = opts.monitor
	if o.monitor == nil {
		m, err := monitoring.NewMonitor(&cfg.Monitoring)
		if err != nil {
			return fmt.Errorf("failed to create monitor: %w", err)
		}
		o.monitor = m
	}

	o.store = opts.store
	if o.store == nil {
		s, err := state.New(state.Config{
			Type:     cfg.State.Type,
			Path:     cfg.State.Path,
			URL:      cfg.State.RedisAddr,
			Password: cfg.State.RedisPassword,
			DB:       cfg.State.RedisDB,
			Prefix:   cfg.State.KeyPrefix,
			EventTTL: cfg.State.EventTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to create state store: %w", err)
		}
		o.store = s
	}

	o.transport = opts.transport
	if o.transport == nil {
		t, err := messagequeue.New(messagequeue.Config{
			Type:           cfg.MessageQueue.Type,
			StorePath:      cfg.MessageQueue.StorePath,
			WorkerPoolSize: cfg.MessageQueue.WorkerPoolSize,
			MessageTimeout: cfg.MessageQueue.MessageTimeout,
			InboxCapacity:  cfg.MessageQueue.InboxCapacity,
		})
		if err != nil {
			return fmt.Errorf("failed to create message transport: %w", err)
		}
		o.transport = t
	}

	consumers, err := o.consumers(opts.consumers)
	if err != nil {
		return err
	}
	o.events = sink.NewEmitter(cfg.Sink.BufferSize,
		sink.WithConsumers(consumers...),
		sink.WithMonitor(o.monitor),
		sink.WithLogger(o.logger),
	)

	regOpts := []registry.Option{
		registry.WithEvents(o.events),
		registry.WithMonitor(o.monitor),
		registry.WithLogger(o.logger),
	}
	busOpts := []bus.Option{
		bus.WithTransport(o.transport),
		bus.WithEvents(o.events),
		bus.WithMonitor(o.monitor),
		bus.WithLogger(o.logger),
		bus.WithRequireDelivery(cfg.Bus.RequireDelivery),
	}
	if opts.clock != nil {
		regOpts = append(regOpts, registry.WithClock(opts.clock))
		busOpts = append(busOpts, bus.WithClock(opts.clock))
	}
	o.registry = registry.New(o.store, regOpts...)
	o.bus = bus.New(o.store, o.registry, busOpts...)

	alertOpts := []alerting.Option{
		alerting.WithSender(o.bus),
		alerting.WithEvents(o.events),
		alerting.WithMonitor(o.monitor),
		alerting.WithLogger(o.logger),
	}
	if opts.clock != nil {
		alertOpts = append(alertOpts, alerting.WithClock(opts.clock))
	}
	o.alerts = alerting.New(alerting.Config{
		HeartbeatTimeout: cfg.Alerting.HeartbeatTimeout,
		SweepInterval:    cfg.Alerting.SweepInterval,
		AutoResolve:      cfg.Alerting.AutoResolve,
		SampleRetention:  cfg.Alerting.SampleRetention,
		MaxSamples:       cfg.Alerting.MaxSamples,
		PublishAlerts:    cfg.Alerting.PublishAlerts,
	}, o.store, o.registry, alertOpts...)
	if cfg.Alerting.RulesFile != "" {
		o.rules = alerting.NewRuleFileWatcher(o.alerts, cfg.Alerting.RulesFile)
	}

	exec := opts.executor
	if exec == nil {
		exec = executor.NewHTTPExecutor()
	}
	wfCfg := workflow.DefaultConfig()
	wfCfg.GlobalConcurrency = cfg.Workflow.GlobalConcurrency
	wfCfg.PerRunConcurrency = cfg.Workflow.PerRunConcurrency
	wfCfg.CompletionTopic = cfg.Workflow.CompletionTopic
	if cfg.Workflow.DefaultNodeTimeout > 0 {
		wfCfg.DefaultNodeTimeout = cfg.Workflow.DefaultNodeTimeout
	}
	wfOpts := []workflow.Option{
		workflow.WithSender(o.bus),
		workflow.WithEvents(o.events),
		workflow.WithMonitor(o.monitor),
		workflow.WithLogger(o.logger),
	}
	if opts.clock != nil {
		wfOpts = append(wfOpts, workflow.WithClock(opts.clock))
	}
	o.workflows = workflow.New(wfCfg, o.store, o.registry, exec, wfOpts...)

	o.wire()
	o.registerHealthChecks()
	return nil
}

func (o *Orchestrator) consumers(extra []sink.Consumer) ([]sink.Consumer, error) {
	var cs []sink.Consumer
	if o.cfg.Sink.LogEvents {
		cs = append(cs, sink.NewLogConsumer(o.logger))
	}
	if o.cfg.Sink.StoreEvents {
		cs = append(cs, sink.NewStoreConsumer(o.store))
	}
	if len(o.cfg.Sink.KafkaBrokers) > 0 {
		kc, err := sink.NewKafkaConsumer(o.cfg.Sink.KafkaBrokers, o.cfg.Sink.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		o.closers = append(o.closers, kc)
		cs = append(cs, kc)
	}
	return append(cs, extra...), nil
}

// wire connects registry listeners to the components that react to agents
// changing status or leaving.
func (o *Orchestrator) wire() {
	o.registry.OnStatusChange(o.alerts.HandleStatusChange)
	if o.cfg.Bus.PublishStatusChange && o.cfg.Bus.StatusTopic != "" {
		o.registry.OnStatusChange(o.publishStatusChange)
	}
	o.registry.OnDeregister(func(agent *types.Agent) {
		ctx := context.Background()
		if err := o.bus.RemoveAgent(ctx, agent.ID); err != nil {
			o.logger.WithError(err).WithField("agent_id", agent.ID).Warn("failed to remove agent from bus")
		}
		o.alerts.ForgetAgent(agent.ID)
	})
}

func (o *Orchestrator) publishStatusChange(change registry.StatusChange) {
	msg := &types.Message{
		From:     types.SystemSender,
		To:       types.ToTopic(o.cfg.Bus.StatusTopic),
		Kind:     types.MessageKindNotification,
		Priority: types.PriorityNormal,
		Subject:  fmt.Sprintf("agent %s is %s", change.AgentID, change.To),
		Body:     change.Reason,
		Metadata: map[string]string{
			"agent_id": change.AgentID,
			"from":     string(change.From),
			"to":       string(change.To),
		},
	}
	if _, err := o.bus.Send(context.Background(), msg); err != nil {
		o.logger.WithError(err).WithField("agent_id", change.AgentID).Warn("failed to publish status change")
	}
}

func (o *Orchestrator) registerHealthChecks() {
	o.monitor.RegisterHealthCheck(monitoring.HealthCheckFunc{
		CheckName: "state",
		Fn:        o.store.HealthCheck,
	})
	o.monitor.RegisterHealthCheck(monitoring.HealthCheckFunc{
		CheckName: "transport",
		Fn: func(ctx context.Context) error {
			_, err := o.transport.Stats(ctx, "")
			return err
		},
	})
	o.monitor.RegisterHealthCheck(monitoring.HealthCheckFunc{
		CheckName: "orchestrator",
		Fn: func(ctx context.Context) error {
			if !o.IsRunning() {
				return fmt.Errorf("orchestrator is not running")
			}
			return nil
		},
	})
}

// Start initializes the store, creates the system topics, imports workflow
// definitions and launches the background loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	if err := o.store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	if err := o.monitor.Start(ctx); err != nil {
		return err
	}
	if err := o.events.Start(context.Background()); err != nil {
		return err
	}

	if o.cfg.Bus.PublishStatusChange && o.cfg.Bus.StatusTopic != "" {
		if _, err := o.bus.EnsureTopic(ctx, o.cfg.Bus.StatusTopic, "agent status changes"); err != nil {
			return fmt.Errorf("failed to create status topic: %w", err)
		}
	}
	if topic := o.cfg.Workflow.CompletionTopic; topic != "" {
		if _, err := o.bus.EnsureTopic(ctx, topic, "workflow completions"); err != nil {
			return fmt.Errorf("failed to create completion topic: %w", err)
		}
	}

	if o.rules != nil {
		if err := o.rules.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to load alert rules: %w", err)
		}
	}
	if dir := o.cfg.Workflow.DefinitionsDir; dir != "" {
		if err := o.importDefinitions(ctx, dir); err != nil {
			return err
		}
	}
	if err := o.alerts.Start(context.Background()); err != nil {
		return err
	}

	o.running = true
	o.startedAt = time.Now()
	o.logger.WithFields(map[string]interface{}{
		"state":     o.cfg.State.Type,
		"transport": o.cfg.MessageQueue.Type,
	}).Info("orchestrator started")
	return nil
}

func (o *Orchestrator) importDefinitions(ctx context.Context, dir string) error {
	defs, err := workflow.LoadDefinitionDir(dir)
	if err != nil {
		return fmt.Errorf("failed to load workflow definitions: %w", err)
	}
	for _, def := range defs {
		if _, err := o.workflows.Import(ctx, def); err != nil {
			return fmt.Errorf("failed to import workflow %s: %w", def.ID, err)
		}
	}
	o.logger.Info("imported %d workflow definitions from %s", len(defs), dir)
	return nil
}

// Stop halts the background loops, cancels live runs, flushes pending events
// and closes the store and transport.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.mu.Unlock()

	o.alerts.Stop()
	if o.rules != nil {
		if err := o.rules.Close(); err != nil {
			o.logger.WithError(err).Warn("failed to close rules watcher")
		}
	}
	o.workflows.Close()

	if err := o.events.Stop(ctx); err != nil {
		o.logger.WithError(err).Warn("event sink did not drain")
	}
	o.closeAll(ctx)

	if err := o.monitor.Stop(ctx); err != nil {
		o.logger.WithError(err).Warn("failed to stop monitor")
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) closeAll(ctx context.Context) {
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			o.logger.WithError(err).Warn("failed to close event consumer")
		}
	}
	o.closers = nil
	if o.transport != nil {
		if err := o.transport.Close(); err != nil {
			o.logger.WithError(err).Warn("failed to close transport")
		}
	}
	if o.store != nil {
		if err := o.store.Close(ctx); err != nil {
			o.logger.WithError(err).Warn("failed to close state store")
		}
	}
}

// IsRunning reports whether Start succeeded and Stop has not been called
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Uptime is the time since Start, or zero when stopped
func (o *Orchestrator) Uptime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return 0
	}
	return time.Since(o.startedAt)
}

// Health aggregates the registered health checks
func (o *Orchestrator) Health(ctx context.Context) *monitoring.HealthStatus {
	return o.monitor.GetHealthStatus(ctx)
}

// Config returns the configuration the orchestrator was built from
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Registry returns the agent registry
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Bus returns the message bus
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Alerts returns the metrics and alert engine
func (o *Orchestrator) Alerts() *alerting.Engine { return o.alerts }

// Workflows returns the workflow engine
func (o *Orchestrator) Workflows() *workflow.Engine { return o.workflows }

// Monitor returns the metrics and health monitor
func (o *Orchestrator) Monitor() *monitoring.Monitor { return o.monitor }

// Events returns the event sink
func (o *Orchestrator) Events() *sink.Emitter { return o.events }

// Store returns the state store
func (o *Orchestrator) Store() state.Store { return o.store }
