// Package alerting ingests per-agent metric samples, evaluates alert rules
// against them and manages the alert lifecycle.
//
// Rules are evaluated when a sample for the agent arrives. A periodic sweep
// detects agents whose heartbeat is overdue. Every mutation for one agent
// runs under that agent's lock, which is what keeps at most one open alert
// per (rule, agent) pair.
package alerting

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rizome-dev/conductor/pkg/bus"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/keylock"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/registry"
	"github.com/rizome-dev/conductor/pkg/sink"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
)

// Agents is the registry surface the engine needs.
type Agents interface {
	Find(ctx context.Context, id string) (*types.Agent, error)
	List(ctx context.Context, filter registry.ListFilter) ([]*types.Agent, error)
	UpdateStatus(ctx context.Context, id string, status types.AgentStatus, reason string) (*types.Agent, error)
	MarkInactiveIfStale(ctx context.Context, id string, cutoff time.Time, reason string) (*types.Agent, bool, error)
}

// Config holds engine policy
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	AutoResolve      bool
	SampleRetention  time.Duration
	MaxSamples       int
	PublishAlerts    bool
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    15 * time.Second,
		AutoResolve:      true,
		SampleRetention:  time.Hour,
		MaxSamples:       1000,
	}
}

// Evaluation lists the alerts a sample raised or resolved.
type Evaluation struct {
	Raised   []*types.Alert `json:"raised,omitempty"`
	Resolved []*types.Alert `json:"resolved,omitempty"`
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	Status   types.AlertStatus
	AgentID  string
	RuleID   string
	Severity types.Severity
	Source   string
}

// Engine is the metrics and alert engine.
type Engine struct {
	cfg     Config
	store   state.StateManager
	agents  Agents
	sender  bus.Sender
	events  sink.Publisher
	monitor *monitoring.Monitor
	logger  *logging.Logger
	now     func() time.Time
	locks   *keylock.Map

	history *history

	fileMu    sync.Mutex
	fileRules map[string]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures an Engine
type Option func(*Engine)

// WithSender publishes alert transitions as broadcast messages when PublishAlerts is set.
func WithSender(s bus.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithEvents sets the event publisher
func WithEvents(p sink.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithMonitor sets the metrics recorder
func WithMonitor(m *monitoring.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(cfg Config, store state.StateManager, agents Agents, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		agents:    agents,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     keylock.New(),
		fileRules: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = newHistory(cfg.SampleRetention, cfg.MaxSamples)
	if e.logger == nil {
		e.logger = logging.GetLogger()
	}
	e.logger = e.logger.WithComponent("alerting")
	return e
}

// sideEffects run after the agent lock is released.
type sideEffects struct {
	markError []string
	publish   []*types.Alert
}

// IngestSample stores a sample and evaluates the agent's rules against it.
// A sample older than the latest one for the same (agent, metric) is
// rejected with ErrStaleSample.
func (e *Engine) IngestSample(ctx context.Context, sample types.Sample) (*Evaluation, error) {
	ctx, span := e.monitor.StartSpan(ctx, "alerting.ingest",
		attribute.String("agent.id", sample.AgentID), attribute.String("metric", sample.Metric))
	defer span.End()

	if strings.TrimSpace(sample.AgentID) == "" || strings.TrimSpace(sample.Metric) == "" {
		e.monitor.RecordSample("invalid")
		return nil, cerrors.Validation("sample", "agent_id and metric are required")
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		e.monitor.RecordSample("invalid")
		return nil, cerrors.Validation("sample", "value must be finite")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = e.now()
	}

	agent, err := e.agents.Find(ctx, sample.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		e.monitor.RecordSample("unknown_agent")
		return nil, cerrors.NotFound("agent", sample.AgentID)
	}

	unlock := e.locks.Lock(sample.AgentID)
	if err := e.history.add(sample); err != nil {
		unlock()
		e.monitor.RecordSample("stale")
		return nil, err
	}
	e.monitor.RecordSample("")

	eval, fx, err := e.evaluate(ctx, sample)
	unlock()
	if err != nil {
		return nil, err
	}

	e.apply(ctx, fx)
	return eval, nil
}

func (e *Engine) evaluate(ctx context.Context, sample types.Sample) (*Evaluation, *sideEffects, error) {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, nil, err
	}

	eval := &Evaluation{}
	fx := &sideEffects{}
	for _, rule := range rules {
		if !rule.Matches(sample.AgentID, sample.Metric) {
			continue
		}
		open, err := e.openAlert(ctx, rule.ID, "", sample.AgentID)
		if err != nil {
			return nil, nil, err
		}

		if rule.Operator.Compare(sample.Value, rule.Threshold) {
			if open != nil {
				continue
			}
			alert := &types.Alert{
				RuleID:   rule.ID,
				AgentID:  sample.AgentID,
				Severity: rule.Severity,
				Title:    ruleTitle(rule),
				Message: fmt.Sprintf("%s %s %g (value %g) on agent %s",
					rule.Metric, rule.Operator, rule.Threshold, sample.Value, sample.AgentID),
				Metric: rule.Metric,
				Value:  sample.Value,
			}
			if err := e.create(ctx, alert); err != nil {
				return nil, nil, err
			}
			eval.Raised = append(eval.Raised, alert)
			fx.publish = append(fx.publish, alert)
			if rule.MarkAgentError {
				fx.markError = append(fx.markError, sample.AgentID)
			}
			continue
		}

		if open != nil && e.autoResolve(rule) {
			if err := e.transition(ctx, open, types.AlertResolved, "auto"); err != nil {
				return nil, nil, err
			}
			eval.Resolved = append(eval.Resolved, open)
			fx.publish = append(fx.publish, open)
		}
	}
	return eval, fx, nil
}

func (e *Engine) apply(ctx context.Context, fx *sideEffects) {
	if fx == nil {
		return
	}
	for _, id := range fx.markError {
		if _, err := e.agents.UpdateStatus(ctx, id, types.AgentStatusError, "alert threshold breached"); err != nil {
			e.logger.WithField("agent_id", id).WithError(err).Warn("could not mark agent as error")
		}
	}
	for _, alert := range fx.publish {
		e.publish(ctx, alert)
	}
}

func (e *Engine) autoResolve(rule *types.AlertRule) bool {
	if rule.AutoResolve != nil {
		return *rule.AutoResolve
	}
	return e.cfg.AutoResolve
}

// openAlert finds the open alert for a rule (or derived source) on an agent.
func (e *Engine) openAlert(ctx context.Context, ruleID, source, agentID string) (*types.Alert, error) {
	alerts, err := e.store.ListAlerts(ctx, map[string]string{
		"rule_id":  ruleID,
		"agent_id": agentID,
		"source":   source,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if a.Status.Open() {
			return a, nil
		}
	}
	return nil, nil
}

func (e *Engine) create(ctx context.Context, alert *types.Alert) error {
	alert.ID = uuid.New().String()
	alert.Status = types.AlertActive
	alert.CreatedAt = e.now()
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return err
	}
	e.monitor.RecordAlert(string(alert.Severity), string(alert.Status))
	e.emit(alert, types.EventTypeAlertCreated, "")
	e.logger.WithFields(map[string]interface{}{
		"alert_id": alert.ID,
		"agent_id": alert.AgentID,
		"severity": string(alert.Severity),
	}).Warn("alert raised: %s", alert.Title)
	return nil
}

// transition applies a lifecycle move; the caller holds the agent lock.
func (e *Engine) transition(ctx context.Context, alert *types.Alert, to types.AlertStatus, by string) error {
	from := alert.Status
	now := e.now()
	switch to {
	case types.AlertAcknowledged:
		alert.AcknowledgedAt = &now
		alert.AcknowledgedBy = by
	case types.AlertResolved:
		alert.ResolvedAt = &now
		alert.ResolvedBy = by
	}
	alert.Status = to
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return err
	}

	e.monitor.RecordAlert(string(alert.Severity), string(to))
	evType := types.EventTypeAlertAcknowledged
	if to == types.AlertResolved {
		evType = types.EventTypeAlertResolved
	}
	e.emit(alert, evType, string(from))
	e.logger.WithField("alert_id", alert.ID).Info("alert %s -> %s by %s", from, to, by)
	return nil
}

// Acknowledge moves an active alert to acknowledged. Acknowledging an
// acknowledged alert is a no-op; acknowledging a resolved one fails.
func (e *Engine) Acknowledge(ctx context.Context, alertID, by string) (*types.Alert, error) {
	alert, unlock, err := e.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch alert.Status {
	case types.AlertAcknowledged:
		return alert, nil
	case types.AlertResolved:
		return nil, cerrors.InvalidTransition("alert", alertID, alert.Status, types.AlertAcknowledged)
	}
	if err := e.transition(ctx, alert, types.AlertAcknowledged, by); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve closes an open alert. Resolving a resolved alert is a no-op.
func (e *Engine) Resolve(ctx context.Context, alertID, by string) (*types.Alert, error) {
	alert, unlock, err := e.lockAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertResolved {
		unlock()
		return alert, nil
	}
	if err := e.transition(ctx, alert, types.AlertResolved, by); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	e.publish(ctx, alert)
	return alert, nil
}

// lockAlert takes the lock of the alert's agent and re-reads the alert under it.
func (e *Engine) lockAlert(ctx context.Context, alertID string) (*types.Alert, func(), error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, nil, err
	}
	unlock := e.locks.Lock(alert.AgentID)
	alert, err = e.store.GetAlert(ctx, alertID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return alert, unlock, nil
}

// GetAlert returns an alert
func (e *Engine) GetAlert(ctx context.Context, alertID string) (*types.Alert, error) {
	return e.store.GetAlert(ctx, alertID)
}

// ListAlerts returns alerts in creation order
func (e *Engine) ListAlerts(ctx context.Context, filter AlertFilter) ([]*types.Alert, error) {
	return e.store.ListAlerts(ctx, map[string]string{
		"status":   string(filter.Status),
		"agent_id": filter.AgentID,
		"rule_id":  filter.RuleID,
		"severity": string(filter.Severity),
		"source":   filter.Source,
	})
}

// CheckHeartbeats marks agents with an overdue heartbeat inactive and raises
// a high severity derived alert for each.
func (e *Engine) CheckHeartbeats(ctx context.Context) ([]*types.Alert, error) {
	if e.cfg.HeartbeatTimeout <= 0 {
		return nil, nil
	}
	agents, err := e.agents.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-e.cfg.HeartbeatTimeout)
	var raised []*types.Alert
	for _, a := range agents {
		if a.Status == types.AgentStatusInactive || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		stale, changed, err := e.agents.MarkInactiveIfStale(ctx, a.ID, cutoff, "heartbeat timeout")
		if err != nil {
			if !cerrors.IsNotFound(err) {
				e.logger.WithField("agent_id", a.ID).WithError(err).Warn("could not mark agent inactive")
			}
			continue
		}
		if !changed {
			continue
		}
		alert, err := e.raiseDerived(ctx, a.ID, types.AgentStatusInactive, types.SourceHeartbeatTimeout, types.SeverityHigh,
			"Agent heartbeat timeout",
			fmt.Sprintf("no heartbeat from %s since %s", a.ID, stale.LastHeartbeat.Format(time.RFC3339)))
		if err != nil {
			return raised, err
		}
		if alert != nil {
			raised = append(raised, alert)
		}
	}
	return raised, nil
}

// HandleStatusChange reacts to registry status transitions: an agent entering
// error raises a medium derived alert, and recovery to active resolves the
// derived alerts when auto-resolve is enabled.
func (e *Engine) HandleStatusChange(change registry.StatusChange) {
	ctx := context.Background()
	switch change.To {
	case types.AgentStatusError:
		reason := change.Reason
		if reason == "" {
			reason = "status set to error"
		}
		if _, err := e.raiseDerived(ctx, change.AgentID, types.AgentStatusError, types.SourceAgentError, types.SeverityMedium,
			"Agent in error", fmt.Sprintf("agent %s entered error: %s", change.AgentID, reason)); err != nil {
			e.logger.WithField("agent_id", change.AgentID).WithError(err).Error("failed to raise agent error alert")
		}
	case types.AgentStatusActive:
		if !e.cfg.AutoResolve {
			return
		}
		var source string
		switch change.From {
		case types.AgentStatusInactive:
			source = types.SourceHeartbeatTimeout
		case types.AgentStatusError:
			source = types.SourceAgentError
		default:
			return
		}
		if _, err := e.resolveDerived(ctx, change.AgentID, source); err != nil {
			e.logger.WithField("agent_id", change.AgentID).WithError(err).Error("failed to resolve derived alert")
		}
	}
}

// raiseDerived opens a derived alert only while the agent is still in status,
// as read under the alert lock.
func (e *Engine) raiseDerived(ctx context.Context, agentID string, status types.AgentStatus, source string, severity types.Severity, title, message string) (*types.Alert, error) {
	unlock := e.locks.Lock(agentID)
	agent, err := e.agents.Find(ctx, agentID)
	if err != nil || agent == nil || agent.Status != status {
		unlock()
		if cerrors.IsNotFound(err) {
			err = nil
		}
		return nil, err
	}
	open, err := e.openAlert(ctx, types.DerivedRuleID, source, agentID)
	if err != nil || open != nil {
		unlock()
		return nil, err
	}
	alert := &types.Alert{
		RuleID:   types.DerivedRuleID,
		Source:   source,
		AgentID:  agentID,
		Severity: severity,
		Title:    title,
		Message:  message,
	}
	if err := e.create(ctx, alert); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	e.publish(ctx, alert)
	return alert, nil
}

func (e *Engine) resolveDerived(ctx context.Context, agentID, source string) (*types.Alert, error) {
	unlock := e.locks.Lock(agentID)
	open, err := e.openAlert(ctx, types.DerivedRuleID, source, agentID)
	if err != nil || open == nil {
		unlock()
		return nil, err
	}
	if err := e.transition(ctx, open, types.AlertResolved, "auto"); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	e.publish(ctx, open)
	return open, nil
}

// ForgetAgent discards the metric history of a deregistered agent.
func (e *Engine) ForgetAgent(agentID string) {
	e.history.forget(agentID)
}

func (e *Engine) publish(ctx context.Context, alert *types.Alert) {
	if !e.cfg.PublishAlerts || e.sender == nil {
		return
	}
	subject := fmt.Sprintf("alert %s: %s", alert.Status, alert.Title)
	_, err := e.sender.Send(ctx, &types.Message{
		From:     types.SystemSender,
		To:       types.ToAll(),
		Kind:     types.MessageKindBroadcast,
		Priority: severityPriority(alert.Severity),
		Subject:  subject,
		Body:     alert.Message,
		Metadata: map[string]string{
			"alert_id": alert.ID,
			"agent_id": alert.AgentID,
			"severity": string(alert.Severity),
			"status":   string(alert.Status),
		},
	})
	if err != nil {
		e.logger.WithField("alert_id", alert.ID).WithError(err).Warn("failed to publish alert")
	}
}

func (e *Engine) emit(alert *types.Alert, t types.EventType, from string) {
	if e.events == nil {
		return
	}
	detail := map[string]string{
		"agent_id": alert.AgentID,
		"rule_id":  alert.RuleID,
		"severity": string(alert.Severity),
	}
	if alert.Source != "" {
		detail["source"] = alert.Source
	}
	e.events.Emit(&types.Event{
		Type:          t,
		EntityKind:    types.EntityAlert,
		EntityID:      alert.ID,
		PreviousState: from,
		NewState:      string(alert.Status),
		Timestamp:     e.now(),
		Detail:        detail,
	})
}

// Start runs the heartbeat sweep every SweepInterval until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("alert engine already running")
	}
	if e.cfg.SweepInterval <= 0 {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.sweep(loopCtx)
	return nil
}

// Stop ends the sweep loop
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	cancel()
	<-done
}

func (e *Engine) sweep(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("heartbeat sweep panic: %v", r)
		}
	}()
	if _, err := e.CheckHeartbeats(ctx); err != nil {
		e.logger.WithError(err).Error("heartbeat sweep failed")
	}
}

func ruleTitle(rule *types.AlertRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return fmt.Sprintf("%s %s %g", rule.Metric, rule.Operator, rule.Threshold)
}

func severityPriority(s types.Severity) types.Priority {
	switch s {
	case types.SeverityHigh:
		return types.PriorityHigh
	case types.SeverityLow:
		return types.PriorityLow
	}
	return types.PriorityNormal
}
