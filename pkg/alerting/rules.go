package alerting

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/types"
)

// RuleSpec is the wire and file form of a rule. Enabled defaults to true.
type RuleSpec struct {
	ID             string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Metric         string         `json:"metric" yaml:"metric"`
	Operator       types.Operator `json:"operator" yaml:"operator"`
	Threshold      float64        `json:"threshold" yaml:"threshold"`
	Severity       types.Severity `json:"severity" yaml:"severity"`
	AgentID        string         `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AutoResolve    *bool          `json:"auto_resolve,omitempty" yaml:"auto_resolve,omitempty"`
	MarkAgentError bool           `json:"mark_agent_error,omitempty" yaml:"mark_agent_error,omitempty"`
}

// Rule converts the spec to a rule.
func (s RuleSpec) Rule() *types.AlertRule {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return &types.AlertRule{
		ID:             s.ID,
		Name:           s.Name,
		Metric:         strings.TrimSpace(s.Metric),
		Operator:       s.Operator,
		Threshold:      s.Threshold,
		Severity:       s.Severity,
		AgentID:        s.AgentID,
		Enabled:        enabled,
		AutoResolve:    s.AutoResolve,
		MarkAgentError: s.MarkAgentError,
	}
}

// ValidateRule checks a rule's fields.
func ValidateRule(rule *types.AlertRule) error {
	if rule == nil {
		return cerrors.Validation("rule", "rule is required")
	}
	if strings.TrimSpace(rule.Metric) == "" {
		return cerrors.Validation("rule", "metric is required")
	}
	if !rule.Operator.Valid() {
		return cerrors.Validation("rule", "unknown operator %q", rule.Operator)
	}
	if !rule.Severity.Valid() {
		return cerrors.Validation("rule", "unknown severity %q", rule.Severity)
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return cerrors.Validation("rule", "threshold must be finite")
	}
	if rule.ID == types.DerivedRuleID {
		return cerrors.Validation("rule", "rule id %q is reserved", types.DerivedRuleID)
	}
	return nil
}

// CreateRule validates and stores a rule, assigning an id when missing.
func (e *Engine) CreateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	e.logger.WithField("rule_id", rule.ID).Info("alert rule created: %s %s %g", rule.Metric, rule.Operator, rule.Threshold)
	return rule, nil
}

// UpdateRule replaces a rule. Open alerts it raised stay open until the next
// evaluation decides otherwise.
func (e *Engine) UpdateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	existing, err := e.store.GetRule(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = e.now()
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := e.store.DeleteRule(ctx, ruleID); err != nil {
		return err
	}
	e.logger.WithField("rule_id", ruleID).Info("alert rule deleted")
	return nil
}

// GetRule returns a rule
func (e *Engine) GetRule(ctx context.Context, ruleID string) (*types.AlertRule, error) {
	return e.store.GetRule(ctx, ruleID)
}

// ListRules returns all rules
func (e *Engine) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	return e.store.ListRules(ctx)
}

// SyncRules makes the file-managed rule set equal to rules: new rules are
// created, existing ones updated and rules dropped from the file deleted.
// Rules created through the API are never touched.
func (e *Engine) SyncRules(ctx context.Context, rules []*types.AlertRule) error {
	for i, r := range rules {
		if err := ValidateRule(r); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ID == "" {
			return cerrors.Validation("rule", "rule %d: file rules need an id", i)
		}
	}

	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		seen[r.ID] = struct{}{}
		_, err := e.store.GetRule(ctx, r.ID)
		switch {
		case err == nil:
			_, err = e.UpdateRule(ctx, r)
		case cerrors.IsNotFound(err):
			_, err = e.CreateRule(ctx, r)
		}
		if err != nil {
			return err
		}
	}
	for id := range e.fileRules {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := e.DeleteRule(ctx, id); err != nil && !cerrors.IsNotFound(err) {
			return err
		}
	}
	e.fileRules = seen
	return nil
}

type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRulesFile parses a YAML rules file.
func LoadRulesFile(path string) ([]*types.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	rules := make([]*types.AlertRule, 0, len(f.Rules))
	for _, s := range f.Rules {
		rules = append(rules, s.Rule())
	}
	return rules, nil
}

// RuleFileWatcher keeps the engine's file-managed rules in sync with a YAML file.
type RuleFileWatcher struct {
	engine  *Engine
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRuleFileWatcher creates a watcher for path.
func NewRuleFileWatcher(engine *Engine, path string) *RuleFileWatcher {
	return &RuleFileWatcher{
		engine: engine,
		path:   filepath.Clean(path),
		logger: engine.logger.WithField("rules_file", path),
	}
}

// Reload reads the file and syncs its rules.
func (w *RuleFileWatcher) Reload(ctx context.Context) error {
	rules, err := LoadRulesFile(w.path)
	if err != nil {
		return err
	}
	if err := w.engine.SyncRules(ctx, rules); err != nil {
		return err
	}
	w.logger.Info("loaded %d alert rules", len(rules))
	return nil
}

// Start loads the file once and then reloads it on every write. The parent
// directory is watched so editors that replace the file are picked up.
func (w *RuleFileWatcher) Start(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop(loopCtx, watcher, w.done)
	return nil
}

func (w *RuleFileWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("rules watcher error")
		}
	}
}

func (w *RuleFileWatcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if err := w.Reload(ctx); err != nil {
		w.logger.WithError(err).Error("failed to reload alert rules")
	}
}

// Close stops watching.
func (w *RuleFileWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	err := w.watcher.Close()
	w.cancel, w.watcher, w.done = nil, nil, nil
	return err
}
