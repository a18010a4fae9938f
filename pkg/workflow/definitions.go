package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/types"
)

// DefinitionFilter narrows ListDefinitions
type DefinitionFilter struct {
	Status types.DefinitionStatus
	Name   string
}

// conditionChecker is implemented by evaluators that can compile an
// expression ahead of a run.
type conditionChecker interface {
	Check(ctx context.Context, expr string) error
}

func (e *Engine) validate(ctx context.Context, def *types.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	checker, ok := e.conditions.(conditionChecker)
	if !ok {
		return nil
	}
	for _, n := range def.Nodes {
		if n.Kind != types.NodeKindCondition {
			continue
		}
		if err := checker.Check(ctx, n.Condition); err != nil {
			return cerrors.Validation("workflow", "condition node %q: %v", n.ID, err)
		}
	}
	return nil
}

// CreateDefinition validates and stores a definition as a draft.
func (e *Engine) CreateDefinition(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def != nil && def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := e.validate(ctx, def); err != nil {
		return nil, err
	}
	now := e.now()
	def.Status = types.DefinitionDraft
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.WithField("definition_id", def.ID).Info("workflow definition %s created with %d nodes", def.Name, len(def.Nodes))
	return def, nil
}

// UpdateDefinition replaces the nodes, edges and description of a draft or
// active definition and bumps its version. Runs already started keep their
// snapshot.
func (e *Engine) UpdateDefinition(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def == nil {
		return nil, cerrors.Validation("workflow", "definition is required")
	}
	unlock := e.locks.Lock("definition:" + def.ID)
	defer unlock()

	existing, err := e.store.GetDefinition(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if existing.Status == types.DefinitionArchived {
		return nil, cerrors.New(cerrors.ErrInvalidTransition, "workflow", def.ID, "archived definitions cannot be changed")
	}
	if err := e.validate(ctx, def); err != nil {
		return nil, err
	}
	def.Status = existing.Status
	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = e.now()
	if err := e.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Activate makes a draft definition runnable. Activating an active
// definition is a no-op.
func (e *Engine) Activate(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return e.setDefinitionStatus(ctx, id, types.DefinitionActive)
}

// Archive retires a definition. Archiving twice is a no-op.
func (e *Engine) Archive(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return e.setDefinitionStatus(ctx, id, types.DefinitionArchived)
}

func (e *Engine) setDefinitionStatus(ctx context.Context, id string, to types.DefinitionStatus) (*types.WorkflowDefinition, error) {
	unlock := e.locks.Lock("definition:" + id)
	defer unlock()

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status == to {
		return def, nil
	}
	if def.Status == types.DefinitionArchived {
		return nil, cerrors.InvalidTransition("workflow", id, def.Status, to)
	}
	from := def.Status
	def.Status = to
	def.UpdatedAt = e.now()
	if err := e.store.UpdateDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.WithField("definition_id", id).Info("workflow definition %s: %s -> %s", def.Name, from, to)
	return def, nil
}

// GetDefinition returns a definition
func (e *Engine) GetDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListDefinitions returns definitions in creation order
func (e *Engine) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*types.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx, map[string]string{
		"status": string(filter.Status),
		"name":   filter.Name,
	})
}

// Import stores a definition read from a file: it is created when new and
// updated otherwise, then activated when the file asks for it.
func (e *Engine) Import(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	want := def.Status
	var (
		stored *types.WorkflowDefinition
		err    error
	)
	if def.ID != "" {
		if _, getErr := e.store.GetDefinition(ctx, def.ID); getErr == nil {
			stored, err = e.UpdateDefinition(ctx, def)
		} else if !cerrors.IsNotFound(getErr) {
			return nil, getErr
		}
	}
	if stored == nil && err == nil {
		stored, err = e.CreateDefinition(ctx, def)
	}
	if err != nil {
		return nil, err
	}
	if want == types.DefinitionActive && stored.Status != types.DefinitionActive {
		return e.Activate(ctx, stored.ID)
	}
	return stored, nil
}

// LoadDefinitionFile parses a YAML workflow definition.
func LoadDefinitionFile(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// LoadDefinitionDir parses every .yaml/.yml file in dir, sorted by name.
func LoadDefinitionDir(dir string) ([]*types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make([]*types.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
