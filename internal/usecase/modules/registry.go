// Package modules maps (module, action) pairs from incoming requests to the
// commands the agent is willing to run. Definitions live as YAML files in a
// configured directory; each action may carry a JSON Schema its request
// parameters are validated against before anything is spawned.
package modules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"errand/internal/domain"
)

// Action is one invocable action of a module.
type Action struct {
	Module  string
	Name    string
	Command []string

	schema *jsonschema.Schema
}

// ValidateParams checks a raw params payload against the action's parameter
// schema. Actions without a schema accept anything.
func (a *Action) ValidateParams(raw json.RawMessage) error {
	if a.schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.NewDomainError("Action.ValidateParams", domain.ErrInvalidInput,
			"params are not valid JSON")
	}
	result := a.schema.Validate(payload)
	if !result.IsValid() {
		return domain.NewDomainError("Action.ValidateParams", domain.ErrInvalidInput,
			fmt.Sprintf("params rejected by schema: %s", result.Error()))
	}
	return nil
}

// Module groups the actions dispatched under one module name.
type Module struct {
	Name    string
	actions map[string]*Action
}

// Actions returns the module's action names, sorted.
func (m *Module) Actions() []string {
	names := make([]string, 0, len(m.actions))
	for name := range m.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds every loaded module, keyed by name.
type Registry struct {
	logger  *slog.Logger
	modules map[string]*Module
}

// YAML shapes for module definition files.
type moduleSpec struct {
	Module  string       `yaml:"module"`
	Actions []actionSpec `yaml:"actions"`
}

type actionSpec struct {
	Name         string         `yaml:"name"`
	Command      []string       `yaml:"command"`
	ParamsSchema map[string]any `yaml:"params_schema,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, modules: make(map[string]*Module)}
}

// Load reads every *.yaml / *.yml module definition under dir. Duplicate
// module names across files fail the whole load; a half-loaded registry is
// worse than a startup error.
func (r *Registry) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.WrapOp("modules.Load", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.WrapOp("modules.Load", err)
	}
	var spec moduleSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("modules.Load: parse %s: %w", path, err)
	}
	if spec.Module == "" {
		return fmt.Errorf("modules.Load: %s: missing module name", path)
	}
	if _, exists := r.modules[spec.Module]; exists {
		return fmt.Errorf("modules.Load: %s: duplicate module %q", path, spec.Module)
	}
	if len(spec.Actions) == 0 {
		return fmt.Errorf("modules.Load: %s: module %q declares no actions", path, spec.Module)
	}

	mod := &Module{Name: spec.Module, actions: make(map[string]*Action, len(spec.Actions))}
	for _, as := range spec.Actions {
		if as.Name == "" {
			return fmt.Errorf("modules.Load: %s: module %q has an unnamed action", path, spec.Module)
		}
		if len(as.Command) == 0 {
			return fmt.Errorf("modules.Load: %s: action %s/%s has an empty command",
				path, spec.Module, as.Name)
		}
		if _, dup := mod.actions[as.Name]; dup {
			return fmt.Errorf("modules.Load: %s: duplicate action %s/%s",
				path, spec.Module, as.Name)
		}
		act := &Action{Module: spec.Module, Name: as.Name, Command: as.Command}
		if len(as.ParamsSchema) > 0 {
			schemaJSON, err := json.Marshal(as.ParamsSchema)
			if err != nil {
				return fmt.Errorf("modules.Load: %s: action %s/%s: encode schema: %w",
					path, spec.Module, as.Name, err)
			}
			schema, err := jsonschema.NewCompiler().Compile(schemaJSON)
			if err != nil {
				return fmt.Errorf("modules.Load: %s: action %s/%s: invalid params schema: %w",
					path, spec.Module, as.Name, err)
			}
			act.schema = schema
		}
		mod.actions[as.Name] = act
	}

	r.modules[spec.Module] = mod
	r.logger.Info("loaded module definition",
		"module", spec.Module, "actions", len(mod.actions), "file", filepath.Base(path))
	return nil
}

// Resolve returns the action registered for a (module, action) pair.
func (r *Registry) Resolve(module, action string) (*Action, error) {
	mod, ok := r.modules[module]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrModuleNotFound, module)
	}
	act, ok := mod.actions[action]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrActionNotFound,
			module+"/"+action)
	}
	return act, nil
}

// Modules returns the loaded module names, sorted.
func (r *Registry) Modules() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
