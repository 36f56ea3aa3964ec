package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/registry"
)

type entry struct {
	desc    Descriptor
	impl    Tool
	schema  *jsonschema.Schema
	timeout time.Duration
	enabled bool
}

// Registry holds registered tools and runs the invocation pipeline.
type Registry struct {
	base      *registry.BaseRegistry[*entry]
	overrides map[string]*config.ToolConfig
}

// NewRegistry creates a registry. Overrides from the tools config section
// (timeouts, enablement) are applied at registration time.
func NewRegistry(overrides map[string]*config.ToolConfig) *Registry {
	return &Registry{
		base:      registry.NewBaseRegistry[*entry](),
		overrides: overrides,
	}
}

// Register validates and stores a tool. It rejects duplicate names and
// schemas that do not compile.
func (r *Registry) Register(desc Descriptor, impl Tool) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if impl == nil {
		return fmt.Errorf("tool '%s': implementation is required", desc.Name)
	}
	if desc.SideEffects == "" {
		desc.SideEffects = SideEffectsNone
	}
	if desc.TimeoutMS <= 0 {
		desc.TimeoutMS = 10000
	}

	enabled := true
	if ov, ok := r.overrides[desc.Name]; ok && ov != nil {
		if ov.Enabled != nil {
			enabled = *ov.Enabled
		}
		if ov.TimeoutMS > 0 {
			desc.TimeoutMS = ov.TimeoutMS
		}
	}

	schema, err := compileSchema(desc.ParameterSchema)
	if err != nil {
		return fmt.Errorf("tool '%s': invalid parameter schema: %w", desc.Name, err)
	}

	e := &entry{
		desc:    desc,
		impl:    impl,
		schema:  schema,
		timeout: time.Duration(desc.TimeoutMS) * time.Millisecond,
		enabled: enabled,
	}
	if err := r.base.Register(desc.Name, e); err != nil {
		return err
	}

	slog.Debug("Registered tool", "name", desc.Name, "side_effects", desc.SideEffects, "enabled", enabled)
	return nil
}

// Describe returns the descriptor for a registered tool.
func (r *Registry) Describe(name string) (Descriptor, error) {
	e, ok := r.base.Get(name)
	if !ok {
		return Descriptor{}, fmt.Errorf("tool '%s' is not registered", name)
	}
	return e.desc, nil
}

// Descriptors returns all descriptors of enabled tools, sorted by name.
// Planners consume this to build tool selection tables.
func (r *Registry) Descriptors() []Descriptor {
	names := r.base.Names()
	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if e, ok := r.base.Get(name); ok && e.enabled {
			descs = append(descs, e.desc)
		}
	}
	return descs
}

// Names returns all registered tool names, enabled or not.
func (r *Registry) Names() []string {
	return r.base.Names()
}

// Invoke runs a tool: validate params, execute under the declared timeout,
// classify failures, and fall back when a fallback is declared.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (Result, error) {
	start := time.Now()
	result, err := r.invoke(ctx, name, params, true)
	observability.GetGlobalMetrics().RecordToolCall(ctx, name, time.Since(start), err)
	return result, err
}

func (r *Registry) invoke(ctx context.Context, name string, params map[string]any, allowFallback bool) (Result, error) {
	e, ok := r.base.Get(name)
	if !ok {
		return Result{}, NewError(name, KindInvalidParams, "tool is not registered", nil)
	}
	if !e.enabled {
		return Result{}, NewError(name, KindInternal, "tool is disabled by configuration", nil)
	}

	if err := validateParams(e.schema, params); err != nil {
		return Result{}, NewError(name, KindInvalidParams, "parameter validation failed", err)
	}

	result, err := r.execute(ctx, e, params)
	if err == nil {
		result.ToolName = name
		return result, nil
	}

	if allowFallback && e.desc.Fallback != "" && fallbackEligible(err) {
		slog.Warn("Tool failed, invoking fallback", "tool", name, "fallback", e.desc.Fallback, "error", err)
		fbResult, fbErr := r.invoke(ctx, e.desc.Fallback, params, false)
		if fbErr == nil {
			fbResult.Fallback = true
			return fbResult, nil
		}
		// Report the original failure; the fallback's is secondary.
	}

	return Result{}, err
}

// execute runs the tool body bounded by its declared timeout. The tool runs
// in its own goroutine so a non-cooperative implementation cannot hold the
// invocation past the deadline.
func (r *Registry) execute(ctx context.Context, e *entry, params map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: NewError(e.desc.Name, KindInternal, fmt.Sprintf("panic: %v", rec), nil)}
			}
		}()
		result, err := e.impl.Execute(ctx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, classify(e.desc.Name, out.err)
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, NewError(e.desc.Name, KindTimeout, fmt.Sprintf("exceeded %s timeout", e.timeout), ctx.Err())
		}
		return Result{}, NewError(e.desc.Name, KindInternal, "invocation cancelled", ctx.Err())
	}
}

// classify wraps untyped tool errors; typed ones pass through.
func classify(name string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(name, KindTimeout, "execution timed out", err)
	}
	return NewError(name, KindInternal, "execution failed", err)
}

// fallbackEligible excludes invalid params: a fallback gets the same params
// and validation failures are caller bugs, not transient conditions.
func fallbackEligible(err error) bool {
	return KindOf(err) != KindInvalidParams
}

// compileSchema compiles a JSON schema document. A nil schema means the
// tool accepts any params object.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateParams checks params against the compiled schema. Params are
// round-tripped through JSON so the validator sees canonical value types.
func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}

	return schema.Validate(normalized)
}
