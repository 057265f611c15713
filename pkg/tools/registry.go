package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/provider"
)

// ExecContext carries the conversation location a tool call runs in.
type ExecContext struct {
	Channel    string
	ChatID     string
	SessionKey string
}

// Tool is a capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the tool's arguments.
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}, execCtx ExecContext) (string, error)
}

type entry struct {
	tool     Tool
	optional bool
	schema   *gojsonschema.Schema
}

// Registry holds the tools available to the agent. Optional tools can be
// gated behind an allowlist; execution failures of any kind come back as
// result strings so a bad tool call never kills the iteration loop.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	allowlist map[string]bool
	logger    zerolog.Logger
}

// NewRegistry creates a registry. A nil or empty allowlist means every
// optional tool is enabled.
func NewRegistry(optionalAllowlist []string, logger zerolog.Logger) *Registry {
	var allow map[string]bool
	if len(optionalAllowlist) > 0 {
		allow = make(map[string]bool, len(optionalAllowlist))
		for _, name := range optionalAllowlist {
			allow[name] = true
		}
	}
	return &Registry{
		entries:   map[string]*entry{},
		allowlist: allow,
		logger:    logger.With().Str("component", "tools").Logger(),
	}
}

// Register adds or replaces a tool. Replacement keeps the original
// position in Definitions order.
func (r *Registry) Register(tool Tool, optional bool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	schema, err := compileSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = &entry{tool: tool, optional: optional, schema: schema}
	return nil
}

func compileSchema(raw map[string]interface{}) (*gojsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
}

// IsEnabled reports whether a tool exists and passes the allowlist gate.
func (r *Registry) IsEnabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isEnabledLocked(name)
}

func (r *Registry) isEnabledLocked(name string) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if !e.optional {
		return true
	}
	return r.allowlist == nil || r.allowlist[name]
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Definitions returns the enabled tools' definitions in registration order.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if !r.isEnabledLocked(name) {
			continue
		}
		tool := r.entries[name].tool
		out = append(out, provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return out
}

// Without returns a registry sharing this one's tools minus the named
// ones. Used for subagents, which must not message users or spawn more
// subagents.
func (r *Registry) Without(names ...string) *Registry {
	excluded := make(map[string]bool, len(names))
	for _, n := range names {
		excluded[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := &Registry{
		entries:   map[string]*entry{},
		allowlist: r.allowlist,
		logger:    r.logger,
	}
	for _, name := range r.order {
		if excluded[name] {
			continue
		}
		sub.entries[name] = r.entries[name]
		sub.order = append(sub.order, name)
	}
	return sub
}

// Execute runs a tool call. It never returns an error: unknown or
// disabled tools, schema violations, handler errors and handler panics
// all become descriptive result strings fed back to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, execCtx ExecContext) (result string) {
	start := time.Now()
	success := false
	defer func() {
		observability.RecordToolExecution(name, time.Since(start), success)
	}()

	r.mu.RLock()
	e, ok := r.entries[name]
	enabled := r.isEnabledLocked(name)
	r.mu.RUnlock()

	if !ok || !enabled {
		r.logger.Warn().Str("tool", name).Msg("unknown or disabled tool requested")
		return fmt.Sprintf("Error: unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if e.schema != nil {
		validation, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
		}
		if !validation.Valid() {
			var problems []string
			for _, verr := range validation.Errors() {
				problems = append(problems, verr.String())
			}
			r.logger.Warn().Str("tool", name).Strs("problems", problems).Msg("tool argument validation failed")
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, problems)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("tool", name).Interface("panic", rec).Msg("tool panicked")
			result = fmt.Sprintf("Error: tool %s panicked: %v", name, rec)
		}
	}()

	out, err := e.tool.Execute(ctx, args, execCtx)
	if err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("tool execution failed")
		return fmt.Sprintf("Error: %s", err.Error())
	}

	success = true
	r.logger.Debug().Str("tool", name).Dur("duration", time.Since(start)).Msg("tool executed")
	return out
}
