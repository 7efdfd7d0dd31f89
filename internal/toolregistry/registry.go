// Package toolregistry resolves hierarchical tool paths ("crm/users/get")
// to handlers and surfaces tool metadata to policies and the sandbox.
// Registration is immutable once the server accepts its first connection;
// any later mutation is a programming error and panics.
package toolregistry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"atp/internal/atperr"
	"atp/internal/logging"
	"atp/internal/shared/jsonx"
)

// OperationType classifies a tool's side effects.
type OperationType string

const (
	OpRead        OperationType = "read"
	OpWrite       OperationType = "write"
	OpDestructive OperationType = "destructive"
)

// SensitivityLevel classifies the data a tool touches.
type SensitivityLevel string

const (
	SensitivityPublic    SensitivityLevel = "public"
	SensitivitySensitive SensitivityLevel = "sensitive"
)

// Metadata describes a tool to policies and the auto-approval logic.
type Metadata struct {
	OperationType    OperationType    `json:"operation_type"`
	SensitivityLevel SensitivityLevel `json:"sensitivity_level"`
	RequiresApproval bool             `json:"requires_approval"`
	Description      string           `json:"description,omitempty"`
}

// NeedsApproval reports whether invoking the tool implicitly runs an
// approval gate before the handler.
func (m Metadata) NeedsApproval() bool {
	return m.RequiresApproval || m.OperationType == OpDestructive || m.SensitivityLevel == SensitivitySensitive
}

// Handler executes a tool server-side. A nil handler marks a
// client-serviced tool: invoking it suspends the execution.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name        string         // hierarchical path, e.g. "crm/users/get"
	InputSchema map[string]any // JSON schema for the single args object; nil accepts anything
	Metadata    Metadata
	Handler     Handler

	schema *jsonschema.Schema // compiled at registration
}

// ScopeChecker gates tools backed by OAuth-gated external APIs. The checker
// sees the session's claimed capabilities; insufficient scopes surface as a
// tool error, not a policy block.
type ScopeChecker interface {
	Check(ctx context.Context, toolName string, capabilities []string) error
}

// node is one level of the hierarchical name tree.
type node struct {
	children map[string]*node
	tool     *Tool // set on leaves
}

// Registry holds the tool tree.
type Registry struct {
	mu     sync.RWMutex
	root   *node
	byName map[string]*Tool
	sealed bool
	scopes ScopeChecker
	logger logging.Logger
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		root:   &node{children: map[string]*node{}},
		byName: map[string]*Tool{},
		logger: logging.NewComponentLogger("ToolRegistry"),
	}
}

// SetScopeChecker installs the OAuth scope gate. Optional.
func (r *Registry) SetScopeChecker(checker ScopeChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("toolregistry: scope checker installed after server start")
	}
	r.scopes = checker
}

// Register adds a tool. Fails on duplicate paths, invalid names, or a path
// that collides with an existing namespace leaf.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("toolregistry: registration of %q after server start", tool.Name))
	}
	segments, err := splitName(tool.Name)
	if err != nil {
		return err
	}
	if _, exists := r.byName[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	if tool.InputSchema != nil {
		compiled, err := compileSchema(tool.Name, tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: invalid input schema: %w", tool.Name, err)
		}
		tool.schema = compiled
	}
	if tool.Metadata.OperationType == "" {
		tool.Metadata.OperationType = OpRead
	}
	if tool.Metadata.SensitivityLevel == "" {
		tool.Metadata.SensitivityLevel = SensitivityPublic
	}

	current := r.root
	for i, segment := range segments {
		child, ok := current.children[segment]
		if !ok {
			child = &node{children: map[string]*node{}}
			current.children[segment] = child
		}
		if child.tool != nil && i < len(segments)-1 {
			return fmt.Errorf("tool %s: path collides with registered tool %s", tool.Name, child.tool.Name)
		}
		current = child
	}
	if len(current.children) > 0 {
		return fmt.Errorf("tool %s: path collides with existing namespace", tool.Name)
	}
	stored := tool
	current.tool = &stored
	r.byName[tool.Name] = &stored
	r.logger.Debug("registered tool %s (%s/%s)", tool.Name, tool.Metadata.OperationType, tool.Metadata.SensitivityLevel)
	return nil
}

// Seal freezes the registry. Called when the server starts listening.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve walks the tree segment by segment: O(depth).
func (r *Registry) Resolve(name string) (*Tool, bool) {
	segments, err := splitName(name)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	current := r.root
	for _, segment := range segments {
		child, ok := current.children[segment]
		if !ok {
			return nil, false
		}
		current = child
	}
	if current.tool == nil {
		return nil, false
	}
	return current.tool, true
}

// CheckScopes runs the scope checker for a tool, mapping failures to the
// insufficientScope tool error.
func (r *Registry) CheckScopes(ctx context.Context, toolName string, capabilities []string) error {
	r.mu.RLock()
	checker := r.scopes
	r.mu.RUnlock()
	if checker == nil {
		return nil
	}
	if err := checker.Check(ctx, toolName, capabilities); err != nil {
		return atperr.Wrap(atperr.KindForbidden, atperr.CodeInsufficientScope, err)
	}
	return nil
}

// ValidateArgs checks args against the tool's compiled input schema.
func (t *Tool) ValidateArgs(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// The validator wants plain JSON values; round-trip to normalize.
	data, err := jsonx.Marshal(args)
	if err != nil {
		return err
	}
	var plain any
	if err := jsonx.Unmarshal(data, &plain); err != nil {
		return err
	}
	if err := t.schema.Validate(plain); err != nil {
		return fmt.Errorf("arguments for %s rejected by schema: %w", t.Name, err)
	}
	return nil
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.byName))
	for _, tool := range r.byName {
		out = append(out, tool)
	}
	sortTools(out)
	return out
}

// TreeEntry is one row of an /api/explore listing.
type TreeEntry struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "group" or "tool"
	ToolPath string `json:"tool_path,omitempty"`
}

// Explore lists the children of a namespace path. Empty path lists roots.
func (r *Registry) Explore(path string) ([]TreeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current := r.root
	if path != "" {
		segments, err := splitName(path)
		if err != nil {
			return nil, err
		}
		for _, segment := range segments {
			child, ok := current.children[segment]
			if !ok {
				return nil, fmt.Errorf("unknown path: %s", path)
			}
			current = child
		}
	}
	entries := make([]TreeEntry, 0, len(current.children))
	for name, child := range current.children {
		entry := TreeEntry{Name: name, Kind: "group"}
		if child.tool != nil {
			entry.Kind = "tool"
			entry.ToolPath = child.tool.Name
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

// Groups returns the set of top-level namespaces.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.root.children))
	for name := range r.root.children {
		out = append(out, name)
	}
	sortStrings(out)
	return out
}

func splitName(name string) ([]string, error) {
	if name == "" {
		return nil, fmt.Errorf("empty tool name")
	}
	segments := strings.Split(name, "/")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("malformed tool name: %q", name)
		}
		if !validSegment(segment) {
			return nil, fmt.Errorf("tool name segment %q contains invalid characters", segment)
		}
	}
	return segments, nil
}

func validSegment(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func sortTools(tools []*Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
}

func sortEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

func sortStrings(values []string) { sort.Strings(values) }

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := jsonx.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "atp://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
