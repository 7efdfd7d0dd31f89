package toolregistry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"atp/internal/atperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.Register(Tool{
		Name: "crm/users/get",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string"}},
			"required":   []any{"id"},
		},
		Metadata: Metadata{Description: "Fetch a CRM user by id"},
	}))
	require.NoError(t, r.Register(Tool{
		Name:     "crm/users/delete",
		Metadata: Metadata{OperationType: OpDestructive, Description: "Delete a CRM user"},
	}))
	require.NoError(t, r.Register(Tool{
		Name:     "email/send",
		Metadata: Metadata{OperationType: OpWrite, Description: "Send an email"},
	}))
	return r
}

func TestRegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)

	tool, ok := r.Resolve("crm/users/get")
	require.True(t, ok)
	require.Equal(t, OpRead, tool.Metadata.OperationType)
	require.Equal(t, SensitivityPublic, tool.Metadata.SensitivityLevel)

	_, ok = r.Resolve("crm/users")
	require.False(t, ok, "namespace is not a tool")
	_, ok = r.Resolve("crm/users/missing")
	require.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndCollisions(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Register(Tool{Name: "crm/users/get"})
	require.ErrorContains(t, err, "already registered")

	// A tool cannot shadow an existing namespace, nor extend past a leaf.
	err = r.Register(Tool{Name: "crm/users"})
	require.ErrorContains(t, err, "collides")
	err = r.Register(Tool{Name: "email/send/bulk"})
	require.ErrorContains(t, err, "collides")
}

func TestRegisterRejectsMalformedNames(t *testing.T) {
	r := New()
	for _, name := range []string{"", "/leading", "trailing/", "a//b", "bad segment/x"} {
		require.Error(t, r.Register(Tool{Name: name}), name)
	}
}

func TestSealPanicsOnLateRegistration(t *testing.T) {
	r := newTestRegistry(t)
	r.Seal()
	require.Panics(t, func() { r.Register(Tool{Name: "late/tool"}) })
}

func TestValidateArgs(t *testing.T) {
	r := newTestRegistry(t)
	tool, _ := r.Resolve("crm/users/get")

	require.NoError(t, tool.ValidateArgs(map[string]any{"id": "u_123"}))
	require.Error(t, tool.ValidateArgs(map[string]any{"id": 42}))
	require.Error(t, tool.ValidateArgs(map[string]any{}))

	free, _ := r.Resolve("email/send")
	require.NoError(t, free.ValidateArgs(map[string]any{"anything": true}))
}

func TestNeedsApproval(t *testing.T) {
	require.False(t, Metadata{}.NeedsApproval())
	require.True(t, Metadata{RequiresApproval: true}.NeedsApproval())
	require.True(t, Metadata{OperationType: OpDestructive}.NeedsApproval())
	require.True(t, Metadata{SensitivityLevel: SensitivitySensitive}.NeedsApproval())
}

func TestExploreAndGroups(t *testing.T) {
	r := newTestRegistry(t)

	require.Equal(t, []string{"crm", "email"}, r.Groups())

	entries, err := r.Explore("")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "group", entries[0].Kind)

	entries, err = r.Explore("crm/users")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "tool", entries[0].Kind)
	require.Equal(t, "crm/users/delete", entries[0].ToolPath)

	_, err = r.Explore("nope")
	require.Error(t, err)
}

type denyChecker struct{}

func (denyChecker) Check(_ context.Context, toolName string, capabilities []string) error {
	for _, c := range capabilities {
		if c == "crm:read" {
			return nil
		}
	}
	return errors.New("missing scope crm:read")
}

func TestCheckScopes(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.CheckScopes(context.Background(), "crm/users/get", nil), "no checker installed")

	r.SetScopeChecker(denyChecker{})
	require.NoError(t, r.CheckScopes(context.Background(), "crm/users/get", []string{"crm:read"}))

	err := r.CheckScopes(context.Background(), "crm/users/get", []string{"mail:send"})
	require.Error(t, err)
	require.Equal(t, atperr.CodeInsufficientScope, atperr.CodeOf(err))
	require.Equal(t, atperr.KindForbidden, atperr.KindOf(err))
}

func TestSignatureRendering(t *testing.T) {
	r := newTestRegistry(t)
	tool, _ := r.Resolve("crm/users/get")
	require.Equal(t, "api.crm.users.get(args: { id: string }): Promise<any>", Signature(tool))

	free, _ := r.Resolve("email/send")
	require.Equal(t, "api.email.send(args?: Record<string, any>): Promise<any>", Signature(free))
}

func TestRenderDefinitions(t *testing.T) {
	r := newTestRegistry(t)
	out := RenderDefinitions(r)

	require.Contains(t, out, "declare namespace api {")
	require.Contains(t, out, "namespace crm {")
	require.Contains(t, out, "namespace users {")
	require.Contains(t, out, "/** Fetch a CRM user by id */")
	require.Contains(t, out, "function get(args: { id: string }): Promise<any>;")
	require.Contains(t, out, "function send(args?: Record<string, any>): Promise<any>;")
	// Namespaces nest: users appears inside crm.
	require.Less(t, strings.Index(out, "namespace crm"), strings.Index(out, "namespace users"))
}
