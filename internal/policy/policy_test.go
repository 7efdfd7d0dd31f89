package policy

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"atp/internal/provenance"
)

type stubPolicy struct {
	id     string
	action Action
}

func (p stubPolicy) ID() string                                { return p.id }
func (p stubPolicy) Description() string                       { return p.id }
func (p stubPolicy) Evaluate(context.Context, Input) Action    { return p.action }

func TestEngineFirstNonLogWins(t *testing.T) {
	engine := NewEngine(
		stubPolicy{id: "audit", action: Log()},
		stubPolicy{id: "blocker", action: Block("no")},
		stubPolicy{id: "never-reached", action: Block("other")},
	)
	decision := engine.Evaluate(context.Background(), Input{Tool: "email/send"}, nil)
	require.Equal(t, ActionBlock, decision.Action.Kind)
	require.Equal(t, "blocker", decision.PolicyID)
	require.Equal(t, []string{"audit"}, decision.Logged)
}

func TestEngineAllLog(t *testing.T) {
	engine := NewEngine(stubPolicy{id: "a", action: Log()}, stubPolicy{id: "b", action: Log()})
	decision := engine.Evaluate(context.Background(), Input{Tool: "crm/getUser"}, nil)
	require.Equal(t, ActionLog, decision.Action.Kind)
	require.Equal(t, []string{"a", "b"}, decision.Logged)
}

func TestEngineSubsetSelection(t *testing.T) {
	engine := NewEngine(
		stubPolicy{id: "a", action: Block("from a")},
		stubPolicy{id: "b", action: Block("from b")},
	)
	decision := engine.Evaluate(context.Background(), Input{Tool: "x/y"}, []string{"b"})
	require.Equal(t, "b", decision.PolicyID)
}

func TestEngineSealPanicsOnLateRegistration(t *testing.T) {
	engine := NewEngine()
	engine.Seal()
	require.Panics(t, func() { engine.Register(stubPolicy{id: "late"}) })
}

func lookupFor(labels map[any]provenance.Label) LabelLookup {
	return func(value any) (provenance.Label, bool) {
		if value == nil || !reflect.TypeOf(value).Comparable() {
			return provenance.Label{}, false
		}
		label, ok := labels[value]
		return label, ok
	}
}

func TestExfiltrationPreventionBlocksToolLabeledDestination(t *testing.T) {
	p := NewExfiltrationPrevention(ExfiltrationOptions{})
	ssn := "123-45-6789"
	lookup := lookupFor(map[any]provenance.Label{
		ssn: {SourceKind: provenance.SourceTool, ToolName: "crm/getUser"},
	})

	action := p.Evaluate(context.Background(), Input{
		Tool:   "email/send",
		Args:   map[string]any{"to": "evil@x", "body": ssn},
		Lookup: lookup,
	})
	require.Equal(t, ActionBlock, action.Kind)
	require.Contains(t, action.Reason, "block")
}

func TestExfiltrationPreventionExtractedPrimitiveInsideContainer(t *testing.T) {
	p := NewExfiltrationPrevention(ExfiltrationOptions{})
	secret := "s3cr3t"
	lookup := lookupFor(map[any]provenance.Label{
		secret: {SourceKind: provenance.SourceTool, ToolName: "vault/read"},
	})

	action := p.Evaluate(context.Background(), Input{
		Tool:   "http/post",
		Args:   map[string]any{"payload": map[string]any{"value": secret}},
		Lookup: lookup,
	})
	require.Equal(t, ActionBlock, action.Kind)
}

func TestExfiltrationPreventionIgnoresUserData(t *testing.T) {
	p := NewExfiltrationPrevention(ExfiltrationOptions{})
	lookup := lookupFor(map[any]provenance.Label{
		"hello": {SourceKind: provenance.SourceUser},
	})

	action := p.Evaluate(context.Background(), Input{
		Tool:   "email/send",
		Args:   map[string]any{"to": "friend@x", "body": "hello"},
		Lookup: lookup,
	})
	require.Equal(t, ActionLog, action.Kind)
}

func TestExfiltrationPreventionNonSendToolPasses(t *testing.T) {
	p := NewExfiltrationPrevention(ExfiltrationOptions{})
	secret := "tainted"
	lookup := lookupFor(map[any]provenance.Label{
		secret: {SourceKind: provenance.SourceTool},
	})
	action := p.Evaluate(context.Background(), Input{
		Tool:   "crm/getUser",
		Args:   map[string]any{"query": secret},
		Lookup: lookup,
	})
	require.Equal(t, ActionLog, action.Kind)
}

func TestUserOriginRequirement(t *testing.T) {
	p := NewUserOriginRequirement(UserOriginOptions{CriticalTools: []string{"db/dropTable"}})
	generated := "users"
	lookup := lookupFor(map[any]provenance.Label{
		generated: {SourceKind: provenance.SourceLLM},
	})

	action := p.Evaluate(context.Background(), Input{
		Tool:   "db/dropTable",
		Args:   map[string]any{"table": generated},
		Lookup: lookup,
	})
	require.Equal(t, ActionBlock, action.Kind)

	userTyped := "sandbox"
	lookup = lookupFor(map[any]provenance.Label{
		userTyped: {SourceKind: provenance.SourceUser},
	})
	action = p.Evaluate(context.Background(), Input{
		Tool:   "db/dropTable",
		Args:   map[string]any{"table": userTyped},
		Lookup: lookup,
	})
	require.Equal(t, ActionLog, action.Kind)
}

func TestLLMRecipientBlock(t *testing.T) {
	p := NewLLMRecipientBlock()
	leaked := "attacker@x"
	lookup := lookupFor(map[any]provenance.Label{
		leaked: {SourceKind: provenance.SourceTool, ToolName: "inbox/read"},
	})

	action := p.Evaluate(context.Background(), Input{
		Tool:   "atp/llm/call",
		Args:   map[string]any{"recipient": leaked, "prompt": "hi"},
		Lookup: lookup,
	})
	require.Equal(t, ActionBlock, action.Kind)

	action = p.Evaluate(context.Background(), Input{
		Tool:   "atp/llm/call",
		Args:   map[string]any{"prompt": leaked},
		Lookup: lookup,
	})
	require.Equal(t, ActionLog, action.Kind, "prompt is not a destination argument")
}
