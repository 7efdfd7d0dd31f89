package policy

import (
	"context"
	"fmt"
	"strings"

	"atp/internal/provenance"
)

// Argument names treated as destinations for data leaving the system.
var defaultDestinationArgs = []string{
	"to", "recipient", "recipients", "destination", "dest", "target",
	"url", "uri", "endpoint", "address", "email", "webhook", "channel",
}

// Tool path fragments that mark a tool as external-sending.
var defaultSendFragments = []string{
	"send", "email", "post", "publish", "upload", "notify", "webhook", "forward",
}

// ExfiltrationOptions configures the exfiltration-prevention policy.
type ExfiltrationOptions struct {
	// SendTools explicitly lists external-sending tool paths. Empty falls
	// back to fragment matching on the tool path.
	SendTools []string
	// DestinationArgs overrides the destination argument name set.
	DestinationArgs []string
}

type exfiltrationPolicy struct {
	sendTools map[string]bool
	destArgs  map[string]bool
}

// NewExfiltrationPrevention blocks tool-labeled values from appearing in
// destination-ish arguments of external-sending tools. This is the policy
// behind the classic "fetch the user's SSN, mail it out" demo.
func NewExfiltrationPrevention(opts ExfiltrationOptions) Policy {
	p := &exfiltrationPolicy{
		sendTools: toSet(opts.SendTools),
		destArgs:  toSet(opts.DestinationArgs),
	}
	if len(p.destArgs) == 0 {
		p.destArgs = toSet(defaultDestinationArgs)
	}
	return p
}

func (p *exfiltrationPolicy) ID() string { return "exfiltration-prevention" }

func (p *exfiltrationPolicy) Description() string {
	return "blocks tool-derived values from being sent out via external-sending tools"
}

func (p *exfiltrationPolicy) Evaluate(_ context.Context, input Input) Action {
	if !p.isSendTool(input.Tool) || input.Lookup == nil {
		return Log()
	}
	// A tainted destination or a tainted payload on a send tool both count:
	// the payload is what leaks, the destination is who chose the target.
	for name, value := range input.Args {
		label, ok := lookupDeep(input.Lookup, value)
		if !ok {
			continue
		}
		if label.SourceKind != provenance.SourceTool && label.SourceKind != provenance.SourceDerived {
			continue
		}
		if p.destArgs[strings.ToLower(name)] || isPayloadArg(name) {
			return Block(fmt.Sprintf(
				"argument %q of %s carries %s-labeled data (from %s); outbound use blocked",
				name, input.Tool, label.SourceKind, label.ToolName))
		}
	}
	return Log()
}

func (p *exfiltrationPolicy) isSendTool(tool string) bool {
	lower := strings.ToLower(tool)
	if len(p.sendTools) > 0 {
		return p.sendTools[lower]
	}
	for _, fragment := range defaultSendFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func isPayloadArg(name string) bool {
	switch strings.ToLower(name) {
	case "body", "content", "message", "text", "payload", "data":
		return true
	}
	return false
}

// UserOriginOptions configures the user-origin requirement policy.
type UserOriginOptions struct {
	// CriticalTools lists tool paths that demand user-labeled arguments.
	CriticalTools []string
	// CriticalArgs names the arguments that must be user-originated.
	// Empty means every argument.
	CriticalArgs []string
}

type userOriginPolicy struct {
	tools map[string]bool
	args  map[string]bool
}

// NewUserOriginRequirement requires that critical operations receive
// arguments the user actually typed, not values a tool or model produced.
func NewUserOriginRequirement(opts UserOriginOptions) Policy {
	return &userOriginPolicy{tools: toSet(opts.CriticalTools), args: toSet(opts.CriticalArgs)}
}

func (p *userOriginPolicy) ID() string { return "user-origin-requirement" }

func (p *userOriginPolicy) Description() string {
	return "critical operations require user-labeled arguments"
}

func (p *userOriginPolicy) Evaluate(_ context.Context, input Input) Action {
	if len(p.tools) > 0 && !p.tools[strings.ToLower(input.Tool)] {
		return Log()
	}
	if len(p.tools) == 0 && input.OperationType != "destructive" {
		return Log()
	}
	if input.Lookup == nil {
		return Log()
	}
	for name, value := range input.Args {
		if len(p.args) > 0 && !p.args[strings.ToLower(name)] {
			continue
		}
		label, ok := lookupDeep(input.Lookup, value)
		if !ok {
			continue
		}
		if label.SourceKind != provenance.SourceUser && label.SourceKind != provenance.SourceApproval {
			return Block(fmt.Sprintf(
				"argument %q of %s must be user-originated, got %s", name, input.Tool, label.SourceKind))
		}
	}
	return Log()
}

type llmRecipientPolicy struct {
	destArgs map[string]bool
}

// NewLLMRecipientBlock prevents tool-labeled values from steering an LLM
// call's destination-ish arguments (prompt injection via recipients).
func NewLLMRecipientBlock() Policy {
	return &llmRecipientPolicy{destArgs: toSet(defaultDestinationArgs)}
}

func (p *llmRecipientPolicy) ID() string { return "llm-recipient-block" }

func (p *llmRecipientPolicy) Description() string {
	return "no tool-labeled value may select an LLM call's destination"
}

func (p *llmRecipientPolicy) Evaluate(_ context.Context, input Input) Action {
	if !strings.HasPrefix(input.Tool, "atp/llm/") || input.Lookup == nil {
		return Log()
	}
	for name, value := range input.Args {
		if !p.destArgs[strings.ToLower(name)] {
			continue
		}
		label, ok := lookupDeep(input.Lookup, value)
		if !ok {
			continue
		}
		if label.SourceKind == provenance.SourceTool || label.SourceKind == provenance.SourceDerived {
			return Block(fmt.Sprintf("LLM destination argument %q carries %s-labeled data", name, label.SourceKind))
		}
	}
	return Log()
}

// lookupDeep resolves a label for a value, descending one container level
// so whole-object and extracted-primitive paths both match.
func lookupDeep(lookup LabelLookup, value any) (provenance.Label, bool) {
	if label, ok := lookup(value); ok {
		return label, true
	}
	switch typed := value.(type) {
	case map[string]any:
		for _, child := range typed {
			if label, ok := lookup(child); ok {
				return label, true
			}
		}
	case []any:
		for _, child := range typed {
			if label, ok := lookup(child); ok {
				return label, true
			}
		}
	}
	return provenance.Label{}, false
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[strings.ToLower(trimmed)] = true
		}
	}
	return set
}
