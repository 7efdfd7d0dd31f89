// Package provenance tracks where values came from. Every value inside the
// sandbox carries a label; tool returns are labeled at the boundary and
// signed provenance tokens let a later execution on the same session
// re-associate a re-supplied value with its original label.
package provenance

// SourceKind classifies a value's origin.
type SourceKind string

const (
	SourceUser     SourceKind = "user"
	SourceTool     SourceKind = "tool"
	SourceLLM      SourceKind = "llm"
	SourceApproval SourceKind = "approval"
	SourceDerived  SourceKind = "derived"
	// SourceUnknown marks values past the per-execution issuance cap.
	SourceUnknown SourceKind = "unknown"
)

// Label describes a single value's origin.
type Label struct {
	SourceKind SourceKind `json:"source_kind"`
	ToolName   string     `json:"tool_name,omitempty"`
	Digest     string     `json:"digest,omitempty"`
}

// Zero reports whether the label carries no information.
func (l Label) Zero() bool { return l.SourceKind == "" }

// Merge combines labels from operands of a derived expression. A single
// non-user label wins outright; mixing distinct tainted sources yields a
// derived label that keeps the first tool name for policy context.
func Merge(labels ...Label) Label {
	var out Label
	for _, l := range labels {
		if l.Zero() || l.SourceKind == SourceUser {
			continue
		}
		if out.Zero() {
			out = l
			out.Digest = ""
			continue
		}
		if out.SourceKind != l.SourceKind || out.ToolName != l.ToolName {
			merged := Label{SourceKind: SourceDerived, ToolName: out.ToolName}
			if merged.ToolName == "" {
				merged.ToolName = l.ToolName
			}
			out = merged
		}
	}
	if out.Zero() {
		return Label{SourceKind: SourceUser}
	}
	return out
}

// Mode selects how labels propagate through program expressions.
type Mode string

const (
	// ModeNone disables tracking entirely.
	ModeNone Mode = "none"
	// ModeProxy wraps tool returns; property access and container reads
	// keep labels, but string concatenation and template literals lose
	// them. This is the documented proxy-mode limitation.
	ModeProxy Mode = "proxy"
	// ModeAST instruments every value-producing expression, so derived
	// strings keep their labels too.
	ModeAST Mode = "ast"
)

// ParseMode normalizes a config string, defaulting to none.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeProxy:
		return ModeProxy
	case ModeAST:
		return ModeAST
	default:
		return ModeNone
	}
}
