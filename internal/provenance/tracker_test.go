package provenance

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atp/internal/shared/canonjson"
)

var testSecret = []byte(strings.Repeat("p", 32))

func TestNewTrackerRejectsWeakSecret(t *testing.T) {
	_, err := NewTracker([]byte("weak"), Config{})
	require.Error(t, err)
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	tracker, err := NewTracker(testSecret, Config{})
	require.NoError(t, err)

	value := map[string]any{"email": "a@b", "ssn": "123-45-6789"}
	tokens, labels, err := tracker.IssueForValue("cli_"+strings.Repeat("0", 32), "exec-1", value,
		Label{SourceKind: SourceTool, ToolName: "crm/getUser"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, tokens)

	// Whole object plus both leaves get labels.
	require.GreaterOrEqual(t, len(labels), 3)

	ssnDigest, err := canonjson.Digest("123-45-6789")
	require.NoError(t, err)
	label, ok := labels[ssnDigest]
	require.True(t, ok)
	require.Equal(t, SourceTool, label.SourceKind)
	require.Equal(t, "crm/getUser", label.ToolName)

	// Every issued token verifies back on the same session.
	for _, issued := range tokens {
		digest, label, err := tracker.VerifyHint("cli_"+strings.Repeat("0", 32), issued.Token)
		require.NoError(t, err)
		require.NotEmpty(t, digest)
		require.Equal(t, SourceTool, label.SourceKind)
	}
}

func TestVerifyHintRejectsOtherSession(t *testing.T) {
	tracker, err := NewTracker(testSecret, Config{})
	require.NoError(t, err)

	tokens, _, err := tracker.IssueForValue("cli_aaa", "exec-1", "secret", Label{SourceKind: SourceTool}, nil)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	_, _, err = tracker.VerifyHint("cli_bbb", tokens[0].Token)
	require.Error(t, err)
}

func TestVerifyHintRejectsTampering(t *testing.T) {
	tracker, err := NewTracker(testSecret, Config{})
	require.NoError(t, err)

	tokens, _, err := tracker.IssueForValue("cli_aaa", "exec-1", "secret", Label{SourceKind: SourceTool}, nil)
	require.NoError(t, err)

	raw := tokens[0].Token
	flipped := strings.Replace(raw, raw[:1], "x", 1)
	_, _, err = tracker.VerifyHint("cli_aaa", flipped)
	require.Error(t, err)

	_, _, err = tracker.VerifyHint("cli_aaa", "not-a-token")
	require.Error(t, err)
}

func TestVerifyHintRejectsExpired(t *testing.T) {
	tracker, err := NewTracker(testSecret, Config{TokenTTL: time.Second})
	require.NoError(t, err)

	tokens, _, err := tracker.IssueForValue("cli_aaa", "exec-1", "v", Label{SourceKind: SourceLLM}, nil)
	require.NoError(t, err)

	tracker.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, _, err = tracker.VerifyHint("cli_aaa", tokens[0].Token)
	require.Error(t, err)
}

func TestIssuanceCap(t *testing.T) {
	tracker, err := NewTracker(testSecret, Config{})
	require.NoError(t, err)

	budget := NewBudget(2)
	value := []any{"a", "b", "c", "d"}
	tokens, labels, err := tracker.IssueForValue("cli_aaa", "exec-1", value, Label{SourceKind: SourceTool}, budget)
	require.NoError(t, err)

	require.Len(t, tokens, 2, "issuance stops at the budget")
	require.True(t, budget.Exhausted())

	unknown := 0
	for _, label := range labels {
		if label.SourceKind == SourceUnknown {
			unknown++
		}
	}
	require.Equal(t, len(labels)-2, unknown, "past the cap values label as unknown")
}

func TestMerge(t *testing.T) {
	user := Label{SourceKind: SourceUser}
	tool := Label{SourceKind: SourceTool, ToolName: "crm/getUser"}
	llm := Label{SourceKind: SourceLLM}

	require.Equal(t, SourceUser, Merge().SourceKind)
	require.Equal(t, SourceUser, Merge(user, user).SourceKind)
	require.Equal(t, SourceTool, Merge(user, tool).SourceKind)

	merged := Merge(tool, llm)
	require.Equal(t, SourceDerived, merged.SourceKind)
	require.Equal(t, "crm/getUser", merged.ToolName)

	// Same source twice stays that source.
	require.Equal(t, SourceTool, Merge(tool, tool).SourceKind)
}
