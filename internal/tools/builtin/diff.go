package builtin

import (
	"context"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffTexts computes a semantic diff between two texts. Each op is one of
// "equal", "insert" or "delete" paired with its text.
func diffTexts(_ context.Context, args map[string]any) (any, error) {
	before, _ := args["before"].(string)
	after, _ := args["after"].(string)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	ops := make([]any, 0, len(diffs))
	inserted, deleted := 0, 0
	for _, d := range diffs {
		var op string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			op = "delete"
			deleted += len(d.Text)
		default:
			op = "equal"
		}
		ops = append(ops, map[string]any{"op": op, "text": d.Text})
	}
	return map[string]any{
		"ops":      ops,
		"inserted": inserted,
		"deleted":  deleted,
		"changed":  inserted > 0 || deleted > 0,
	}, nil
}
