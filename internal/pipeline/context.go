// Package pipeline implements the commit hook pipeline: diff context
// build, the size gate with its audited bypass, pre/post/async hooks, the
// validator phase, and sink fan-out on a background executor.
package pipeline

import (
	"encoding/json"
	"sort"

	"ontogate/pkg/errors"
	"ontogate/pkg/types"
)

// BuildDiffContext derives the pipeline view of one commit: the serialized
// diff size and the affected @type / @id sets collected by a recursive walk
// of the diff. When no snapshots are given the diff itself becomes the
// after image, so commits introducing new content audit as CREATE.
func BuildDiffContext(meta types.CommitMeta, diff, before, after map[string]interface{}) (*types.DiffContext, error) {
	if _, _, _, err := meta.BranchParts(); err != nil {
		return nil, errors.New(errors.CodeContextInvalid, "pipeline", "build_context", err.Error())
	}

	raw, err := json.Marshal(diff)
	if err != nil {
		return nil, errors.New(errors.CodeContextInvalid, "pipeline", "build_context",
			"diff is not serializable").Wrap(err)
	}

	if before == nil && after == nil && len(diff) > 0 {
		after = diff
	}

	typeSet := make(map[string]struct{})
	idSet := make(map[string]struct{})
	collectRefs(diff, typeSet, idSet)

	return &types.DiffContext{
		Meta:          meta,
		Diff:          diff,
		Before:        before,
		After:         after,
		AffectedTypes: sortedKeys(typeSet),
		AffectedIDs:   sortedKeys(idSet),
		DiffSizeBytes: len(raw),
	}, nil
}

// collectRefs walks nested maps and slices, gathering every string value
// stored under the @type and @id keys.
func collectRefs(node interface{}, typeSet, idSet map[string]struct{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if s, ok := val.(string); ok {
				switch key {
				case "@type":
					typeSet[s] = struct{}{}
				case "@id":
					idSet[s] = struct{}{}
				}
			}
			collectRefs(val, typeSet, idSet)
		}
	case []interface{}:
		for _, item := range v {
			collectRefs(item, typeSet, idSet)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
