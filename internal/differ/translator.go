package differ

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wI2L/jsondiff"
)

var verbs = map[string]string{
	jsondiff.OperationAdd:     "Set %[2]s.",
	jsondiff.OperationRemove:  "Removed %[2]s.",
	jsondiff.OperationReplace: "Changed %[2]s.",
	jsondiff.OperationMove:    "Moved %[1]s to %[2]s.",
	jsondiff.OperationCopy:    "Copied %[1]s to %[2]s.",
}

// Translate turns a patch on a Kubernetes object into short sentences for
// reviewers, in patch order without repeats. Test operations say nothing.
func Translate(patch jsondiff.Patch) []string {
	var out []string
	for _, op := range patch {
		format, ok := verbs[op.Type]
		if !ok {
			continue
		}
		line := fmt.Sprintf(format, fieldName(op.From), fieldName(op.Path))
		if !slices.Contains(out, line) {
			out = append(out, line)
		}
	}
	return out
}

// fieldName keeps the last two meaningful pointer segments, skipping list
// indexes: /spec/template/spec/containers/0/securityContext/privileged
// becomes securityContext.privileged
func fieldName(path string) string {
	if path == "" || path == "/" {
		return "object"
	}
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		p = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
		if p == "" || isIndex(p) {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return "object"
	}
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, ".")
}

func isIndex(s string) bool {
	if s == "-" {
		return true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
