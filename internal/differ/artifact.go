// Package differ validates and summarizes fixer artifacts: unified diffs
// for IaC files and RFC 6902 JSON patches for cluster objects. Artifacts
// are checked for well-formedness only; their content stays opaque.
package differ

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	"github.com/wI2L/jsondiff"
)

// Kind of artifact
type Kind string

const (
	KindUnifiedDiff Kind = "unified_diff"
	KindJSONPatch   Kind = "json_patch"
)

// ErrEmpty is returned for an empty artifact
var ErrEmpty = errors.New("artifact is empty")

// Summary of a valid artifact
type Summary struct {
	Kind       Kind     `json:"kind"`
	Files      []string `json:"files,omitempty"`
	Added      int      `json:"added,omitempty"`
	Deleted    int      `json:"deleted,omitempty"`
	Operations []string `json:"operations,omitempty"`
}

// Detect the artifact kind from its first byte
func Detect(artifact []byte) Kind {
	trimmed := bytes.TrimSpace(artifact)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return KindJSONPatch
	}
	return KindUnifiedDiff
}

// Validator checks artifacts before they are committed
type Validator interface {
	Validate(artifact []byte) (*Summary, error)
}

// DefaultValidator accepts both kinds
type DefaultValidator struct{}

func (DefaultValidator) Validate(artifact []byte) (*Summary, error) {
	return Validate(artifact)
}

// Validate parses artifact according to its detected kind
func Validate(artifact []byte) (*Summary, error) {
	if len(bytes.TrimSpace(artifact)) == 0 {
		return nil, ErrEmpty
	}
	switch Detect(artifact) {
	case KindJSONPatch:
		return validatePatch(artifact)
	default:
		return validateUnified(artifact)
	}
}

func validateUnified(artifact []byte) (*Summary, error) {
	fds, err := diff.ParseMultiFileDiff(artifact)
	if err != nil {
		return nil, fmt.Errorf("invalid unified diff: %w", err)
	}
	if len(fds) == 0 {
		return nil, errors.New("invalid unified diff: no file headers")
	}

	s := &Summary{Kind: KindUnifiedDiff}
	for _, fd := range fds {
		name := strings.TrimPrefix(fd.NewName, "b/")
		if fd.NewName == "/dev/null" {
			name = strings.TrimPrefix(fd.OrigName, "a/")
		}
		if name == "" {
			return nil, errors.New("invalid unified diff: file without a name")
		}
		if len(fd.Hunks) == 0 {
			return nil, fmt.Errorf("invalid unified diff: %s has no hunks", name)
		}
		stat := fd.Stat()
		s.Added += int(stat.Added + stat.Changed)
		s.Deleted += int(stat.Deleted + stat.Changed)
		s.Files = append(s.Files, name)
	}
	return s, nil
}

var validOps = map[string]bool{
	jsondiff.OperationAdd:     true,
	jsondiff.OperationRemove:  true,
	jsondiff.OperationReplace: true,
	jsondiff.OperationMove:    true,
	jsondiff.OperationCopy:    true,
	jsondiff.OperationTest:    true,
}

func validatePatch(artifact []byte) (*Summary, error) {
	var patch jsondiff.Patch
	if err := json.Unmarshal(artifact, &patch); err != nil {
		return nil, fmt.Errorf("invalid json patch: %w", err)
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("invalid json patch: %w", ErrEmpty)
	}
	for i, op := range patch {
		if !validOps[op.Type] {
			return nil, fmt.Errorf("invalid json patch: operation %d: unknown op %q", i, op.Type)
		}
		if op.Path != "" && !strings.HasPrefix(op.Path, "/") {
			return nil, fmt.Errorf("invalid json patch: operation %d: path %q is not a JSON pointer", i, op.Path)
		}
		if (op.Type == jsondiff.OperationMove || op.Type == jsondiff.OperationCopy) && op.From == "" {
			return nil, fmt.Errorf("invalid json patch: operation %d: %s requires from", i, op.Type)
		}
	}
	return &Summary{Kind: KindJSONPatch, Operations: Translate(patch)}, nil
}
