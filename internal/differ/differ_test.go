package differ

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/wI2L/jsondiff"
)

const unified = `--- a/envs/prod/s3.tf
+++ b/envs/prod/s3.tf
@@ -10,3 +10,3 @@ resource "aws_s3_bucket" "logs" {
   bucket = "logs"
-  acl    = "public-read"
+  acl    = "private"
 }
`

func TestValidate_UnifiedDiff(t *testing.T) {
	s, err := Validate([]byte(unified))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if s.Kind != KindUnifiedDiff {
		t.Errorf("Kind = %s", s.Kind)
	}
	if !reflect.DeepEqual(s.Files, []string{"envs/prod/s3.tf"}) {
		t.Errorf("Files = %v", s.Files)
	}
	if s.Added != 1 || s.Deleted != 1 {
		t.Errorf("Added/Deleted = %d/%d, want 1/1", s.Added, s.Deleted)
	}
}

func TestValidate_JSONPatch(t *testing.T) {
	patch := `[
	  {"op": "replace", "path": "/spec/containers/0/securityContext/privileged", "value": false},
	  {"op": "add", "path": "/metadata/labels/owner", "value": "payments"}
	]`
	s, err := Validate([]byte(patch))
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if s.Kind != KindJSONPatch {
		t.Errorf("Kind = %s", s.Kind)
	}
	want := []string{"Changed securityContext.privileged.", "Set labels.owner."}
	if !reflect.DeepEqual(s.Operations, want) {
		t.Errorf("Operations = %v, want %v", s.Operations, want)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
		wantMsg  string
	}{
		{"empty", "  \n", "empty"},
		{"prose", "I fixed the bucket ACL for you.", "unified diff"},
		{"headers without hunks", "--- a/x.tf\n+++ b/x.tf\n", "unified diff"},
		{"broken json", `[{"op": "replace"`, "json patch"},
		{"empty patch", `[]`, "empty"},
		{"unknown op", `[{"op": "upsert", "path": "/a"}]`, "unknown op"},
		{"relative path", `[{"op": "remove", "path": "a/b"}]`, "JSON pointer"},
		{"move without from", `[{"op": "move", "path": "/a"}]`, "requires from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.artifact))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}

	if _, err := Validate(nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("nil artifact: %v", err)
	}
}

func TestTranslate(t *testing.T) {
	patch := jsondiff.Patch{
		{Type: jsondiff.OperationRemove, Path: "/spec/hostNetwork"},
		{Type: jsondiff.OperationRemove, Path: "/spec/hostNetwork"},
		{Type: jsondiff.OperationMove, From: "/metadata/annotations/a~1b", Path: "/metadata/labels/c"},
		{Type: jsondiff.OperationReplace, Path: ""},
		{Type: jsondiff.OperationTest, Path: "/spec"},
	}
	want := []string{
		"Removed spec.hostNetwork.",
		"Moved annotations.a/b to labels.c.",
		"Changed object.",
	}
	if got := Translate(patch); !reflect.DeepEqual(got, want) {
		t.Errorf("Translate() = %v, want %v", got, want)
	}
	if Translate(nil) != nil {
		t.Error("Translate(nil) should be nil")
	}
}
