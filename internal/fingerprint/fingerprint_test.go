package fingerprint

import (
	"strings"
	"testing"

	"github.com/policygate/policygate/internal/models"
)

func TestCanonicalize_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"z": 1,
		"a": map[string]any{
			"y": "second",
			"b": "first",
		},
	}

	got, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	want := `{"a":{"b":"first","y":"second"},"z":1}`
	if string(got) != want {
		t.Errorf("Canonicalize = %s, want %s", got, want)
	}
}

func TestCanonicalize_StructUsesTags(t *testing.T) {
	type sample struct {
		Beta  string `json:"beta"`
		Alpha int    `json:"alpha"`
	}

	got, err := Canonicalize(sample{Beta: "b", Alpha: 2})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(got) != `{"alpha":2,"beta":"b"}` {
		t.Errorf("unexpected canonical form: %s", got)
	}
}

func TestCanonicalize_PreservesLargeNumbers(t *testing.T) {
	got, err := Canonicalize(map[string]any{"seq": uint64(18446744073709551615)})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if !strings.Contains(string(got), "18446744073709551615") {
		t.Errorf("large integer lost precision: %s", got)
	}
}

func TestHashJSON_Deterministic(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", "b"}}
	b := map[string]any{"y": []any{"a", "b"}, "x": 1}

	ha, err := HashJSON(a)
	if err != nil {
		t.Fatalf("HashJSON failed: %v", err)
	}
	hb, err := HashJSON(b)
	if err != nil {
		t.Fatalf("HashJSON failed: %v", err)
	}
	if ha != hb {
		t.Errorf("hash differs for equal documents: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, "sha256:") {
		t.Errorf("hash missing prefix: %s", ha)
	}
}

func TestViolationID(t *testing.T) {
	ref := models.ResourceRef{File: "infra/prod/s3.tf", Line: 12}

	id1 := ViolationID(models.SourceCIPlan, "S3_PUBLIC_READ", ref)
	id2 := ViolationID(models.SourceCIPlan, "S3_PUBLIC_READ", ref)
	if id1 != id2 {
		t.Fatalf("ViolationID not stable: %s vs %s", id1, id2)
	}

	tests := []struct {
		name   string
		source models.Source
		rule   string
		ref    models.ResourceRef
	}{
		{"different source", models.SourceClusterAdmission, "S3_PUBLIC_READ", ref},
		{"different rule", models.SourceCIPlan, "S3_NO_ENCRYPTION", ref},
		{"different line", models.SourceCIPlan, "S3_PUBLIC_READ", models.ResourceRef{File: "infra/prod/s3.tf", Line: 13}},
		{"different file", models.SourceCIPlan, "S3_PUBLIC_READ", models.ResourceRef{File: "infra/dev/s3.tf", Line: 12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ViolationID(tt.source, tt.rule, tt.ref); got == id1 {
				t.Errorf("expected a different id, got the same %s", got)
			}
		})
	}
}

func TestCanonicalize_KeepsMarkupCharacters(t *testing.T) {
	got, err := Canonicalize(map[string]any{"reason": "replicas < 2 && tier > 1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"reason":"replicas < 2 && tier > 1"}` {
		t.Errorf("got %s", got)
	}
}
