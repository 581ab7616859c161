package runner

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
		wantErr bool
	}{
		{
			name:    "simple command",
			command: "conftest test --output json plan.json",
			want:    []string{"conftest", "test", "--output", "json", "plan.json"},
		},
		{
			name:    "quoted argument",
			command: `tf-fixer --root "infra/prod env"`,
			want:    []string{"tf-fixer", "--root", "infra/prod env"},
		},
		{
			name:    "single quoted",
			command: `sh -c 'echo []'`,
			want:    []string{"sh", "-c", "echo []"},
		},
		{
			name:    "backslash escaped space",
			command: `fixer path\ with\ spaces arg2`,
			want:    []string{"fixer", "path with spaces", "arg2"},
		},
		{
			name:    "escaped quote in double quotes",
			command: `echo "say \"hello\""`,
			want:    []string{"echo", `say "hello"`},
		},
		{
			name:    "backslash literal in single quotes",
			command: `echo 'a\b'`,
			want:    []string{"echo", `a\b`},
		},
		{name: "empty command", command: "", wantErr: true},
		{name: "only spaces", command: "   ", wantErr: true},
		{name: "unclosed quote", command: `fixer "unclosed`, wantErr: true},
		{name: "trailing backslash", command: `fixer arg\`, wantErr: true},
		{name: "pipe", command: "conftest test plan.json | jq .", wantErr: true},
		{name: "chained", command: "terraform show && conftest test", wantErr: true},
		{name: "backtick", command: "fixer `whoami`", wantErr: true},
		{
			name:    "empty quoted argument",
			command: `fixer --label ""`,
			want:    []string{"fixer", "--label", ""},
		},
		{
			name:    "quotes joined to bare text",
			command: `fixer --name="prod cluster"`,
			want:    []string{"fixer", "--name=prod cluster"},
		},
		{
			name:    "pipe without spaces stays one word",
			command: "fixer a|b",
			want:    []string{"fixer", "a|b"},
		},
		{name: "redirect", command: "conftest test plan.json > out.json", wantErr: true},
		{name: "escaped operator", command: `fixer \| jq`, want: []string{"fixer", "|", "jq"}},
		{
			name:    "operator inside quotes",
			command: `sh -c 'cat plan.json | conftest test -'`,
			want:    []string{"sh", "-c", "cat plan.json | conftest test -"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDefaultRunner_StdinAndStdout(t *testing.T) {
	requireSh(t)
	r := &DefaultRunner{}
	out, _, err := r.Run(context.Background(), Command{
		Argv:  []string{"sh", "-c", "cat"},
		Stdin: []byte(`{"ok":true}`),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("stdout = %q", out)
	}
}

func TestDefaultRunner_ExitError(t *testing.T) {
	requireSh(t)
	r := &DefaultRunner{}
	_, _, err := r.Run(context.Background(), Command{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 || exitErr.Stderr != "boom\n" {
		t.Errorf("unexpected exit error: %+v", exitErr)
	}
}

func TestDefaultRunner_Timeout(t *testing.T) {
	requireSh(t)
	r := &DefaultRunner{}
	_, _, err := r.Run(context.Background(), Command{
		Argv:    []string{"sh", "-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestDefaultRunner_EmptyCommand(t *testing.T) {
	if _, _, err := (&DefaultRunner{}).Run(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty argv")
	}
}
