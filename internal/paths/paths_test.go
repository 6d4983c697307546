package paths_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/throw-if-null/forge/internal/paths"
)

func TestValidateJobIDGood(t *testing.T) {
	good := []string{"job-1", "a", "0f3c9a7e2b5d4c1e8f6a9b0c1d2e3f4a", "A_b-C"}
	for _, s := range good {
		if err := paths.ValidateJobID(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateJobIDBad(t *testing.T) {
	bad := []string{"", "a/b", "a\\b", "../x", "a.b", "/abs", "C:\\x", "a b", "toolongtoolongtoolongtoolongtoolongtoolongtoolongtoolongtoolongtoolong"}
	for _, s := range bad {
		if err := paths.ValidateJobID(s); err == nil {
			t.Fatalf("expected invalid for %q", s)
		}
	}
}

func TestSanitizeProjectName(t *testing.T) {
	cases := map[string]string{
		"my app":          "my_app",
		"  Reverse CLI ":  "Reverse_CLI",
		"../../etc":       "etc",
		"a/b\\c":          "abc",
		"":                "project",
		"///":             "project",
		".hidden":         "hidden",
		"v1..2":           "v1.2",
		"tool: the best!": "tool_the_best",
	}
	for in, want := range cases {
		if got := paths.SanitizeProjectName(in); got != want {
			t.Fatalf("SanitizeProjectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRelPath(t *testing.T) {
	good := []string{"main.py", "src/app/main.go", "tests/test_main.py", "./a.txt", "a..b/c"}
	for _, p := range good {
		if err := paths.ValidateRelPath(p); err != nil {
			t.Fatalf("expected %q safe, got %v", p, err)
		}
	}
	bad := []string{"", "   ", "/etc/passwd", "../x", "a/../../x", "a/..", `..\x`, `\abs`, "C:/x", `C:\x`}
	for _, p := range bad {
		err := paths.ValidateRelPath(p)
		if err == nil {
			t.Fatalf("expected %q rejected", p)
		}
		if !errors.Is(err, paths.ErrUnsafePath) {
			t.Fatalf("expected ErrUnsafePath for %q, got %v", p, err)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	got, err := paths.SafeJoin(root, "src/main.py")
	if err != nil {
		t.Fatalf("safe join: %v", err)
	}
	if got != filepath.Join(root, "src", "main.py") {
		t.Fatalf("unexpected join result %q", got)
	}
	if _, err := paths.SafeJoin(root, "../outside"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	if _, err := paths.SafeJoin(root, "/abs"); err == nil {
		t.Fatalf("expected absolute path to be rejected")
	}
	if _, err := paths.SafeJoin("", "x"); err == nil {
		t.Fatalf("expected empty root to be rejected")
	}
}

func TestShortID(t *testing.T) {
	if got := paths.ShortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("unexpected short id %q", got)
	}
	if got := paths.ShortID("abc"); got != "abc" {
		t.Fatalf("unexpected short id %q", got)
	}
}
