package architect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	reply string
	err   error
	calls int
	user  string
}

func (f *fakeProvider) Complete(_ context.Context, _, user string, _ int) (string, error) {
	f.calls++
	f.user = user
	return f.reply, f.err
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestReview_NoCodeFilesSkipsModel(t *testing.T) {
	root := t.TempDir()
	write(t, root, "README.md", "# hi")
	write(t, root, "node_modules/x/index.js", "module.exports = 1")

	p := &fakeProvider{}
	rv, err := New(p, Options{MaxInputChars: 1000}).Review(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, p.calls)
	assert.False(t, rv.HasIssues)
	assert.Equal(t, "none", rv.Severity)
	assert.Equal(t, "No code files found to review", rv.Summary)
	assert.Equal(t, "", FormatForFixer(rv))
}

func TestReview_PromptListsCodeFiles(t *testing.T) {
	root := t.TempDir()
	write(t, root, "main.py", "print(1)")
	write(t, root, "tests/test_main.py", "def test(): pass")
	write(t, root, "__pycache__/main.py", "stale")
	write(t, root, "notes.txt", "not code")

	p := &fakeProvider{reply: `{"has_issues": false, "severity": "none", "issues": [], "summary": "ok"}`}
	rv, err := New(p, Options{MaxInputChars: 10_000}).Review(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, rv.HasIssues)
	assert.Equal(t, 1, p.calls)
	assert.True(t, strings.HasPrefix(p.user, "# CODE REVIEW REQUEST\n\n"))
	assert.Contains(t, p.user, "## File: main.py\n```\nprint(1)\n```\n\n")
	assert.Contains(t, p.user, "## File: tests/test_main.py\n")
	assert.NotContains(t, p.user, "stale")
	assert.NotContains(t, p.user, "not code")
}

func TestReview_TruncatesPrompt(t *testing.T) {
	root := t.TempDir()
	write(t, root, "big.py", strings.Repeat("x = 1\n", 500))

	p := &fakeProvider{reply: `{"has_issues": false}`}
	_, err := New(p, Options{MaxInputChars: 100}).Review(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p.user, "\n... (truncated)"))
	assert.Equal(t, 100+len("\n... (truncated)"), len(p.user))
}

func TestReview_TransportErrorPropagates(t *testing.T) {
	root := t.TempDir()
	write(t, root, "main.go", "package main")
	boom := errors.New("connection refused")
	_, err := New(&fakeProvider{err: boom}, Options{}).Review(context.Background(), root)
	assert.ErrorIs(t, err, boom)
}

func TestParse_Structured(t *testing.T) {
	reply := "```json\n" + `{
  "has_issues": true,
  "severity": "major",
  "issues": [
    {"file": "calc.py", "line": 12, "type": "bug", "severity": "major", "description": "Division by zero", "fix": "Guard the divisor"},
    {"file": "calc.py", "line": "20-22", "type": "test", "severity": "minor", "description": "No edge tests", "fix": "Add tests"},
    {"file": "calc.py", "line": null, "type": "quality", "severity": "minor", "description": "Naming", "fix": "Rename"}
  ],
  "summary": "Needs work"
}` + "\n```"
	rv := Parse(reply)
	require.False(t, rv.Degraded)
	assert.True(t, rv.HasIssues)
	assert.Equal(t, "major", rv.Severity)
	require.Len(t, rv.Issues, 3)
	assert.Equal(t, Line("12"), rv.Issues[0].Line)
	assert.Equal(t, Line("20-22"), rv.Issues[1].Line)
	assert.Equal(t, Line(""), rv.Issues[2].Line)

	out := FormatForFixer(rv)
	assert.Contains(t, out, "# AI ARCHITECT REVIEW FINDINGS")
	assert.Contains(t, out, "**Severity**: major")
	assert.Contains(t, out, "**Summary**: Needs work")
	assert.Contains(t, out, "## Specific Issues to Fix:")
	assert.Contains(t, out, "### Issue 1: Division by zero\n- **File**: calc.py\n- **Line**: 12\n")
	assert.Contains(t, out, "### Issue 3: Naming\n- **File**: calc.py\n- **Line**: N/A\n")
	assert.NotContains(t, out, "## Review Notes:")
}

func TestParse_Degraded(t *testing.T) {
	reply := "I think the code looks mostly fine but " + strings.Repeat("blah ", 200)
	rv := Parse(reply)
	assert.True(t, rv.Degraded)
	assert.True(t, rv.HasIssues)
	assert.Equal(t, "unknown", rv.Severity)
	assert.Empty(t, rv.Issues)
	assert.Equal(t, reply[:500], rv.Summary)

	out := FormatForFixer(rv)
	assert.Contains(t, out, "**Severity**: unknown")
	assert.Contains(t, out, "**Summary**: I think the code")
	assert.Contains(t, out, "## Review Notes:")
}

func TestParse_MissingHasIssuesIsDegraded(t *testing.T) {
	rv := Parse(`{"severity": "none", "summary": "fine"}`)
	assert.True(t, rv.Degraded)
	assert.True(t, rv.HasIssues)
}

func TestParse_ProseAroundJSON(t *testing.T) {
	rv := Parse("Here is my review:\n{\"has_issues\": false, \"summary\": \"clean\"}\nThanks")
	assert.False(t, rv.Degraded)
	assert.False(t, rv.HasIssues)
	assert.Equal(t, "none", rv.Severity)
}

func TestLineMarshal(t *testing.T) {
	b, err := json.Marshal(Issue{File: "a.py", Line: "7"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"line":7`)
	b, err = json.Marshal(Issue{File: "a.py"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"line":null`)
}
