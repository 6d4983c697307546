// Package architect asks the model for a structured code review of a
// workspace and turns the verdict into instructions for the fixer.
package architect

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/throw-if-null/forge/internal/chunk"
	"github.com/throw-if-null/forge/internal/llm"
)

const systemPrompt = `You are a senior software architect and code reviewer with expertise in finding bugs, architectural issues, and code quality problems.

Your role is to thoroughly review code and provide SPECIFIC, ACTIONABLE feedback:

1. **Bug Detection**: Find syntax errors, logic bugs, runtime errors, edge cases
2. **Architecture Review**: Check design patterns, modularity, maintainability
3. **Code Quality**: Identify code smells, best practices violations, security issues
4. **Test Coverage**: Ensure tests are comprehensive and meaningful

OUTPUT FORMAT (JSON):
{
  "has_issues": true/false,
  "severity": "critical" | "major" | "minor" | "none",
  "issues": [
    {
      "file": "path/to/file.py",
      "line": 42,
      "type": "bug" | "architecture" | "quality" | "test",
      "severity": "critical" | "major" | "minor",
      "description": "Specific problem description",
      "fix": "Exact steps to fix this issue"
    }
  ],
  "summary": "Overall assessment and recommendations"
}

Be thorough but concise. Focus on REAL issues, not stylistic preferences.
If the code is production-ready, return has_issues: false.`

// degradedSummaryChars bounds the raw reply kept when it is not a review.
const degradedSummaryChars = 500

var skipDirs = map[string]bool{
	".git":          true,
	"__pycache__":   true,
	"node_modules":  true,
	"venv":          true,
	".venv":         true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	".pytest_cache": true,
	".mypy_cache":   true,
}

var codeExts = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".go": true, ".rs": true,
}

type Review struct {
	HasIssues bool    `json:"has_issues"`
	Severity  string  `json:"severity"`
	Issues    []Issue `json:"issues"`
	Summary   string  `json:"summary"`
	// Degraded is set when the reply could not be read as a review.
	Degraded bool `json:"degraded,omitempty"`
}

type Issue struct {
	File        string `json:"file"`
	Line        Line   `json:"line"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Fix         string `json:"fix"`
}

// Line is an issue location as reported by the model: a number, a string
// such as "12-14", or nothing.
type Line string

func (l *Line) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*l = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*l = Line(str)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*l = Line(n.String())
	}
	return nil
}

func (l Line) MarshalJSON() ([]byte, error) {
	if l == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.Atoi(string(l)); err == nil {
		return []byte(strconv.Itoa(n)), nil
	}
	return json.Marshal(string(l))
}

type Options struct {
	MaxInputChars  int
	MaxReplyTokens int
}

type Reviewer struct {
	provider llm.Provider
	opts     Options
}

func New(provider llm.Provider, opts Options) *Reviewer {
	return &Reviewer{provider: provider, opts: opts}
}

// Review reviews the code files under root. A workspace without code gets
// a clean verdict without consulting the model. Only transport failures
// are returned as errors; an unreadable reply yields a degraded verdict.
func (r *Reviewer) Review(ctx context.Context, root string) (Review, error) {
	files, err := collect(root)
	if err != nil {
		return Review{}, fmt.Errorf("collect code files: %w", err)
	}
	if len(files) == 0 {
		return Review{Severity: "none", Issues: []Issue{}, Summary: "No code files found to review"}, nil
	}

	reply, err := r.provider.Complete(ctx, systemPrompt, buildPrompt(files, r.opts.MaxInputChars), r.opts.MaxReplyTokens)
	if err != nil {
		return Review{}, fmt.Errorf("architect review: %w", err)
	}
	return Parse(reply), nil
}

type codeFile struct {
	path    string
	content string
}

func collect(root string) ([]codeFile, error) {
	var out []codeFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !codeExts[filepath.Ext(d.Name())] {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil || !utf8.Valid(b) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, codeFile{path: filepath.ToSlash(rel), content: string(b)})
		return nil
	})
	return out, err
}

func buildPrompt(files []codeFile, limit int) string {
	var b strings.Builder
	b.WriteString("# CODE REVIEW REQUEST\n\n")
	for _, f := range files {
		fmt.Fprintf(&b, "## File: %s\n```\n%s\n```\n\n", f.path, f.content)
	}
	prompt := b.String()
	if cut := chunk.Truncate(prompt, limit); len(cut) < len(prompt) {
		return cut + "\n... (truncated)"
	}
	return prompt
}

// review mirrors Review with has_issues optional so that a missing verdict
// can be told apart from a clean one.
type review struct {
	HasIssues *bool   `json:"has_issues"`
	Severity  string  `json:"severity"`
	Issues    []Issue `json:"issues"`
	Summary   string  `json:"summary"`
}

// Parse reads a model reply as a review. A surrounding markdown fence or
// leading prose is tolerated; anything else produces a degraded verdict
// that still counts as having issues.
func Parse(reply string) Review {
	for _, candidate := range candidates(reply) {
		var rv review
		if err := json.Unmarshal([]byte(candidate), &rv); err != nil || rv.HasIssues == nil {
			continue
		}
		out := Review{HasIssues: *rv.HasIssues, Severity: rv.Severity, Issues: rv.Issues, Summary: rv.Summary}
		if out.Issues == nil {
			out.Issues = []Issue{}
		}
		if out.Severity == "" {
			out.Severity = "unknown"
			if !out.HasIssues {
				out.Severity = "none"
			}
		}
		return out
	}
	return Review{
		HasIssues: true,
		Severity:  "unknown",
		Issues:    []Issue{},
		Summary:   chunk.Truncate(reply, degradedSummaryChars),
		Degraded:  true,
	}
}

func candidates(reply string) []string {
	s := strings.TrimSpace(reply)
	out := []string{s}
	if strings.HasPrefix(s, "```") {
		body := s[3:]
		if i := strings.IndexByte(body, '\n'); i >= 0 {
			body = body[i+1:]
		}
		body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
		out = append(out, body)
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		out = append(out, s[i:j+1])
	}
	return out
}

// FormatForFixer renders findings as instructions for the fixer. Clean
// reviews render as "".
func FormatForFixer(r Review) string {
	if !r.HasIssues {
		return ""
	}
	var b strings.Builder
	b.WriteString("# AI ARCHITECT REVIEW FINDINGS\n\n")
	fmt.Fprintf(&b, "**Severity**: %s\n", orDefault(r.Severity, "unknown"))
	fmt.Fprintf(&b, "**Summary**: %s\n\n", orDefault(r.Summary, "Issues found"))

	if len(r.Issues) == 0 {
		b.WriteString("## Review Notes:\n\n")
		b.WriteString("The AI Architect flagged issues but did not provide structured details.\n")
		b.WriteString("Review the summary above carefully and address all mentioned problems.\n\n")
		b.WriteString("**Important**: Fix all issues mentioned in the summary, paying special attention to:\n")
		b.WriteString("- Syntax errors and runtime bugs\n")
		b.WriteString("- Logic errors and edge cases\n")
		b.WriteString("- Code quality and best practices\n")
		b.WriteString("- Test coverage gaps\n\n")
		return b.String()
	}

	b.WriteString("## Specific Issues to Fix:\n\n")
	for i, is := range r.Issues {
		fmt.Fprintf(&b, "### Issue %d: %s\n", i+1, orDefault(is.Description, "Unknown issue"))
		fmt.Fprintf(&b, "- **File**: %s\n", orDefault(is.File, "unknown"))
		fmt.Fprintf(&b, "- **Line**: %s\n", orDefault(string(is.Line), "N/A"))
		fmt.Fprintf(&b, "- **Type**: %s\n", orDefault(is.Type, "unknown"))
		fmt.Fprintf(&b, "- **Severity**: %s\n", orDefault(is.Severity, "unknown"))
		fmt.Fprintf(&b, "- **Fix**: %s\n\n", orDefault(is.Fix, "No fix provided"))
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
