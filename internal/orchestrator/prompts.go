package orchestrator

import (
	"fmt"
	"strings"

	"github.com/throw-if-null/forge/internal/api"
)

const plannerPrompt = `You are a senior software architect. Plan the tasks, files and tests for the project described by the user.
Output JSON with keys: files[], tests[], steps[].
All test files MUST live in a tests/ directory at the project root. Keep the plan compact.`

const coderPrompt = `You are a senior developer. Implement the project files using a conventional project layout.

RULES:
1. ALL test files go in the tests/ directory at the project root.
2. Use real relative file paths such as src/main.py or tests/test_main.py, never placeholders.
3. Reply with one fenced code block per file. The text after the opening backticks is the file path:

` + "```" + `src/main.py
<full file content>
` + "```" + `

` + "```" + `tests/test_main.py
<full test content>
` + "```"

const modifierPrompt = `You are a senior developer making an incremental change to an existing codebase.

You get the conversation so far, the current workspace and a new request.
1. Read the current files.
2. Make ONLY the changes the new request asks for.
3. Reply with fenced code blocks for ONLY the files you add or change, each with its complete new content:

` + "```" + `path/to/file.py
<complete updated file content>
` + "```" + `

Do not repeat files that need no change.`

const fixerPrompt = `You are a senior maintainer. You get review findings and/or failing test output for a project.
Reply ONLY with fenced code blocks, one per file you change, the file path after the opening backticks, each with the complete new file content.
Test fixes go in the tests/ directory.`

const truncatedMarker = "\n... (truncated)"

func generationPrompt(chunk, plan string) string {
	return "SPEC CHUNK:\n" + chunk + "\n\nPLAN:\n" + plan
}

// modificationPrompt renders history, snapshot and request into one prompt.
// History is included verbatim, oldest first.
func modificationPrompt(history []api.Message, snapshot, request string) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("CONVERSATION HISTORY:\n\n")
		for _, m := range history {
			label := "USER"
			if m.Role == api.RoleAssistant {
				label = "ASSISTANT"
			}
			fmt.Fprintf(&b, "%s: %s\n\n", label, m.Content)
		}
	}
	b.WriteString(snapshot)
	b.WriteString("\n\nNEW USER REQUEST:\n")
	b.WriteString(request)
	b.WriteString("\n\nMake ONLY the changes needed to fulfill this request. Output fenced code blocks for modified or new files only.")
	return b.String()
}

// fixPrompt combines architect findings and the failing test payload. Each
// part is bounded separately so that neither can crowd out the other.
func fixPrompt(findings, testFailure string, limit int) string {
	var parts []string
	if findings != "" {
		parts = append(parts, truncate(findings, limit))
	}
	if testFailure != "" {
		parts = append(parts, "# FAILING TEST OUTPUT\n\n"+truncate(testFailure, limit))
	}
	return strings.Join(parts, "\n\n")
}
