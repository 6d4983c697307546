// Package fenced extracts fenced code blocks from model output and writes
// them into a workspace.
//
// A block opens with a line starting with three backticks followed by a
// header whose first token names the target file:
//
//	```src/main.py python
//	print("hi")
//	```
//
// The block closes at the first line that is exactly three backticks, give
// or take surrounding whitespace. Blocks left open at the end of the text
// are dropped.
package fenced

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/throw-if-null/forge/internal/paths"
)

const delim = "```"

type Block struct {
	// Header is the raw text after the opening delimiter, trimmed.
	Header string
	// Path is the first token of Header; empty when the header is blank.
	Path string
	// Lang is the optional second token of Header.
	Lang string
	Body string
}

// Parse returns the complete blocks of text in order of appearance.
func Parse(text string) []Block {
	var out []Block
	var cur *Block
	var body strings.Builder

	for _, line := range strings.SplitAfter(text, "\n") {
		bare := strings.TrimSpace(line)
		if cur == nil {
			if !strings.HasPrefix(strings.TrimLeft(line, " \t"), delim) {
				continue
			}
			header := strings.TrimSpace(strings.TrimLeft(line, " \t")[len(delim):])
			cur = &Block{Header: header}
			if fields := strings.Fields(header); len(fields) > 0 {
				cur.Path = fields[0]
				if len(fields) > 1 {
					cur.Lang = fields[1]
				}
			}
			body.Reset()
			continue
		}
		if bare == delim {
			cur.Body = body.String()
			out = append(out, *cur)
			cur = nil
			continue
		}
		body.WriteString(line)
	}
	return out
}

// Rejection records a block that named an unsafe target.
type Rejection struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type Result struct {
	// Written holds the workspace-relative, slash-separated paths written,
	// in the order first seen.
	Written []string
	// Skipped counts blocks with a blank header.
	Skipped int
	// Rejected lists blocks whose path would leave the workspace or collide
	// with an existing directory or file.
	Rejected []Rejection
}

// Apply writes every block of text into root, overwriting existing files
// and creating parent directories as needed. Unsafe targets are reported in
// Result.Rejected and never touch the filesystem. The returned error is
// reserved for I/O failures.
func Apply(root, text string) (Result, error) {
	var res Result
	seen := map[string]bool{}
	for _, b := range Parse(text) {
		if b.Path == "" {
			res.Skipped++
			continue
		}
		if err := paths.ValidateRelPath(b.Path); err != nil {
			res.Rejected = append(res.Rejected, Rejection{Path: b.Path, Reason: err.Error()})
			continue
		}
		rel := path.Clean(filepath.ToSlash(strings.ReplaceAll(b.Path, `\`, "/")))
		if rel == "." {
			res.Rejected = append(res.Rejected, Rejection{Path: b.Path, Reason: "path names the workspace root"})
			continue
		}
		full, err := paths.SafeJoin(root, filepath.FromSlash(rel))
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Path: b.Path, Reason: err.Error()})
			continue
		}
		if reason, err := conflict(root, rel); err != nil {
			return res, err
		} else if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Path: b.Path, Reason: reason})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return res, fmt.Errorf("create parent of %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(b.Body), 0o644); err != nil {
			return res, fmt.Errorf("write %s: %w", rel, err)
		}
		if !seen[rel] {
			seen[rel] = true
			res.Written = append(res.Written, rel)
		}
	}
	return res, nil
}

// conflict reports why rel cannot be written as a regular file under root:
// a parent that exists but is not a directory, or a target that is one.
// Missing components are fine; they are created on write.
func conflict(root, rel string) (string, error) {
	segs := strings.Split(rel, "/")
	cur := root
	for i, seg := range segs {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", rel, err)
		}
		last := i == len(segs)-1
		switch {
		case last && fi.IsDir():
			return "target is a directory", nil
		case !last && !fi.IsDir():
			return fmt.Sprintf("parent %s is not a directory", strings.Join(segs[:i+1], "/")), nil
		}
	}
	return "", nil
}
