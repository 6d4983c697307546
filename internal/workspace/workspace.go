// Package workspace owns the per-job project directories: creating them,
// finding them again, and rendering their contents for prompts and clients.
package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/paths"
)

var ErrNotFound = errors.New("workspace not found")

// Scaffold creates job workspaces under Root.
type Scaffold struct {
	Root string
}

// Name returns the directory name for a job: the sanitized project name
// plus an id suffix. full selects the whole job id instead of its prefix.
func Name(job *api.Job, full bool) string {
	suffix := paths.ShortID(job.ID)
	if full {
		suffix = job.ID
	}
	return paths.SanitizeProjectName(job.ProjectName) + "_" + suffix
}

// Create makes a fresh directory for job and returns its absolute path.
// The short name is tried first; if another job already holds it the full
// job id is used instead. An existing directory is never reused.
func (s Scaffold) Create(job *api.Job) (string, error) {
	if err := paths.ValidateJobID(job.ID); err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	dir := filepath.Join(root, Name(job, false))
	err = os.Mkdir(dir, 0o755)
	if err == nil {
		return dir, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	dir = filepath.Join(root, Name(job, true))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Locate finds the workspace Create made for job. The full-id name wins
// because it only exists when the short name was taken by another job.
func Locate(root string, job *api.Job) (string, error) {
	if err := paths.ValidateJobID(job.ID); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	for _, full := range []bool{true, false} {
		dir := filepath.Join(abs, Name(job, full))
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, nil
		}
	}
	return "", ErrNotFound
}

// skipDir reports directories that never hold project sources.
func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "__pycache__", "node_modules", "venv", "target":
		return true
	}
	return false
}

type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// List returns the visible files of dir with slash-separated relative paths,
// sorted by path.
func List(dir string) ([]File, error) {
	out := []File{}
	err := walk(dir, func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, File{Path: rel, Size: info.Size()})
		return nil
	})
	return out, err
}

// walk visits visible entries of dir in lexical order, skipping hidden
// entries and cache directories.
func walk(dir string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if d.IsDir() && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), d)
	})
}

// Snapshot renders the tree of dir for a modification prompt. Text files
// smaller than inlineLimit bytes are inlined; other files are listed with
// their size only.
func Snapshot(dir string, inlineLimit int) (string, error) {
	var b strings.Builder
	b.WriteString("CURRENT WORKSPACE STRUCTURE:\n\n")
	b.WriteString(filepath.Base(dir) + "/\n")
	err := walk(dir, func(rel string, d fs.DirEntry) error {
		depth := strings.Count(rel, "/") + 1
		indent := strings.Repeat("  ", depth)
		if d.IsDir() {
			fmt.Fprintf(&b, "%s%s/\n", indent, d.Name())
			return nil
		}
		info, err := d.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s%s\n", indent, d.Name())
			return nil
		}
		if info.Size() < int64(inlineLimit) {
			content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
			if err == nil && utf8.Valid(content) {
				fmt.Fprintf(&b, "\n--- FILE: %s ---\n%s", rel, content)
				if len(content) > 0 && content[len(content)-1] != '\n' {
					b.WriteByte('\n')
				}
				b.WriteString("--- END FILE ---\n\n")
				return nil
			}
		}
		fmt.Fprintf(&b, "%s%s (%d bytes)\n", indent, d.Name(), info.Size())
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// ReadFile reads one file of the workspace. rel must stay inside dir.
func ReadFile(dir, rel string) ([]byte, error) {
	if err := paths.ValidateRelPath(rel); err != nil {
		return nil, err
	}
	p, err := paths.SafeJoin(dir, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Archive writes every visible file of dir into a zip stream.
func Archive(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := walk(dir, func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		defer f.Close()
		dst, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Deflate})
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
