package workspace

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/paths"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCreateUsesSanitizedNameAndShortID(t *testing.T) {
	root := t.TempDir()
	job := &api.Job{ID: "0123456789abcdef0123456789abcdef", ProjectName: "My Calculator"}

	dir, err := Scaffold{Root: root}.Create(job)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Base(dir) != "My_Calculator_01234567" {
		t.Fatalf("unexpected workspace name %q", filepath.Base(dir))
	}
	if !filepath.IsAbs(dir) {
		t.Fatalf("expected absolute path, got %q", dir)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("workspace not created: %v", err)
	}
}

func TestCreateFallsBackToFullIDOnCollision(t *testing.T) {
	root := t.TempDir()
	a := &api.Job{ID: "01234567aaaaaaaa", ProjectName: "app"}
	b := &api.Job{ID: "01234567bbbbbbbb", ProjectName: "app"}

	da, err := Scaffold{Root: root}.Create(a)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	writeFile(t, da, "main.py", "print('a')\n")

	db, err := Scaffold{Root: root}.Create(b)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if da == db {
		t.Fatalf("second job reused the first workspace")
	}
	if filepath.Base(db) != "app_01234567bbbbbbbb" {
		t.Fatalf("unexpected fallback name %q", filepath.Base(db))
	}
	if _, err := os.Stat(filepath.Join(db, "main.py")); !os.IsNotExist(err) {
		t.Fatalf("fallback workspace should be empty")
	}

	// Locate resolves each job to its own directory.
	if got, err := Locate(root, a); err != nil || got != da {
		t.Fatalf("locate a: got %q, %v", got, err)
	}
	if got, err := Locate(root, b); err != nil || got != db {
		t.Fatalf("locate b: got %q, %v", got, err)
	}

	// A third colliding job cannot be placed once both names are taken.
	if _, err := (Scaffold{Root: root}).Create(b); err == nil {
		t.Fatalf("expected error when both names exist")
	}
}

func TestCreateRejectsBadJobID(t *testing.T) {
	_, err := Scaffold{Root: t.TempDir()}.Create(&api.Job{ID: "../x", ProjectName: "p"})
	if !errors.Is(err, paths.ErrInvalidJobID) {
		t.Fatalf("expected ErrInvalidJobID, got %v", err)
	}
}

func TestLocateMissing(t *testing.T) {
	_, err := Locate(t.TempDir(), &api.Job{ID: "abcdef0123", ProjectName: "p"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotInlinesSmallFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "print('hi')\n")
	writeFile(t, dir, "pkg/util.py", "X = 1")
	writeFile(t, dir, "big.txt", strings.Repeat("z", 50))
	writeFile(t, dir, ".env", "SECRET=1")
	writeFile(t, dir, "__pycache__/main.cpython.pyc", "junk")
	writeFile(t, dir, ".git/HEAD", "ref")

	snap, err := Snapshot(dir, 20)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !strings.Contains(snap, "--- FILE: main.py ---\nprint('hi')\n--- END FILE ---") {
		t.Fatalf("small file not inlined:\n%s", snap)
	}
	if !strings.Contains(snap, "--- FILE: pkg/util.py ---\nX = 1\n--- END FILE ---") {
		t.Fatalf("nested file not inlined:\n%s", snap)
	}
	if !strings.Contains(snap, "big.txt (50 bytes)") {
		t.Fatalf("large file not summarized:\n%s", snap)
	}
	for _, hidden := range []string{"SECRET", "__pycache__", "HEAD"} {
		if strings.Contains(snap, hidden) {
			t.Fatalf("snapshot leaked %q:\n%s", hidden, snap)
		}
	}
}

func TestListAndReadFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.py", "b")
	writeFile(t, dir, "a/c.py", "cc")
	writeFile(t, dir, ".hidden", "x")

	files, err := List(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Path != "a/c.py" || files[0].Size != 2 || files[1].Path != "b.py" {
		t.Fatalf("unexpected listing %+v", files)
	}

	b, err := ReadFile(dir, "a/c.py")
	if err != nil || string(b) != "cc" {
		t.Fatalf("read: %q, %v", b, err)
	}
	if _, err := ReadFile(dir, "../outside"); !errors.Is(err, paths.ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "print(1)\n")
	writeFile(t, dir, "tests/test_main.py", "def test(): pass\n")
	writeFile(t, dir, ".git/config", "x")

	var buf bytes.Buffer
	if err := Archive(dir, &buf); err != nil {
		t.Fatalf("archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("zip reader: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "main.py,tests/test_main.py" {
		t.Fatalf("unexpected archive entries %v", names)
	}
}
