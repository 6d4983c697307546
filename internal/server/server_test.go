package server_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/server"
	"github.com/throw-if-null/forge/internal/store"
	"github.com/throw-if-null/forge/internal/workspace"
)

type fixture struct {
	store *store.Store
	root  string
	ts    *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	td, err := os.MkdirTemp("", "forge-server-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	s, err := store.Open(filepath.Join(td, "forge.db"))
	if err != nil {
		os.RemoveAll(td)
		t.Fatalf("open store: %v", err)
	}
	root := filepath.Join(td, "workspaces")
	ts := httptest.NewServer(server.New(s, root, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		os.RemoveAll(td)
	})
	return &fixture{store: s, root: root, ts: ts}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	res, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

// builtJob creates a job and a workspace holding files.
func (f *fixture) builtJob(t *testing.T, files map[string]string) *api.Job {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), &api.CreateJobRequest{ProjectName: "rev cli", Spec: "reverse"})
	require.NoError(t, err)
	dir, err := workspace.Scaffold{Root: f.root}.Create(job)
	require.NoError(t, err)
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	f := setup(t)

	res := f.post(t, "/v1/jobs", api.CreateJobRequest{ProjectName: "rev", Spec: "build a CLI that reverses a string"})
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	var created api.Job
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	assert.Equal(t, api.StatusQueued, created.Status)
	assert.Equal(t, "python", created.Stack)
	assert.Equal(t, api.ModeCreate, created.Mode)

	res = f.get(t, "/v1/jobs/"+created.ID)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got api.Job
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "build a CLI that reverses a string", got.Spec)
}

func TestCreateJobValidation(t *testing.T) {
	f := setup(t)

	cases := []struct {
		name string
		body any
		code int
	}{
		{"missing spec", api.CreateJobRequest{ProjectName: "x"}, http.StatusBadRequest},
		{"missing name", api.CreateJobRequest{Spec: "x"}, http.StatusBadRequest},
		{"bad mode", api.CreateJobRequest{ProjectName: "x", Spec: "y", Mode: "delete"}, http.StatusBadRequest},
		{"negative iters", api.CreateJobRequest{ProjectName: "x", Spec: "y", MaxIters: -1}, http.StatusBadRequest},
		{"modify without project", api.CreateJobRequest{ProjectName: "x", Spec: "y", Mode: api.ModeModify}, http.StatusBadRequest},
		{"unknown project", api.CreateJobRequest{ProjectName: "x", Spec: "y", ProjectID: "nope"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.post(t, "/v1/jobs", tc.body)
			assert.Equal(t, tc.code, res.StatusCode)
		})
	}

	res, err := http.Post(f.ts.URL+"/v1/jobs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListJobs(t *testing.T) {
	f := setup(t)
	for i := 1; i <= 3; i++ {
		res := f.post(t, "/v1/jobs", api.CreateJobRequest{ProjectName: fmt.Sprintf("p%d", i), Spec: "s"})
		require.Equal(t, http.StatusAccepted, res.StatusCode)
	}

	var jobs []api.Job
	res := f.get(t, "/v1/jobs")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&jobs))
	require.Len(t, jobs, 3)
	assert.Equal(t, "p3", jobs[0].ProjectName)

	res = f.get(t, "/v1/jobs?limit=2")
	require.NoError(t, json.NewDecoder(res.Body).Decode(&jobs))
	assert.Len(t, jobs, 2)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs?limit=x").StatusCode)
}

func TestListJobsEmptyIsArray(t *testing.T) {
	f := setup(t)
	res := f.get(t, "/v1/jobs")
	b, _ := io.ReadAll(res.Body)
	assert.Equal(t, "[]\n", string(b))
}

func TestGetJobErrors(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/jobs/missing").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs/bad.id").StatusCode)
}

func TestLogsCursor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job, err := f.store.CreateJob(ctx, &api.CreateJobRequest{ProjectName: "p", Spec: "s"})
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, f.store.AppendLog(ctx, job.ID, api.LogStatus, msg))
	}

	res := f.get(t, "/v1/jobs/"+job.ID+"/logs")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "queued", res.Header.Get("X-Forge-Job-Status"))
	var all []api.LogEntry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&all))
	require.Len(t, all, 3)

	res = f.get(t, fmt.Sprintf("/v1/jobs/%s/logs?after=%d", job.ID, all[0].Seq))
	var rest []api.LogEntry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rest))
	require.Len(t, rest, 2)
	assert.JSONEq(t, `"two"`, string(rest[0].Content))

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs/"+job.ID+"/logs?after=-1").StatusCode)
}

func TestFilesEndpoints(t *testing.T) {
	f := setup(t)
	job := f.builtJob(t, map[string]string{
		"src/main.py":        "print('hi')\n",
		"tests/test_main.py": "def test(): pass\n",
	})

	res := f.get(t, "/v1/jobs/"+job.ID+"/files")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var files []workspace.File
	require.NoError(t, json.NewDecoder(res.Body).Decode(&files))
	require.Len(t, files, 2)
	assert.Equal(t, "src/main.py", files[0].Path)

	res = f.get(t, "/v1/jobs/"+job.ID+"/files/src/main.py")
	require.Equal(t, http.StatusOK, res.StatusCode)
	b, _ := io.ReadAll(res.Body)
	assert.Equal(t, "print('hi')\n", string(b))

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/jobs/"+job.ID+"/files/nope.py").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/jobs/"+job.ID+"/files/..%5Csecret").StatusCode)
}

func TestFilesWithoutWorkspace(t *testing.T) {
	f := setup(t)
	job, err := f.store.CreateJob(context.Background(), &api.CreateJobRequest{ProjectName: "p", Spec: "s"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/jobs/"+job.ID+"/files").StatusCode)
}

func TestCreateJobOnBuiltProjectConflicts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p, err := f.store.CreateProject(ctx, "rev")
	require.NoError(t, err)

	res := f.post(t, "/v1/jobs", api.CreateJobRequest{ProjectName: "rev", Spec: "first", ProjectID: p.ID})
	assert.Equal(t, http.StatusAccepted, res.StatusCode, "project without workspace accepts create")

	require.NoError(t, f.store.SetProjectWorkspace(ctx, p.ID, filepath.Join(f.root, "rev-1")))
	res = f.post(t, "/v1/jobs", api.CreateJobRequest{ProjectName: "rev", Spec: "again", ProjectID: p.ID})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = f.post(t, "/v1/jobs", api.CreateJobRequest{ProjectName: "rev", Spec: "change", Mode: api.ModeModify, ProjectID: p.ID})
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestModifyJobUsesProjectWorkspace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first := f.builtJob(t, map[string]string{"app.py": "v1\n"})
	dir, err := workspace.Locate(f.root, first)
	require.NoError(t, err)

	p, err := f.store.CreateProject(ctx, "rev")
	require.NoError(t, err)
	require.NoError(t, f.store.SetProjectWorkspace(ctx, p.ID, dir))
	mod, err := f.store.CreateJob(ctx, &api.CreateJobRequest{ProjectName: "rev", Spec: "change", Mode: api.ModeModify, ProjectID: p.ID})
	require.NoError(t, err)

	res := f.get(t, "/v1/jobs/"+mod.ID+"/files/app.py")
	require.Equal(t, http.StatusOK, res.StatusCode)
	b, _ := io.ReadAll(res.Body)
	assert.Equal(t, "v1\n", string(b))
}

func TestExportZip(t *testing.T) {
	f := setup(t)
	job := f.builtJob(t, map[string]string{"a.txt": "A", "dir/b.txt": "B"})

	res := f.get(t, "/v1/jobs/"+job.ID+"/export")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/zip", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	got := map[string]string{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		b, _ := io.ReadAll(rc)
		rc.Close()
		got[zf.Name] = string(b)
	}
	assert.Equal(t, map[string]string{"a.txt": "A", "dir/b.txt": "B"}, got)
}

func TestProjectsAndMessages(t *testing.T) {
	f := setup(t)

	res := f.post(t, "/v1/projects", api.CreateProjectRequest{Name: "chat"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var p api.Project
	require.NoError(t, json.NewDecoder(res.Body).Decode(&p))
	assert.Equal(t, "chat", p.Name)
	assert.Empty(t, p.WorkspacePath)

	res = f.get(t, "/v1/projects/"+p.ID)
	require.Equal(t, http.StatusOK, res.StatusCode)

	ctx := context.Background()
	require.NoError(t, f.store.AddMessage(ctx, p.ID, api.RoleUser, "make it", ""))
	require.NoError(t, f.store.AddMessage(ctx, p.ID, api.RoleAssistant, "done", ""))

	res = f.get(t, "/v1/projects/"+p.ID+"/messages")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var msgs []api.Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, api.RoleUser, msgs[0].Role)
	assert.Equal(t, "done", msgs[1].Content)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/projects/missing").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/projects", api.CreateProjectRequest{}).StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)
	res := f.get(t, "/healthz")
	b, _ := io.ReadAll(res.Body)
	assert.Equal(t, "ok", string(b))

	res = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, res.StatusCode)
	b, _ = io.ReadAll(res.Body)
	assert.Contains(t, string(b), "go_goroutines")
}
