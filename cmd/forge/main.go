package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/forge/internal/api"
	"github.com/throw-if-null/forge/internal/version"
)

func main() {
	client := &http.Client{Timeout: 30 * time.Second}
	os.Exit(run(os.Args[1:], client, defaultBaseURL(), os.Stdout, os.Stderr))
}

func defaultBaseURL() string {
	if v := os.Getenv("FORGE_ADDR"); v != "" {
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return v
		}
		return "http://" + v
	}
	return fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
}

// run executes one CLI invocation and returns the process exit code.
func run(args []string, httpClient *http.Client, baseURL string, stdout, stderr io.Writer) int {
	c := &client{http: httpClient, base: strings.TrimRight(baseURL, "/"), out: stdout}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func newRootCmd(c *client) *cobra.Command {
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Submit and inspect forged builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.base, "addr", c.base, "forged base URL")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err.Error()}
	})
	root.AddCommand(
		submitCmd(c),
		statusCmd(c),
		listCmd(c),
		logsCmd(c),
		filesCmd(c),
		exportCmd(c),
		projectCmd(c),
		&cobra.Command{
			Use:   "version",
			Short: "Print the client version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "forge %s (%s)\n", version.Version, version.Commit)
			},
		},
	)
	return root
}

func submitCmd(c *client) *cobra.Command {
	var req api.CreateJobRequest
	var specFile string
	var modify bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a build job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if specFile != "" {
				b, err := os.ReadFile(specFile)
				if err != nil {
					return err
				}
				req.Spec = string(b)
			}
			if req.ProjectName == "" || strings.TrimSpace(req.Spec) == "" {
				return usageError{"submit requires --name and --spec or --spec-file"}
			}
			if modify {
				if req.ProjectID == "" {
					return usageError{"--modify requires --project"}
				}
				req.Mode = api.ModeModify
			}
			var job api.Job
			if err := c.postJSON("/v1/jobs", &req, &job); err != nil {
				return err
			}
			fmt.Fprintln(c.out, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProjectName, "name", "", "project name")
	cmd.Flags().StringVar(&req.Spec, "spec", "", "specification text")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "read the specification from a file")
	cmd.Flags().StringVar(&req.Stack, "stack", "", "target stack (python, go, node, rust)")
	cmd.Flags().IntVar(&req.MaxIters, "max-iters", 0, "fix loop budget (0 = daemon default)")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id for conversational builds")
	cmd.Flags().BoolVar(&modify, "modify", false, "modify the project's existing workspace")
	return cmd
}

func statusCmd(c *client) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := c.get("/v1/jobs/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if asJSON {
				_, err := c.out.Write(body)
				return err
			}
			var job api.Job
			if err := json.Unmarshal(body, &job); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "job %s\n", job.ID)
			fmt.Fprintf(c.out, "  project: %s (%s, %s)\n", job.ProjectName, job.Stack, job.Mode)
			fmt.Fprintf(c.out, "  status:  %s\n", job.Status)
			fmt.Fprintf(c.out, "  created: %s\n", job.CreatedAt)
			fmt.Fprintf(c.out, "  logs:    %d entries\n", len(job.Logs))
			if len(job.Report) > 0 && string(job.Report) != "null" {
				fmt.Fprintf(c.out, "  report:  %s\n", compact(job.Report))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw job document")
	return cmd
}

func listCmd(c *client) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/jobs"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			body, _, err := c.get(path)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := c.out.Write(body)
				return err
			}
			var jobs []api.Job
			if err := json.Unmarshal(body, &jobs); err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(c.out, "%s  %-9s  %-6s  %s\n", j.ID, j.Status, j.Mode, j.ProjectName)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func logsCmd(c *client) *cobra.Command {
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's build log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var after int64
			for {
				path := fmt.Sprintf("/v1/jobs/%s/logs?after=%d", url.PathEscape(args[0]), after)
				body, hdr, err := c.get(path)
				if err != nil {
					return err
				}
				var entries []api.LogEntry
				if err := json.Unmarshal(body, &entries); err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(c.out, "%s [%s] %s\n", e.Timestamp, e.Kind, render(e))
					after = e.Seq
				}
				if !follow || api.JobStatus(hdr.Get("X-Forge-Job-Status")).Terminal() {
					return nil
				}
				time.Sleep(interval)
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func filesCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "files <job-id> [path]",
		Short: "List a job's workspace, or print one file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				body, _, err := c.get("/v1/jobs/" + url.PathEscape(args[0]) + "/files/" + args[1])
				if err != nil {
					return err
				}
				_, err = c.out.Write(body)
				return err
			}
			body, _, err := c.get("/v1/jobs/" + url.PathEscape(args[0]) + "/files")
			if err != nil {
				return err
			}
			var files []struct {
				Path string `json:"path"`
				Size int64  `json:"size"`
			}
			if err := json.Unmarshal(body, &files); err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintf(c.out, "%8d  %s\n", f.Size, f.Path)
			}
			return nil
		},
	}
}

func exportCmd(c *client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Download a job's workspace as a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _, err := c.get("/v1/jobs/" + url.PathEscape(args[0]) + "/export")
			if err != nil {
				return err
			}
			if output == "" {
				output = args[0] + ".zip"
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "wrote %s (%d bytes)\n", output, len(body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <job-id>.zip)")
	return cmd
}

func projectCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage conversational projects",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var p api.Project
				if err := c.postJSON("/v1/projects", &api.CreateProjectRequest{Name: args[0]}, &p); err != nil {
					return err
				}
				fmt.Fprintln(c.out, p.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "messages <project-id>",
			Short: "Print a project's conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body, _, err := c.get("/v1/projects/" + url.PathEscape(args[0]) + "/messages")
				if err != nil {
					return err
				}
				var msgs []api.Message
				if err := json.Unmarshal(body, &msgs); err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(c.out, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
				}
				return nil
			},
		},
	)
	return cmd
}

// render turns a log entry's content into one display line.
func render(e api.LogEntry) string {
	if e.Kind == api.LogFile {
		var f api.FileLog
		if err := json.Unmarshal(e.Content, &f); err == nil {
			return fmt.Sprintf("%s (%d bytes)", f.Path, len(f.Content))
		}
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return compact(e.Content)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

type client struct {
	http *http.Client
	base string
	out  io.Writer
}

func (c *client) get(path string) ([]byte, http.Header, error) {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, resp.Header, nil
}

func (c *client) postJSON(path string, in, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
