package api

import "encoding/json"

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// rank orders statuses along queued -> running -> {succeeded|failed}.
func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a forward step.
func (s JobStatus) CanTransition(next JobStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

type LogKind string

const (
	LogStatus    LogKind = "status"
	LogPlan      LogKind = "plan"
	LogFile      LogKind = "file"
	LogTest      LogKind = "test"
	LogArchitect LogKind = "architect"
	LogError     LogKind = "error"
)

func (k LogKind) Valid() bool {
	switch k {
	case LogStatus, LogPlan, LogFile, LogTest, LogArchitect, LogError:
		return true
	default:
		return false
	}
}

type Mode string

const (
	ModeCreate Mode = "create"
	ModeModify Mode = "modify"
)

type Job struct {
	ID          string          `json:"id"`
	ProjectName string          `json:"project_name"`
	Stack       string          `json:"stack"`
	Spec        string          `json:"spec"`
	MaxIters    int             `json:"max_iters"`
	Status      JobStatus       `json:"status"`
	Mode        Mode            `json:"mode"`
	ProjectID   string          `json:"project_id,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	Report      json.RawMessage `json:"report"`
	Logs        []LogEntry      `json:"logs,omitempty"`
}

type LogEntry struct {
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Kind      LogKind         `json:"type"`
	Content   json.RawMessage `json:"content"`
}

// FileLog is the content of a LogFile entry.
type FileLog struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type CreateJobRequest struct {
	ProjectName string `json:"project_name"`
	Stack       string `json:"stack,omitempty"`
	Spec        string `json:"spec"`
	MaxIters    int    `json:"max_iters,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Mode        Mode   `json:"mode,omitempty"`
}

type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WorkspacePath string `json:"workspace_path"`
	CreatedAt     string `json:"created_at"`
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	JobID     string `json:"job_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ErrorReport is the terminal report of a job aborted by an error.
type ErrorReport struct {
	Error string `json:"error"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8787
)
