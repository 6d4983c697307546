package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DataDir   string          `toml:"data_dir"`
	Worker    WorkerConfig    `toml:"worker"`
	Build     BuildConfig     `toml:"build"`
	LLM       LLMConfig       `toml:"llm"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

type WorkerConfig struct {
	PollIntervalMS int `toml:"poll_interval_ms"`
}

type BuildConfig struct {
	MaxIters            int    `toml:"max_iters"`
	MaxInputChars       int    `toml:"max_input_chars"`
	MaxReplyTokens      int    `toml:"max_reply_tokens"`
	ChunkChars          int    `toml:"chunk_chars"`
	SnapshotInlineBytes int    `toml:"snapshot_inline_bytes"`
	Review              *bool  `toml:"review"`
	WorkspaceRoot       string `toml:"workspace_root"`
}

type LLMConfig struct {
	Provider        string  `toml:"provider"`
	OpenAIModel     string  `toml:"openai_model"`
	OpenAIAPIKey    string  `toml:"openai_api_key"`
	LMStudioBaseURL string  `toml:"lmstudio_base_url"`
	LMStudioModel   string  `toml:"lmstudio_model"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	Temperature     float64 `toml:"temperature"`
}

type EvaluatorConfig struct {
	TimeoutSeconds int                 `toml:"timeout_seconds"`
	Commands       map[string][]string `toml:"commands"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	review := true
	return Config{
		Worker: WorkerConfig{PollIntervalMS: 1000},
		Build: BuildConfig{
			MaxIters:            3,
			MaxInputChars:       120_000,
			MaxReplyTokens:      2048,
			ChunkChars:          12_000,
			SnapshotInlineBytes: 2000,
			Review:              &review,
		},
		LLM: LLMConfig{
			Provider:        "auto",
			OpenAIModel:     "gpt-4o-mini",
			LMStudioBaseURL: "http://localhost:1234/v1",
			LMStudioModel:   "gpt-oss-20b",
			TimeoutSeconds:  120,
			Temperature:     0.2,
		},
		Evaluator: EvaluatorConfig{
			TimeoutSeconds: 300,
			Commands: map[string][]string{
				"python": {"python", "-m", "pytest", "-q"},
				"go":     {"go", "test", "./..."},
				"node":   {"npm", "test", "--silent"},
				"rust":   {"cargo", "test", "--quiet"},
			},
		},
		Server: ServerConfig{Addr: "127.0.0.1:8787"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <dataDir>/config.toml over the defaults. A missing file is not
// an error; derived paths (workspace root) are always resolved against dataDir.
func Load(dataDir string) LoadResult {
	res := LoadResult{Config: Default()}
	res.Config.DataDir = dataDir
	path := filepath.Join(dataDir, "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			res.ParseError = err
		}
		res.Config.resolve()
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		res.Config.resolve()
		return res
	}

	res.Config = merge(res.Config, parsed)
	res.Config.resolve()
	return res
}

func (c *Config) resolve() {
	if c.Build.WorkspaceRoot == "" && c.DataDir != "" {
		c.Build.WorkspaceRoot = filepath.Join(c.DataDir, "workspaces")
	}
}

// DBPath is the SQLite database backing the job store.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "forge.db")
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMS) * time.Millisecond
}

func (c Config) ReviewEnabled() bool {
	return c.Build.Review == nil || *c.Build.Review
}

func merge(def Config, cfg Config) Config {
	if cfg.Worker.PollIntervalMS != 0 {
		def.Worker.PollIntervalMS = cfg.Worker.PollIntervalMS
	}
	// Build
	if cfg.Build.MaxIters != 0 {
		def.Build.MaxIters = cfg.Build.MaxIters
	}
	if cfg.Build.MaxInputChars != 0 {
		def.Build.MaxInputChars = cfg.Build.MaxInputChars
	}
	if cfg.Build.MaxReplyTokens != 0 {
		def.Build.MaxReplyTokens = cfg.Build.MaxReplyTokens
	}
	if cfg.Build.ChunkChars != 0 {
		def.Build.ChunkChars = cfg.Build.ChunkChars
	}
	if cfg.Build.SnapshotInlineBytes != 0 {
		def.Build.SnapshotInlineBytes = cfg.Build.SnapshotInlineBytes
	}
	if cfg.Build.Review != nil {
		def.Build.Review = cfg.Build.Review
	}
	if cfg.Build.WorkspaceRoot != "" {
		def.Build.WorkspaceRoot = cfg.Build.WorkspaceRoot
	}
	// LLM
	if cfg.LLM.Provider != "" {
		def.LLM.Provider = cfg.LLM.Provider
	}
	if cfg.LLM.OpenAIModel != "" {
		def.LLM.OpenAIModel = cfg.LLM.OpenAIModel
	}
	if cfg.LLM.OpenAIAPIKey != "" {
		def.LLM.OpenAIAPIKey = cfg.LLM.OpenAIAPIKey
	}
	if cfg.LLM.LMStudioBaseURL != "" {
		def.LLM.LMStudioBaseURL = cfg.LLM.LMStudioBaseURL
	}
	if cfg.LLM.LMStudioModel != "" {
		def.LLM.LMStudioModel = cfg.LLM.LMStudioModel
	}
	if cfg.LLM.TimeoutSeconds != 0 {
		def.LLM.TimeoutSeconds = cfg.LLM.TimeoutSeconds
	}
	if cfg.LLM.Temperature != 0 {
		def.LLM.Temperature = cfg.LLM.Temperature
	}
	// Evaluator: per-stack commands are merged key by key
	if cfg.Evaluator.TimeoutSeconds != 0 {
		def.Evaluator.TimeoutSeconds = cfg.Evaluator.TimeoutSeconds
	}
	for stack, argv := range cfg.Evaluator.Commands {
		if len(argv) != 0 {
			def.Evaluator.Commands[stack] = argv
		}
	}
	if cfg.Server.Addr != "" {
		def.Server.Addr = cfg.Server.Addr
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	def.Telemetry.Insecure = def.Telemetry.Insecure || cfg.Telemetry.Insecure
	if cfg.Log.Level != "" {
		def.Log.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		def.Log.Format = cfg.Log.Format
	}
	return def
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv; tests pass a map-backed func.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("OPENAI_API_KEY", &c.LLM.OpenAIAPIKey)
	str("OPENAI_MODEL", &c.LLM.OpenAIModel)
	str("LMSTUDIO_BASE_URL", &c.LLM.LMStudioBaseURL)
	str("LMSTUDIO_MODEL", &c.LLM.LMStudioModel)
	str("FORGE_LLM_PROVIDER", &c.LLM.Provider)
	str("FORGE_ADDR", &c.Server.Addr)
	str("FORGE_WORKSPACE_ROOT", &c.Build.WorkspaceRoot)
	str("FORGE_LOG_LEVEL", &c.Log.Level)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if v, ok := lookup("FORGE_MAX_ITERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: FORGE_MAX_ITERS=%q", ErrInvalid, v)
		}
		c.Build.MaxIters = n
	}
	return nil
}

// DataDir resolves the writable application directory: FORGE_DATA_DIR when
// set, otherwise ~/.forge.
func DataDir(lookup func(string) (string, bool)) (string, error) {
	if v, ok := lookup("FORGE_DATA_DIR"); ok && v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".forge"), nil
}
