package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Discord   DiscordConfig   `yaml:"discord"`
	Copilot   CopilotConfig   `yaml:"copilot"`
	Status    StatusConfig    `yaml:"status"`
	Session   SessionConfig   `yaml:"session"`
	Projects  ProjectsConfig  `yaml:"projects"`
	GitHub    GitHubConfig    `yaml:"github"`
	AI        AIConfig        `yaml:"ai"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // stdout, file, noop
	Output      string  `yaml:"output"`       // span file for the file exporter
	SampleRatio float64 `yaml:"sample_ratio"` // 0 samples everything
}

// DiscordConfig holds the bot connection settings.
type DiscordConfig struct {
	Token     string  `yaml:"token"`
	GuildID   string  `yaml:"guild_id,omitempty"` // empty registers commands globally
	EditRate  float64 `yaml:"edit_rate"`          // message edits per second per bot
	EditBurst int     `yaml:"edit_burst"`
}

// CopilotConfig holds the code generation CLI settings.
type CopilotConfig struct {
	Executable       string        `yaml:"executable"`
	Flags            []string      `yaml:"flags"`
	PromptFlag       string        `yaml:"prompt_flag"`
	ModelFlag        string        `yaml:"model_flag"`
	Timeout          time.Duration `yaml:"timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	DrainGrace       time.Duration `yaml:"drain_grace"`
}

// StatusConfig holds the live status message settings.
type StatusConfig struct {
	Interval            time.Duration `yaml:"interval"`
	MaxMessageLength    int           `yaml:"max_message_length"`
	MaxTreeLength       int           `yaml:"max_tree_length"`
	MaxOutputLength     int           `yaml:"max_output_length"`
	MaxSummaryLength    int           `yaml:"max_summary_length"`
	PromptPreviewLength int           `yaml:"prompt_preview_length"`
	TreeDepth           int           `yaml:"tree_depth"`
	MaxFilesInline      int           `yaml:"max_files_inline"`
	IgnorePatterns      []string      `yaml:"ignore_patterns,omitempty"`
}

// SessionConfig holds prompt session settings.
type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxPromptLength int           `yaml:"max_prompt_length"` // characters, applies to every build prompt
}

// ProjectsConfig holds workspace settings.
type ProjectsConfig struct {
	Dir              string `yaml:"dir"`
	MaxParallelRuns  int    `yaml:"max_parallel_runs"`
	CleanupAfterPush bool   `yaml:"cleanup_after_push"`
	PromptFile       string `yaml:"prompt_file"`
}

// GitHubConfig holds repository publishing settings.
type GitHubConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Token         string        `yaml:"token"`
	Username      string        `yaml:"username"`
	APIURL        string        `yaml:"api_url"`
	Private       bool          `yaml:"private"`
	Branch        string        `yaml:"branch"`
	GitignorePath string        `yaml:"gitignore_path,omitempty"` // copied into the workspace before push
	GitTimeout    time.Duration `yaml:"git_timeout"`
}

// Configured reports whether publishing can run.
func (g GitHubConfig) Configured() bool {
	return g.Enabled && g.Token != "" && g.Username != ""
}

// AIConfig holds the Azure OpenAI settings.
type AIConfig struct {
	Endpoint              string               `yaml:"endpoint"`
	APIKey                string               `yaml:"api_key"`
	Deployment            string               `yaml:"deployment"`
	APIVersion            string               `yaml:"api_version"`
	MaxTokens             int                  `yaml:"max_tokens"`
	RefinementTemperature float64              `yaml:"refinement_temperature"`
	ExtractionTemperature float64              `yaml:"extraction_temperature"`
	Timeout               time.Duration        `yaml:"timeout"`
	CircuitBreaker        CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Configured reports whether the AI service has everything it needs.
func (a AIConfig) Configured() bool {
	return a.Endpoint != "" && a.APIKey != "" && a.Deployment != ""
}

// CircuitBreakerConfig holds circuit breaker settings for the AI client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PromptsConfig holds the prompt templates. Empty values use built-in defaults.
type PromptsConfig struct {
	CreateProject         string `yaml:"createproject"`
	RefinementSystem      string `yaml:"refinement_system"`
	ExtractionSystem      string `yaml:"extraction_system"`
	Extraction            string `yaml:"extraction"`
	RepositoryName        string `yaml:"repository_name"`
	RepositoryDescription string `yaml:"repository_description"`
}

// SchedulerConfig holds the housekeeping job settings.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SessionSweep    string        `yaml:"session_sweep"`   // cron expression or duration
	WorkspacePrune  string        `yaml:"workspace_prune"` // cron expression or duration; empty disables
	WorkspaceMaxAge time.Duration `yaml:"workspace_max_age"`
}

// HTTPConfig holds the health server settings. An empty Addr disables it.
type HTTPConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultCopilotFlags are passed on every CLI run.
var DefaultCopilotFlags = []string{"--allow-all-paths", "--allow-all-tools", "--allow-all-urls"}

// DefaultCreateProjectPrompt is prepended to every build prompt.
const DefaultCreateProjectPrompt = "Create a complete, working project in the current directory based on the description below. " +
	"Include a README.md explaining how to build and run it."

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
		Discord: DiscordConfig{
			EditRate:  5,
			EditBurst: 5,
		},
		Copilot: CopilotConfig{
			Executable:       "copilot",
			Flags:            append([]string(nil), DefaultCopilotFlags...),
			PromptFlag:       "-p",
			ModelFlag:        "--model",
			Timeout:          30 * time.Minute,
			ProgressInterval: 30 * time.Second,
			KillGrace:        5 * time.Second,
			DrainGrace:       2 * time.Second,
		},
		Status: StatusConfig{
			Interval:            time.Second,
			MaxMessageLength:    2000,
			MaxTreeLength:       600,
			MaxOutputLength:     1000,
			MaxSummaryLength:    400,
			PromptPreviewLength: 200,
			TreeDepth:           4,
			MaxFilesInline:      10,
		},
		Session: SessionConfig{Timeout: 30 * time.Minute, MaxPromptLength: 100000},
		Projects: ProjectsConfig{
			Dir:             "projects",
			MaxParallelRuns: 4,
			PromptFile:      "COPILOT-PROMPT.md",
		},
		GitHub: GitHubConfig{
			APIURL:     "https://api.github.com",
			Private:    true,
			Branch:     "main",
			GitTimeout: 2 * time.Minute,
		},
		AI: AIConfig{
			APIVersion:            "2024-10-21",
			MaxTokens:             2000,
			RefinementTemperature: 0.7,
			ExtractionTemperature: 0.3,
			Timeout:               60 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Prompts: PromptsConfig{CreateProject: DefaultCreateProjectPrompt},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			SessionSweep:    "1m",
			WorkspacePrune:  "0 3 * * *",
			WorkspaceMaxAge: 7 * 24 * time.Hour,
		},
		HTTP: HTTPConfig{RateLimit: 10, RateBurst: 20},
	}
}

// LoadDotEnv loads variables from the given .env files into the environment.
// Variables already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file, applies env var overrides, decrypts
// secrets and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Includes) > 0 {
			if err := applyIncludes(cfg, absPath); err != nil {
				return nil, err
			}
			// The main file wins over anything it includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config (second pass): %w", err)
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("FORGEBOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FORGEBOT_* and the conventional provider variables
// onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&cfg.Logger.Level, "FORGEBOT_LOGGER_LEVEL")
	setString(&cfg.Logger.Format, "FORGEBOT_LOGGER_FORMAT")
	setString(&cfg.Logger.Output, "FORGEBOT_LOGGER_OUTPUT")
	setBool(&cfg.Tracer.Enabled, "FORGEBOT_TRACER_ENABLED")
	setString(&cfg.Tracer.Exporter, "FORGEBOT_TRACER_EXPORTER")
	setString(&cfg.Tracer.Output, "FORGEBOT_TRACER_OUTPUT")

	setString(&cfg.Discord.Token, "FORGEBOT_DISCORD_TOKEN", "DISCORD_BOT_TOKEN")
	setString(&cfg.Discord.GuildID, "FORGEBOT_DISCORD_GUILD_ID")

	setString(&cfg.Copilot.Executable, "FORGEBOT_COPILOT_EXECUTABLE")
	if v := os.Getenv("FORGEBOT_COPILOT_FLAGS"); v != "" {
		cfg.Copilot.Flags = strings.Fields(v)
	}
	setDuration(&cfg.Copilot.Timeout, "FORGEBOT_COPILOT_TIMEOUT")

	setDuration(&cfg.Session.Timeout, "FORGEBOT_SESSION_TIMEOUT")
	setInt(&cfg.Session.MaxPromptLength, "FORGEBOT_SESSION_MAX_PROMPT_LENGTH")
	setString(&cfg.Projects.Dir, "FORGEBOT_PROJECTS_DIR")
	setInt(&cfg.Projects.MaxParallelRuns, "FORGEBOT_PROJECTS_MAX_PARALLEL_RUNS")
	setBool(&cfg.Projects.CleanupAfterPush, "FORGEBOT_PROJECTS_CLEANUP_AFTER_PUSH")

	setBool(&cfg.GitHub.Enabled, "GITHUB_ENABLED")
	setString(&cfg.GitHub.Token, "FORGEBOT_GITHUB_TOKEN", "GITHUB_TOKEN")
	setString(&cfg.GitHub.Username, "FORGEBOT_GITHUB_USERNAME", "GITHUB_USERNAME")

	setString(&cfg.AI.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.AI.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&cfg.AI.Deployment, "AZURE_OPENAI_DEPLOYMENT_NAME", "AZURE_OPENAI_DEPLOYMENT")
	setString(&cfg.AI.APIVersion, "AZURE_OPENAI_API_VERSION")

	setString(&cfg.HTTP.Addr, "FORGEBOT_HTTP_ADDR")
}

// secretFields lists every config value that may hold an "enc:" secret.
func secretFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"discord.token": &cfg.Discord.Token,
		"github.token":  &cfg.GitHub.Token,
		"ai.api_key":    &cfg.AI.APIKey,
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for name, fp := range secretFields(cfg) {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived from
// passphrase. The result is hex(salt) ":" hex(nonce|ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// newGCM derives a 32-byte key with Argon2id and wraps it in AES-GCM.
func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
