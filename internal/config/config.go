package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	dirName        = ".claude-hooks-feishu"
	defaultIPCName = "claude-hooks-feishu"
)

type Config struct {
	MachineID         string              `yaml:"machine_id"`
	IPCDir            string              `yaml:"ipc_dir"`
	Feishu            FeishuConfig        `yaml:"feishu"`
	Hooks             HooksConfig         `yaml:"hooks"`
	DangerousPatterns []string            `yaml:"dangerous_patterns"`
	CentralServer     CentralServerConfig `yaml:"central_server"`
	FileAccess        FileAccessConfig    `yaml:"file_access"`
	Scanner           ScannerConfig       `yaml:"scanner"`
	Relay             RelayConfig         `yaml:"relay"`

	// BaseDir is where config, PID marker and daemon log live. Not read from the file.
	BaseDir string `yaml:"-"`
}

// Event modes for the daemon's inbound Feishu events.
const (
	EventModeLongConn = "long_connection"
	EventModeHTTP     = "http"
)

type FeishuConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	App     AppConfig     `yaml:"app"`
	// EventMode is long_connection (outbound websocket, the default) or http
	// (callback endpoint on EventListen).
	EventMode   string `yaml:"event_mode"`
	EventListen string `yaml:"event_listen"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

type AppConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	ReceiverID        string `yaml:"receiver_id"`
	ReceiverType      string `yaml:"receiver_type"`
	VerificationToken string `yaml:"verification_token"`
	BaseURL           string `yaml:"base_url"`
}

type HooksConfig struct {
	Notify              bool `yaml:"notify"`
	Guard               bool `yaml:"guard"`
	Interactive         bool `yaml:"interactive"`
	PollIntervalMs      int  `yaml:"poll_interval_ms"`
	StopTimeoutMs       int  `yaml:"stop_timeout_ms"`
	PermissionTimeoutMs int  `yaml:"permission_timeout_ms"`
	DangerTimeoutMs     int  `yaml:"danger_timeout_ms"`
}

type CentralServerConfig struct {
	Enabled               bool   `yaml:"enabled"`
	URL                   string `yaml:"url"`
	MachineToken          string `yaml:"machine_token"`
	MachineID             string `yaml:"machine_id"`
	ReconnectBackoffMs    []int  `yaml:"reconnect_backoff_ms"`
	SessionPollIntervalMs int    `yaml:"session_poll_interval_ms"`
}

type FileAccessConfig struct {
	BlockedDirs        []string `yaml:"blocked_dirs"`
	BlockedSystemPaths []string `yaml:"blocked_system_paths"`
	MaxFileSizeKB      int      `yaml:"max_file_size_kb"`
}

type ScannerConfig struct {
	ProjectsDir    string `yaml:"projects_dir"`
	ActiveWindowMs int    `yaml:"active_window_ms"`
	HeadBytes      int    `yaml:"head_bytes"`
	FileListTTLMs  int    `yaml:"file_list_ttl_ms"`
	HistoryTTLMs   int    `yaml:"history_ttl_ms"`
}

type RelayConfig struct {
	Listen         string   `yaml:"listen"`
	MachineTokens  []string `yaml:"machine_tokens"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BaseDir returns $CLAUDE_HOOKS_FEISHU_HOME or ~/.claude-hooks-feishu.
func BaseDir() string {
	if dir := os.Getenv("CLAUDE_HOOKS_FEISHU_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dirName
	}
	return filepath.Join(home, dirName)
}

// DefaultPath returns config.yaml under the base dir, or config.json when only
// the legacy file exists.
func DefaultPath() string {
	base := BaseDir()
	yamlPath := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := filepath.Join(base, "config.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// LoadConfig reads path and applies defaults and environment overrides. A
// missing file is not an error: hooks run with defaults until configured.
func LoadConfig(path string) (*Config, error) {
	cfg := seed()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".json" || ext == ".jsonc" {
			data = jsonc.ToJSON(data)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.BaseDir = BaseDir()
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns a configuration with only defaults and env overrides applied.
func Default() *Config {
	cfg := seed()
	cfg.BaseDir = BaseDir()
	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg
}

// seed holds defaults that a file can switch off, so they must be in place
// before decoding.
func seed() Config {
	return Config{
		Hooks: HooksConfig{Notify: true, Guard: true, Interactive: true},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Feishu.App.ReceiverType == "" {
		cfg.Feishu.App.ReceiverType = "open_id"
	}
	if cfg.Feishu.App.BaseURL == "" {
		cfg.Feishu.App.BaseURL = "https://open.feishu.cn"
	}
	if cfg.Feishu.EventMode == "" {
		cfg.Feishu.EventMode = EventModeLongConn
	}
	if cfg.Feishu.EventListen == "" {
		cfg.Feishu.EventListen = "127.0.0.1:7788"
	}
	if cfg.Hooks.PollIntervalMs == 0 {
		cfg.Hooks.PollIntervalMs = 500
	}
	if cfg.Hooks.StopTimeoutMs == 0 {
		cfg.Hooks.StopTimeoutMs = 8 * 60 * 60 * 1000
	}
	if cfg.Hooks.PermissionTimeoutMs == 0 {
		cfg.Hooks.PermissionTimeoutMs = 120000
	}
	if cfg.Hooks.DangerTimeoutMs == 0 {
		cfg.Hooks.DangerTimeoutMs = 60000
	}
	if cfg.DangerousPatterns == nil {
		cfg.DangerousPatterns = []string{
			"git push --force", "git push -f",
			"git reset --hard", "DROP TABLE", "DROP DATABASE",
			"mkfs", "dd if=", "> /dev/sda",
		}
	}
	if len(cfg.CentralServer.ReconnectBackoffMs) == 0 {
		cfg.CentralServer.ReconnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}
	if cfg.CentralServer.SessionPollIntervalMs == 0 {
		cfg.CentralServer.SessionPollIntervalMs = 10000
	}
	if cfg.FileAccess.BlockedDirs == nil {
		cfg.FileAccess.BlockedDirs = []string{".ssh", ".gnupg", ".aws", ".config/gcloud", ".env"}
	}
	if cfg.FileAccess.BlockedSystemPaths == nil {
		cfg.FileAccess.BlockedSystemPaths = []string{"/etc/shadow", "/etc/passwd", "/proc", "/sys"}
	}
	if cfg.FileAccess.MaxFileSizeKB == 0 {
		cfg.FileAccess.MaxFileSizeKB = 100
	}
	if cfg.Scanner.ActiveWindowMs == 0 {
		cfg.Scanner.ActiveWindowMs = 30 * 60 * 1000
	}
	if cfg.Scanner.HeadBytes == 0 {
		cfg.Scanner.HeadBytes = 16 * 1024
	}
	if cfg.Scanner.FileListTTLMs == 0 {
		cfg.Scanner.FileListTTLMs = 10000
	}
	if cfg.Scanner.HistoryTTLMs == 0 {
		cfg.Scanner.HistoryTTLMs = 60000
	}
	if cfg.Relay.Listen == "" {
		cfg.Relay.Listen = ":3000"
	}
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv("CLAUDE_HOOKS_FEISHU_IPC_DIR"); dir != "" {
		cfg.IPCDir = dir
	}
	if id := os.Getenv("CLAUDE_HOOKS_MACHINE_ID"); id != "" {
		cfg.MachineID = id
	}
	if token := os.Getenv("CLAUDE_HOOKS_MACHINE_TOKEN"); token != "" {
		cfg.CentralServer.MachineToken = token
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Relay.Listen = ":" + port
	}
	if tokens := os.Getenv("MACHINE_TOKENS"); tokens != "" {
		cfg.Relay.MachineTokens = splitList(tokens)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Relay.JWTSecret = secret
	}
}

// IPCDirectory resolves the mailbox directory.
func (c *Config) IPCDirectory() string {
	if c.IPCDir != "" {
		return c.IPCDir
	}
	return filepath.Join(os.TempDir(), defaultIPCName)
}

// Machine resolves this host's identity: env, then config, then hostname.
func (c *Config) Machine() string {
	if c.MachineID != "" {
		return c.MachineID
	}
	if c.CentralServer.MachineID != "" {
		return c.CentralServer.MachineID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func (c *Config) PIDPath() string {
	return filepath.Join(c.BaseDir, "daemon.pid")
}

func (c *Config) LogPath() string {
	return filepath.Join(c.BaseDir, "daemon.log")
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
