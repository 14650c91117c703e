package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the proxy configuration, loaded from config.json with
// HUIYING_* environment overrides.
type Config struct {
	WorkflowDir    string `json:"workflowDir" mapstructure:"workflowDir"`
	BackendURL     string `json:"backendUrl" mapstructure:"backendUrl"`
	RemoteOrigin   string `json:"remoteOrigin" mapstructure:"remoteOrigin"`
	Port           int    `json:"port" mapstructure:"port"`
	LoadFromCloud  bool   `json:"loadFromCloud" mapstructure:"loadFromCloud"`
	TimeoutSeconds int    `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	EnableCache    bool   `json:"enableCache" mapstructure:"enableCache"`
	LogLevel       string `json:"logLevel" mapstructure:"logLevel"`
	UpstreamBase   string `json:"upstreamBase" mapstructure:"upstreamBase"`
	UsersDB        string `json:"usersDB" mapstructure:"usersDB"`
	UsersFile      string `json:"usersFile" mapstructure:"usersFile"`
}

// Manager owns the config file: it loads it, writing defaults on first run,
// and persists runtime changes back to disk.
type Manager struct {
	mu     sync.RWMutex
	path   string
	cfg    *Config
	logger *zap.Logger
}

func defaults(v *viper.Viper) {
	v.SetDefault("workflowDir", "workflows")
	v.SetDefault("backendUrl", "")
	v.SetDefault("remoteOrigin", "proxy.hueying.cn")
	v.SetDefault("port", 8080)
	v.SetDefault("loadFromCloud", false)
	v.SetDefault("timeoutSeconds", 30)
	v.SetDefault("enableCache", true)
	v.SetDefault("logLevel", "info")
	v.SetDefault("upstreamBase", "https://umanage.lightcc.cloud/prod-api")
	v.SetDefault("usersDB", "users.db")
	v.SetDefault("usersFile", "users.json")
}

// Load reads the config file at path, creating it with defaults when absent.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	defaults(v)
	v.SetEnvPrefix("HUIYING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("Config file missing, writing defaults", zap.String("path", path))
		if err := writeDefaultFile(v, path); err != nil {
			return nil, err
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.BackendURL = SanitizeURL(cfg.BackendURL)
	if abs, err := filepath.Abs(cfg.WorkflowDir); err == nil {
		cfg.WorkflowDir = abs
	}

	if cfg.LoadFromCloud {
		logger.Info("Loading workflows and mappings from remote origin",
			zap.String("origin", cfg.RemoteOrigin))
	} else {
		logger.Info("Loading workflows from local directory",
			zap.String("dir", cfg.WorkflowDir))
	}

	return &Manager{path: path, cfg: &cfg, logger: logger}, nil
}

func writeDefaultFile(v *viper.Viper, path string) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("build default config: %w", err)
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// SetBackendURL updates the backend endpoint at runtime and persists it.
func (m *Manager) SetBackendURL(url string) error {
	url = SanitizeURL(url)
	m.mu.Lock()
	m.cfg.BackendURL = url
	cfg := *m.cfg
	m.mu.Unlock()

	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	m.logger.Info("Backend URL updated", zap.String("url", url))
	return nil
}

// SanitizeURL normalizes user-provided URLs: backslashes become forward
// slashes and trailing slashes are dropped.
func SanitizeURL(url string) string {
	if url == "" {
		return url
	}
	return strings.TrimRight(strings.ReplaceAll(url, "\\", "/"), "/")
}
