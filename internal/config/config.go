package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	appdefaults "github.com/murmur-ai/voice-gateway/config"
	"github.com/murmur-ai/voice-gateway/internal/logger"
)

// SystemConfig holds listener settings.
type SystemConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the resolved gateway configuration.
type Config struct {
	RootDir           string        `mapstructure:"-"`
	HTTPAddr          string        `mapstructure:"http_addr"`
	GeminiAPIKey      string        `mapstructure:"gemini_api_key"`
	GeminiModel       string        `mapstructure:"gemini_model"`
	GeminiEndpoint    string        `mapstructure:"gemini_endpoint"`
	SystemInstruction string        `mapstructure:"system_instruction"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	MemoryLimit       int           `mapstructure:"memory_limit"`
	SystemConfig      SystemConfig  `mapstructure:"system_config"`
	Log               logger.Config `mapstructure:"log"`
}

// Load resolves configuration from embedded defaults, an optional conf.yaml
// near the working directory, and VGW_* environment variables.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("conf")
	v.AddConfigPath(rootDir)

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig is like Load but reads an explicit config file path.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("VGW_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finish(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("http_addr", "")
	v.SetDefault("gemini_model", "models/gemini-2.5-flash-native-audio-preview-09-2025")
	v.SetDefault("gemini_endpoint", "wss://generativelanguage.googleapis.com")
	v.SetDefault("session_ttl", "30m")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("memory_limit", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "voice-gateway.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("vgw")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	// The bare GEMINI_API_KEY env var wins over nothing; it is the common way
	// to supply the key via .env.
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 50
	}
	deriveHTTPAddr(&cfg)

	return cfg, nil
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	host := cfg.SystemConfig.Host
	port := cfg.SystemConfig.Port
	if port == 0 {
		port = 3001
	}
	if host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("VGW_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
