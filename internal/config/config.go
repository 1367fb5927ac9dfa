package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"scalesync/internal/models"
)

// CloudConfig points a station at the cloud hub.
type CloudConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	IntervalSeconds     int `json:"interval_seconds"`
	PageSize            int `json:"page_size"`
	DiscoveryPort       int `json:"discovery_port"`
	DiscoveryTimeoutMS  int `json:"discovery_timeout_ms"`
	ClosingBudgetSecond int `json:"closing_budget_seconds"`
}

// S3Config configures the hub's artifact storage backend. When Bucket is
// empty the hub falls back to local files and reports storageConfigured=false.
type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	Prefix          string `json:"prefix"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style"`
}

type Config struct {
	DeviceName   string      `json:"device_name"`
	ActivationID string      `json:"activation_id"`
	Port         string      `json:"port"`
	DataDir      string      `json:"data_dir"`
	DatabasePath string      `json:"database_path"`
	LogLevel     string      `json:"log_level"`
	AuthToken    string      `json:"auth_token"`
	RateLimitRPS float64     `json:"rate_limit_rps"`
	Cloud        CloudConfig `json:"cloud"`
	Sync         SyncConfig  `json:"sync"`
	S3           S3Config    `json:"s3"`
}

// Load resolves configuration from an optional .env file, an optional JSON
// config file, and environment variable overrides, in that order.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{}
	paths := []string{os.Getenv("SCALESYNC_CONFIG"), "config.json"}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if b, err := os.ReadFile(p); err == nil {
			_ = json.Unmarshal(b, &cfg)
			break
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setString(&cfg.DeviceName, "SCALESYNC_DEVICE_NAME")
	setString(&cfg.ActivationID, "SCALESYNC_ACTIVATION_ID")
	setString(&cfg.Port, "SCALESYNC_PORT")
	setString(&cfg.Port, "PORT")
	setString(&cfg.DataDir, "SCALESYNC_DATA_DIR")
	setString(&cfg.DatabasePath, "SCALESYNC_DATABASE_PATH")
	setString(&cfg.LogLevel, "SCALESYNC_LOG_LEVEL")
	setString(&cfg.AuthToken, "SCALESYNC_AUTH_TOKEN")
	setFloat(&cfg.RateLimitRPS, "SCALESYNC_RATE_LIMIT_RPS")

	if v, ok := getenvBool("SCALESYNC_CLOUD_ENABLED"); ok {
		cfg.Cloud.Enabled = v
	}
	setString(&cfg.Cloud.BaseURL, "SCALESYNC_CLOUD_BASE_URL")
	setString(&cfg.Cloud.Token, "SCALESYNC_CLOUD_TOKEN")

	setInt(&cfg.Sync.IntervalSeconds, "SCALESYNC_SYNC_INTERVAL_SECONDS")
	setInt(&cfg.Sync.PageSize, "SCALESYNC_SYNC_PAGE_SIZE")
	setInt(&cfg.Sync.DiscoveryPort, "SCALESYNC_DISCOVERY_PORT")
	setInt(&cfg.Sync.DiscoveryTimeoutMS, "SCALESYNC_DISCOVERY_TIMEOUT_MS")
	setInt(&cfg.Sync.ClosingBudgetSecond, "SCALESYNC_CLOSING_BUDGET_SECONDS")

	setString(&cfg.S3.Bucket, "SCALESYNC_S3_BUCKET")
	setString(&cfg.S3.Region, "SCALESYNC_S3_REGION")
	setString(&cfg.S3.Endpoint, "SCALESYNC_S3_ENDPOINT")
	setString(&cfg.S3.Prefix, "SCALESYNC_S3_PREFIX")
	setString(&cfg.S3.AccessKeyID, "SCALESYNC_S3_ACCESS_KEY_ID")
	setString(&cfg.S3.SecretAccessKey, "SCALESYNC_S3_SECRET_ACCESS_KEY")
	if v, ok := getenvBool("SCALESYNC_S3_USE_PATH_STYLE"); ok {
		cfg.S3.UsePathStyle = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8830"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "scalesync.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 300
	}
	if cfg.Sync.PageSize <= 0 {
		cfg.Sync.PageSize = 200
	}
	if cfg.Sync.DiscoveryPort <= 0 {
		cfg.Sync.DiscoveryPort = 8831
	}
	if cfg.Sync.DiscoveryTimeoutMS <= 0 {
		cfg.Sync.DiscoveryTimeoutMS = 3000
	}
	if cfg.Sync.ClosingBudgetSecond <= 0 {
		cfg.Sync.ClosingBudgetSecond = 15
	}
	cfg.Cloud.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Cloud.BaseURL), "/")
}

// LoadIdentity returns the station's device identity, generating and
// persisting a fresh id under dataDir on first start. The id is immutable
// afterwards; change-log entries and entity keys depend on it.
func LoadIdentity(dataDir, name string) (models.DeviceIdentity, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return models.DeviceIdentity{}, err
	}
	path := filepath.Join(dataDir, "device_id")
	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if id != "" {
			return models.DeviceIdentity{ID: id, Name: displayName(name)}, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return models.DeviceIdentity{}, err
	}
	return models.DeviceIdentity{ID: id, Name: displayName(name)}, nil
}

func displayName(name string) string {
	if strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return "station-" + host
	}
	return "station"
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func getenvBool(name string) (bool, bool) {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
