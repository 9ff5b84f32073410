package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig 数据库配置（连接参数由调用方注入，核心逻辑不持有凭据）
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（用于发布维护报告）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// DirectoryConfig 租户目录配置
type DirectoryConfig struct {
	Mode    string // "postgres" 或 "http"
	BaseURL string // http 模式：wisefido-data admin API 地址
	Token   string
	Timeout time.Duration
}

// MaintenanceConfig 租户数据完整性维护配置
type MaintenanceConfig struct {
	CallTimeout    time.Duration // 单次存储调用超时
	MaxAttempts    int           // TransientError 最大尝试次数（含首次）
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Concurrency    int // 同时执行的实体类型步骤数上限

	GraphFile    string   // 依赖图 YAML，为空则使用内置默认图
	SeedDefaults []string // 基线分类

	ReportSink      string // none | redis | mqtt
	ReportStream    string // Redis Stream 名称
	SeedLock        string // local | redis
	MetricsTextfile string // node_exporter textfile collector 输出路径（可选）
}

// Config tenant-integrity 配置
type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	Directory   DirectoryConfig
	Maintenance MaintenanceConfig

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
// 先尝试读取 .env（不存在则忽略），再从环境变量加载，缺省使用默认值
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "tenant-integrity")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "tenant-integrity/reports")
	cfg.MQTT.QoS = 1

	cfg.Directory.Mode = getEnv("TENANT_DIRECTORY", "postgres")
	cfg.Directory.BaseURL = getEnv("TENANT_DIRECTORY_URL", "http://localhost:8080")
	cfg.Directory.Token = getEnv("TENANT_DIRECTORY_TOKEN", "")
	cfg.Directory.Timeout = parseDuration(getEnv("TENANT_DIRECTORY_TIMEOUT", "10s"), 10*time.Second)

	cfg.Maintenance.CallTimeout = parseDuration(getEnv("MAINT_CALL_TIMEOUT", "30s"), 30*time.Second)
	cfg.Maintenance.MaxAttempts = parseInt(getEnv("MAINT_MAX_ATTEMPTS", "4"), 4)
	cfg.Maintenance.InitialBackoff = parseDuration(getEnv("MAINT_INITIAL_BACKOFF", "500ms"), 500*time.Millisecond)
	cfg.Maintenance.MaxBackoff = parseDuration(getEnv("MAINT_MAX_BACKOFF", "10s"), 10*time.Second)
	cfg.Maintenance.Concurrency = parseInt(getEnv("MAINT_CONCURRENCY", "4"), 4)
	cfg.Maintenance.GraphFile = getEnv("MAINT_GRAPH_FILE", "")
	cfg.Maintenance.SeedDefaults = parseList(getEnv("MAINT_SEED_DEFAULTS", "Other"))
	cfg.Maintenance.ReportSink = getEnv("MAINT_REPORT_SINK", "none")
	cfg.Maintenance.ReportStream = getEnv("MAINT_REPORT_STREAM", "tenant-integrity:reports")
	cfg.Maintenance.SeedLock = getEnv("MAINT_SEED_LOCK", "local")
	cfg.Maintenance.MetricsTextfile = getEnv("MAINT_METRICS_FILE", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Directory.Mode {
	case "postgres", "http":
	default:
		return fmt.Errorf("invalid TENANT_DIRECTORY %q (expected postgres or http)", c.Directory.Mode)
	}
	switch c.Maintenance.ReportSink {
	case "none", "redis", "mqtt":
	default:
		return fmt.Errorf("invalid MAINT_REPORT_SINK %q (expected none, redis or mqtt)", c.Maintenance.ReportSink)
	}
	switch c.Maintenance.SeedLock {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid MAINT_SEED_LOCK %q (expected local or redis)", c.Maintenance.SeedLock)
	}
	if c.Maintenance.MaxAttempts < 1 {
		return fmt.Errorf("MAINT_MAX_ATTEMPTS must be >= 1, got %d", c.Maintenance.MaxAttempts)
	}
	if c.Maintenance.Concurrency < 1 {
		return fmt.Errorf("MAINT_CONCURRENCY must be >= 1, got %d", c.Maintenance.Concurrency)
	}
	if c.Maintenance.MaxBackoff < c.Maintenance.InitialBackoff {
		return fmt.Errorf("MAINT_MAX_BACKOFF (%s) must not be less than MAINT_INITIAL_BACKOFF (%s)",
			c.Maintenance.MaxBackoff, c.Maintenance.InitialBackoff)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseList 逗号分隔，去掉空项
func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
