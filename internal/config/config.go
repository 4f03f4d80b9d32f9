package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Macro      MacroConfig      `mapstructure:"macro"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	UploadDir  string           `mapstructure:"upload_dir"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	Mode           string `mapstructure:"mode"`             // debug, release
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"` // 上传文件大小上限
	APIToken       string `mapstructure:"api_token"`        // 为空时不启用认证
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"` // sqlite 时为文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`          // Worker 数量
	QueueSize          int `mapstructure:"queue_size"`           // 任务队列大小
	MaxRetry           int `mapstructure:"max_retry"`            // 可重试失败的最大重试次数
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"` // 单个任务超时，0 不限
}

// TaskTimeout 单个任务超时
func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutSeconds) * time.Second
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr
}

// AnalysisConfig 结构/内容提取配置
type AnalysisConfig struct {
	MaxXMLDepth   int      `mapstructure:"max_xml_depth"`   // XML 递归深度上限
	MaxEntrySize  int64    `mapstructure:"max_entry_size"`  // 单个条目解压上限（字节）
	MaxUnpackSize int64    `mapstructure:"max_unpack_size"` // 单个文件解包总量上限（字节）
	MaxEntries    int      `mapstructure:"max_entries"`     // 单个文件解包条目数上限
	TempDir       string   `mapstructure:"temp_dir"`        // 解包临时目录父目录
	CacheSize     int      `mapstructure:"cache_size"`      // 按 SHA-256 缓存的结果数，0 关闭
	PayloadLimit  int      `mapstructure:"payload_limit"`   // 发往分类器的结构路径上限
	Triggers      []string `mapstructure:"triggers"`        // 筛查触发子串，为空使用内置列表
}

// MacroConfig 宏分析配置
type MacroConfig struct {
	Mode           string `mapstructure:"mode"` // olevba, native, auto, off
	Tool           string `mapstructure:"tool"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout 外部工具超时
func (m MacroConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// ClassifierConfig 分类模型配置
type ClassifierConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Backend        string `mapstructure:"backend"` // ollama, gemini
	URL            string `mapstructure:"url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	RetryDelayMS   int    `mapstructure:"retry_delay_ms"`
}

// Timeout 单次请求超时
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WatcherConfig 入站目录监听配置
type WatcherConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	InboundDir string   `mapstructure:"inbound_dir"`
	Patterns   []string `mapstructure:"patterns"`
	DebounceMS int      `mapstructure:"debounce_ms"`
}

// DatasetConfig 训练集构建配置
type DatasetConfig struct {
	LabelsFile string `mapstructure:"labels_file"`
	MalwareDir string `mapstructure:"malware_dir"`
	BenignDir  string `mapstructure:"benign_dir"`
	OutputFile string `mapstructure:"output_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_bytes", 100*1024*1024)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.db_name", "data/office_analysis.db")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "office_analysis_tasks")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("worker.max_retry", 2)
	v.SetDefault("worker.task_timeout_seconds", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("analysis.max_xml_depth", 256)
	v.SetDefault("analysis.max_entry_size", 64*1024*1024)
	v.SetDefault("analysis.max_unpack_size", 512*1024*1024)
	v.SetDefault("analysis.max_entries", 10000)
	v.SetDefault("analysis.cache_size", 1024)
	v.SetDefault("analysis.payload_limit", 60)

	v.SetDefault("macro.mode", "auto")
	v.SetDefault("macro.tool", "olevba")
	v.SetDefault("macro.timeout_seconds", 60)

	v.SetDefault("classifier.enabled", true)
	v.SetDefault("classifier.backend", "ollama")
	v.SetDefault("classifier.url", "http://localhost:11434")
	v.SetDefault("classifier.model", "malware-scanner")
	v.SetDefault("classifier.timeout_seconds", 120)
	v.SetDefault("classifier.max_attempts", 3)
	v.SetDefault("classifier.retry_delay_ms", 500)

	v.SetDefault("watcher.patterns", []string{"*.docx", "*.docm", "*.xlsx", "*.xlsm", "*.pptx", "*.pptm"})
	v.SetDefault("watcher.debounce_ms", 500)

	v.SetDefault("dataset.labels_file", "data/labels.csv")
	v.SetDefault("dataset.malware_dir", "data/malware")
	v.SetDefault("dataset.benign_dir", "data/benign")
	v.SetDefault("dataset.output_file", "data/train.jsonl")

	v.SetDefault("upload_dir", "data/uploads")
}

// Load 读取配置文件，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// Server
	v.BindEnv("server.api_token", "API_TOKEN")

	// Classifier
	v.BindEnv("classifier.url", "OLLAMA_HOST")
	v.BindEnv("classifier.api_key", "GEMINI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验枚举字段
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	switch c.Macro.Mode {
	case "olevba", "native", "auto", "off":
	default:
		return fmt.Errorf("unsupported macro mode: %s", c.Macro.Mode)
	}

	switch c.Classifier.Backend {
	case "ollama", "gemini":
	default:
		return fmt.Errorf("unsupported classifier backend: %s", c.Classifier.Backend)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}

	return nil
}
