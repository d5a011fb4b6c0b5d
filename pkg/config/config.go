// Package config 提供 TOML 配置加载、默认值与 schema 校验，支持环境变量覆盖
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 管理接口限流配置
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// 派发工作池配置
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	// 调度器配置
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	// 各渠道发送方配置
	Channels ChannelsConfig `mapstructure:"channels"`
	// 下游领域服务配置
	Services ServicesConfig `mapstructure:"services"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动，目前仅支持 mysql
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机地址
	Host string `mapstructure:"host"`
	// 端口
	Port int `mapstructure:"port"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 领域事件主题
	EventsTopic string `mapstructure:"events_topic"`
	// 死信主题（不可识别的事件）
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 生产者最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 生产者重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// 日志级别
	Level string `mapstructure:"level"`
	// 输出格式
	Format string `mapstructure:"format"`
	// 输出目标
	Output string `mapstructure:"output"`
	// 文件路径
	FilePath string `mapstructure:"file_path"`
	// 最大文件大小（MB）
	MaxSize int `mapstructure:"max_size"`
	// 最大备份文件数
	MaxBackups int `mapstructure:"max_backups"`
	// 最大保留天数
	MaxAge int `mapstructure:"max_age"`
	// 是否压缩
	Compress bool `mapstructure:"compress"`
	// 是否输出调用者信息
	WithCaller bool `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 监听端口
	Port int `mapstructure:"port"`
	// 指标路径
	Path string `mapstructure:"path"`
}

// RateLimitConfig 管理接口限流配置
type RateLimitConfig struct {
	// 每周期允许请求数
	Rate int `mapstructure:"rate"`
	// 突发容量
	Burst int `mapstructure:"burst"`
}

// DispatchConfig 派发工作池配置
type DispatchConfig struct {
	// 工作协程数
	Workers int `mapstructure:"workers"`
	// 每次认领的批量大小
	BatchSize int `mapstructure:"batch_size"`
	// 无待发记录时的轮询间隔（毫秒）
	PollInterval int `mapstructure:"poll_interval"`
	// SENDING 租约时长（秒），超时视为 worker 失联
	LeaseSeconds int `mapstructure:"lease_seconds"`
	// 单渠道最大尝试次数
	MaxAttempts int `mapstructure:"max_attempts"`
	// 退避基数（毫秒）
	BackoffBase int `mapstructure:"backoff_base"`
	// 退避上限（毫秒）
	BackoffMax int `mapstructure:"backoff_max"`
	// 抖动比例（0~1）
	BackoffJitter float64 `mapstructure:"backoff_jitter"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// tick 周期（秒）
	TickInterval int `mapstructure:"tick_interval"`
	// 领导租约 key
	LockKey string `mapstructure:"lock_key"`
	// 领导租约时长（秒）
	LockTTL int `mapstructure:"lock_ttl"`
	// 预约提醒的提前量（小时）
	ReminderLookAhead int `mapstructure:"reminder_look_ahead"`
}

// ChannelsConfig 各渠道发送方配置
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Email    EmailConfig    `mapstructure:"email"`
	SMS      SMSConfig      `mapstructure:"sms"`
}

// WhatsAppConfig WhatsApp 业务 API 配置
type WhatsAppConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// API 基础地址
	BaseURL string `mapstructure:"base_url"`
	// 访问令牌
	Token string `mapstructure:"token"`
	// 业务电话号码 ID
	PhoneID string `mapstructure:"phone_id"`
	// 默认国家码（号码归一化用）
	CountryCode string `mapstructure:"country_code"`
	// 每秒限额
	Rate int `mapstructure:"rate"`
	// 突发容量
	Burst int `mapstructure:"burst"`
}

// EmailConfig SMTP 邮件配置
type EmailConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// SMTP 主机
	Host string `mapstructure:"host"`
	// SMTP 端口
	Port int `mapstructure:"port"`
	// 用户名
	Username string `mapstructure:"username"`
	// 密码
	Password string `mapstructure:"password"`
	// 发件人地址
	From string `mapstructure:"from"`
	// 每秒限额
	Rate int `mapstructure:"rate"`
	// 突发容量
	Burst int `mapstructure:"burst"`
}

// SMSConfig 短信网关配置
type SMSConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// 网关基础地址
	BaseURL string `mapstructure:"base_url"`
	// API Key
	APIKey string `mapstructure:"api_key"`
	// 发送方标识
	SenderID string `mapstructure:"sender_id"`
	// 每秒限额
	Rate int `mapstructure:"rate"`
	// 突发容量
	Burst int `mapstructure:"burst"`
}

// ServicesConfig 下游领域服务（只读）配置
type ServicesConfig struct {
	// 客户/宠物服务地址
	ClientsURL string `mapstructure:"clients_url"`
	// 预约服务地址
	AppointmentsURL string `mapstructure:"appointments_url"`
	// 账单服务地址
	BillingURL string `mapstructure:"billing_url"`
	// 病历服务地址
	MedicalRecordsURL string `mapstructure:"medical_records_url"`
	// 请求超时（秒）
	Timeout int `mapstructure:"timeout"`
	// 联系方式缓存 TTL（秒）
	CacheTTL int `mapstructure:"cache_ttl"`
}

// Load 从 TOML 文件加载配置，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}
	if c.Dispatch.BackoffJitter < 0 || c.Dispatch.BackoffJitter > 1 {
		return fmt.Errorf("dispatch.backoff_jitter must be in [0, 1]")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8006)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.group_id", "notification-service")
	v.SetDefault("kafka.events_topic", "vetclinic.domain-events")
	v.SetDefault("kafka.dead_letter_topic", "vetclinic.domain-events.dlq")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.rate", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.batch_size", 20)
	v.SetDefault("dispatch.poll_interval", 1000)
	v.SetDefault("dispatch.lease_seconds", 60)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_base", 2000)
	v.SetDefault("dispatch.backoff_max", 300000)
	v.SetDefault("dispatch.backoff_jitter", 0.2)

	v.SetDefault("scheduler.tick_interval", 60)
	v.SetDefault("scheduler.lock_key", "vetclinic:scheduler:leader")
	v.SetDefault("scheduler.lock_ttl", 30)
	v.SetDefault("scheduler.reminder_look_ahead", 24)

	v.SetDefault("channels.whatsapp.country_code", "57")
	v.SetDefault("channels.whatsapp.rate", 10)
	v.SetDefault("channels.whatsapp.burst", 20)
	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.email.rate", 5)
	v.SetDefault("channels.email.burst", 10)
	v.SetDefault("channels.sms.rate", 10)
	v.SetDefault("channels.sms.burst", 20)

	v.SetDefault("services.timeout", 5)
	v.SetDefault("services.cache_ttl", 300)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
