package config

import "time"

// Pipeline definition pipeline_service YAML structure
type Pipeline struct {
	Port string `mapstructure:"port"`
	IP   string `mapstructure:"ip"`

	PostgreSQL    DatabaseConfig     `mapstructure:"pg"`
	MinIO         MinIOConfig        `mapstructure:"minio"`
	RedisPipeline RedisConfig        `mapstructure:"redis"`
	RabbitMQ      RabbitMQConfig     `mapstructure:"rabbitmq"`
	Kafka         KafkaConfig        `mapstructure:"kafka"`
	Orchestrator  OrchestratorConfig `mapstructure:"orchestrator"`
	Upload        UploadConfig       `mapstructure:"upload"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// MinIOConfig definition minio setting
type MinIOConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	BucketName    string `mapstructure:"bucket_name"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	RedisDB int `mapstructure:"redis_db"`
}

// RabbitMQConfig definition rabbitmq setting
type RabbitMQConfig struct {
	IP            string `mapstructure:"ip"`
	Port          string `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	RetryInterval int      `mapstructure:"retry_interval"`
	RetryCount    int      `mapstructure:"retry_count"`
}

// OrchestratorConfig definition retry/backoff/timeout setting
// The retry and timeout numbers are deployment configuration, the zero
// value falls back to the documented defaults via Normalize.
type OrchestratorConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	ProgressTTL        time.Duration `mapstructure:"progress_ttl"`
	TranscribeLanguage string        `mapstructure:"transcribe_language"`
	WorkDir            string        `mapstructure:"work_dir"`
}

// Normalize fill unset orchestrator fields with the defaults.
func (c OrchestratorConfig) Normalize() OrchestratorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 15 * time.Minute
	}
	if c.ProgressTTL <= 0 {
		c.ProgressTTL = 10 * time.Minute
	}
	if c.TranscribeLanguage == "" {
		c.TranscribeLanguage = "ja"
	}
	if c.WorkDir == "" {
		c.WorkDir = "./tmp"
	}
	return c
}

// UploadConfig definition upload grant setting
type UploadConfig struct {
	MaxSizeBytes      int64         `mapstructure:"max_size_bytes"`
	ContentTypePrefix string        `mapstructure:"content_type_prefix"`
	GrantTTL          time.Duration `mapstructure:"grant_ttl"`
	DownloadTTL       time.Duration `mapstructure:"download_ttl"`
}

// Normalize fill unset upload fields with the defaults.
func (c UploadConfig) Normalize() UploadConfig {
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 104857600 // 100MB
	}
	if c.ContentTypePrefix == "" {
		c.ContentTypePrefix = "video/"
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = 600 * time.Second
	}
	if c.DownloadTTL <= 0 {
		c.DownloadTTL = 3600 * time.Second
	}
	return c
}
