package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	AI          AIConfig          `yaml:"ai"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Enroll      EnrollConfig      `yaml:"enroll"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" or "sqlite"
	DSN      string `yaml:"dsn"`    // overrides host/port/name/user/password when set
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	Path     string `yaml:"path"` // sqlite database file
}

func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"` // empty disables the event feed
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // empty disables the scan archive
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AIConfig struct {
	FaceDetection   string `yaml:"face_detection"`
	FaceRecognition string `yaml:"face_recognition"`
	AntiSpoof       string `yaml:"anti_spoof"`
	// EmbeddingDim must match the recognizer model output (128 or 512).
	EmbeddingDim int `yaml:"embedding_dim"`
}

type RecognitionConfig struct {
	// Threshold is the cosine-similarity cutoff for a match. Model
	// dependent: 0.30 for the 128-d recognizer, 0.40 for the 512-d one.
	Threshold          float64 `yaml:"threshold"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	LivenessThreshold  float64 `yaml:"liveness_threshold"`
	WithLiveness       *bool   `yaml:"with_liveness"`
}

// LivenessEnabled reports whether recognition runs the anti-spoof check.
// Unset means enabled.
func (r RecognitionConfig) LivenessEnabled() bool {
	return r.WithLiveness == nil || *r.WithLiveness
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type EnrollConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Shots   int           `yaml:"shots"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "facegate.db"
	}
	if cfg.AI.EmbeddingDim == 0 {
		cfg.AI.EmbeddingDim = 512
	}
	if cfg.Recognition.Threshold == 0 {
		cfg.Recognition.Threshold = 0.4
	}
	if cfg.Recognition.DetectionThreshold == 0 {
		cfg.Recognition.DetectionThreshold = 0.5
	}
	if cfg.Recognition.LivenessThreshold == 0 {
		cfg.Recognition.LivenessThreshold = 0.3
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = 30 * time.Second
	}
	if cfg.Enroll.Timeout == 0 {
		cfg.Enroll.Timeout = 60 * time.Second
	}
	if cfg.Enroll.Shots == 0 {
		cfg.Enroll.Shots = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FG_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FG_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("FG_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FG_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FG_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("FG_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("FG_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("FG_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("FG_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("FG_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FG_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FG_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("FG_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("FG_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("FG_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("FG_MODELS_DETECTION"); v != "" {
		cfg.AI.FaceDetection = v
	}
	if v := os.Getenv("FG_MODELS_RECOGNITION"); v != "" {
		cfg.AI.FaceRecognition = v
	}
	if v := os.Getenv("FG_MODELS_ANTISPOOF"); v != "" {
		cfg.AI.AntiSpoof = v
	}
	if v := os.Getenv("FG_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Recognition.Threshold = f
		}
	}
}
