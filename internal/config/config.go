package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string `yaml:"addr"`
	JWTSecret  string `yaml:"jwt_secret"`
	CORSOrigin string `yaml:"cors_origin"`
	LogLevel   string `yaml:"log_level"`

	ProjectsDir    string `yaml:"projects_dir"`
	ReposDir       string `yaml:"repos_dir"`
	ContentFile    string `yaml:"content_file"`
	ContentBackend string `yaml:"content_backend"` // file, badger, sql
	BadgerDir      string `yaml:"badger_dir"`
	DatabaseDriver string `yaml:"database_driver"` // postgres, sqlite
	DatabaseURL    string `yaml:"database_url"`

	AutoVersionThreshold int           `yaml:"auto_version_threshold"`
	UndoLimit            int           `yaml:"undo_limit"`
	UndoMaxProjects      int           `yaml:"undo_max_projects"`
	VersionTimeout       time.Duration `yaml:"version_timeout"`

	LockBackend string        `yaml:"lock_backend"` // local, redis
	RedisURL    string        `yaml:"redis_url"`
	LockTTL     time.Duration `yaml:"lock_ttl"`

	MeiliURL       string `yaml:"meili_url"`
	MeiliMasterKey string `yaml:"meili_master_key"`
}

func Defaults() Config {
	return Config{
		Addr:                 ":8787",
		JWTSecret:            "tramando-dev-secret",
		CORSOrigin:           "*",
		LogLevel:             "info",
		ProjectsDir:          "./data/projects",
		ReposDir:             "./data/projects",
		ContentFile:          "content.trmd",
		ContentBackend:       "file",
		BadgerDir:            "./data/badger",
		DatabaseDriver:       "sqlite",
		DatabaseURL:          "./data/tramando.db",
		AutoVersionThreshold: 50,
		UndoLimit:            100,
		UndoMaxProjects:      1024,
		VersionTimeout:       5 * time.Second,
		LockBackend:          "local",
		RedisURL:             "redis://localhost:6379/0",
		LockTTL:              30 * time.Second,
	}
}

// Load reads the optional YAML file named by TRAMANDO_CONFIG and then applies
// environment overrides. Unless set explicitly, ReposDir follows ProjectsDir so
// the file backend's content file stays the repository working copy.
func Load() (Config, error) {
	cfg := Defaults()
	cfg.ReposDir = ""
	if path := os.Getenv("TRAMANDO_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if cfg.ReposDir == "" {
		cfg.ReposDir = cfg.ProjectsDir
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ContentBackend {
	case "file", "badger", "sql":
	default:
		return fmt.Errorf("unknown content backend %q", c.ContentBackend)
	}
	if c.ContentBackend == "sql" {
		switch c.DatabaseDriver {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("unknown database driver %q", c.DatabaseDriver)
		}
	}
	switch c.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	if c.AutoVersionThreshold <= 0 {
		return fmt.Errorf("auto version threshold must be positive")
	}
	if c.UndoLimit < 0 {
		return fmt.Errorf("undo limit must not be negative")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("API_ADDR", cfg.Addr)
	cfg.JWTSecret = getenv("TRAMANDO_JWT_SECRET", cfg.JWTSecret)
	cfg.CORSOrigin = getenv("TRAMANDO_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.ProjectsDir = getenv("TRAMANDO_PROJECTS_DIR", cfg.ProjectsDir)
	cfg.ReposDir = getenv("TRAMANDO_REPOS_DIR", cfg.ReposDir)
	cfg.ContentFile = getenv("TRAMANDO_CONTENT_FILE", cfg.ContentFile)
	cfg.ContentBackend = getenv("CONTENT_BACKEND", cfg.ContentBackend)
	cfg.BadgerDir = getenv("BADGER_DIR", cfg.BadgerDir)
	cfg.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.AutoVersionThreshold = getenvInt("AUTO_VERSION_THRESHOLD", cfg.AutoVersionThreshold)
	cfg.UndoLimit = getenvInt("UNDO_LIMIT", cfg.UndoLimit)
	cfg.UndoMaxProjects = getenvInt("UNDO_MAX_PROJECTS", cfg.UndoMaxProjects)
	cfg.VersionTimeout = getenvDuration("VERSION_TIMEOUT", cfg.VersionTimeout)
	cfg.LockBackend = getenv("LOCK_BACKEND", cfg.LockBackend)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.LockTTL = getenvDuration("LOCK_TTL", cfg.LockTTL)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
