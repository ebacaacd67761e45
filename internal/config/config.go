package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

type APIConfig struct {
	Addr           string
	Store          string
	DatabaseURL    string
	BoltPath       string
	RunMigrations  bool
	HouseAccount   string
	HouseSharePct  int64
	HouseSecret    string
	TokenSecret    string
	TokenTTL       time.Duration
	CORSOrigins    []string
	LogLevel       string
	LogFormat      string
	WorkerEvery    time.Duration
	WorkerBatch    int
	RequestTimeout time.Duration
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func LoadAPIFromEnv() (APIConfig, error) {
	cfg, err := LoadWorkerFromEnv()
	if err != nil {
		return cfg, err
	}
	if cfg.TokenSecret == "" {
		return cfg, fmt.Errorf("TREEPOT_TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < 32 {
		return cfg, fmt.Errorf("TREEPOT_TOKEN_SECRET must be at least 32 bytes")
	}
	return cfg, nil
}

// LoadWorkerFromEnv reads the store, house and worker settings. Token settings
// are read but not required.
func LoadWorkerFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("TREEPOT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:           addr,
		Store:          strings.ToLower(envDefault("TREEPOT_STORE", StorePostgres)),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BoltPath:       envDefault("TREEPOT_BOLT_PATH", "data/treepot.db"),
		RunMigrations:  envBoolDefault("TREEPOT_RUN_MIGRATIONS", true),
		HouseAccount:   envDefault("TREEPOT_HOUSE_ACCOUNT", "house"),
		HouseSharePct:  envIntDefault("TREEPOT_HOUSE_SHARE_PCT", 10),
		HouseSecret:    os.Getenv("TREEPOT_HOUSE_SECRET"),
		TokenSecret:    strings.TrimSpace(os.Getenv("TREEPOT_TOKEN_SECRET")),
		TokenTTL:       envDurationDefault("TREEPOT_TOKEN_TTL", 24*time.Hour),
		CORSOrigins:    envListDefault("TREEPOT_CORS_ORIGINS", []string{"*"}),
		LogLevel:       envDefault("TREEPOT_LOG_LEVEL", "info"),
		LogFormat:      envDefault("TREEPOT_LOG_FORMAT", "text"),
		WorkerEvery:    envDurationDefault("TREEPOT_WORKER_EVERY", 30*time.Second),
		WorkerBatch:    int(envIntDefault("TREEPOT_WORKER_BATCH", 200)),
		RequestTimeout: envDurationDefault("TREEPOT_REQUEST_TIMEOUT", 30*time.Second),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreBolt:
		if cfg.BoltPath == "" {
			return cfg, fmt.Errorf("TREEPOT_BOLT_PATH is required")
		}
	default:
		return cfg, fmt.Errorf("TREEPOT_STORE must be %q or %q", StorePostgres, StoreBolt)
	}
	if cfg.HouseSharePct < 0 || cfg.HouseSharePct > 100 {
		return cfg, fmt.Errorf("TREEPOT_HOUSE_SHARE_PCT must be within [0,100]")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("TP_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envListDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
