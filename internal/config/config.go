package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string

	DatabaseDriver string // mysql | sqlite
	DatabaseDSN    string

	BackendBaseURL   string
	BackendAPIKey    string
	ConnectTimeout   time.Duration
	DownloadTimeout  time.Duration
	PollInterval     time.Duration
	GenerationBudget time.Duration

	MaxConcurrentJobs  int
	GateAcquireTimeout time.Duration
	WorkerCount        int
	MaxQueueSize       int

	ImageCost int
	VideoCost int
	EditCost  int

	WelcomeCredits int

	PaymentProvider   string
	PaymentCurrency   string
	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaReturnURL string
	ReconcileInterval time.Duration

	AdminListenAddr string
	AdminUsername   string
	AdminPassword   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", "mysql")),
		BackendBaseURL:     normalizeBaseURL(getEnv("BACKEND_BASE_URL", "http://127.0.0.1:8188")),
		BackendAPIKey:      os.Getenv("BACKEND_API_KEY"),
		ConnectTimeout:     getDuration("BACKEND_CONNECT_TIMEOUT_SECONDS", 10*time.Second),
		DownloadTimeout:    getDuration("BACKEND_DOWNLOAD_TIMEOUT_SECONDS", 60*time.Second),
		PollInterval:       getDuration("BACKEND_POLL_INTERVAL_SECONDS", 3*time.Second),
		GenerationBudget:   getDuration("GENERATION_TIMEOUT_SECONDS", 600*time.Second),
		MaxConcurrentJobs:  getInt("MAX_CONCURRENT_JOBS", 1),
		GateAcquireTimeout: getDuration("GATE_ACQUIRE_TIMEOUT_SECONDS", 30*time.Second),
		WorkerCount:        getInt("WORKER_COUNT", 1),
		MaxQueueSize:       getInt("MAX_QUEUE_SIZE", 100),
		ImageCost:          getInt("IMAGE_COST", 11),
		VideoCost:          getInt("VIDEO_COST", 70),
		EditCost:           getInt("EDIT_COST", 11),
		WelcomeCredits:     getInt("WELCOME_CREDITS", 11),
		PaymentProvider:    strings.ToLower(getEnv("PAYMENT_PROVIDER", "yookassa")),
		PaymentCurrency:    getEnv("PAYMENT_CURRENCY", "RUB"),
		YooKassaShopID:     os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey:  os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL:  os.Getenv("YOOKASSA_RETURN_URL"),
		ReconcileInterval:  getDuration("PAYMENT_RECONCILE_INTERVAL_SECONDS", 300*time.Second),
		AdminListenAddr:    getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:         os.Getenv("S3_ENDPOINT"),
		S3Region:           os.Getenv("S3_REGION"),
		S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:    os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:     getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:           getEnv("S3_PREFIX", "results"),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.DatabaseDSN = os.Getenv("DATABASE_DSN")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.DatabaseDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if cfg.PaymentProvider == "yookassa" {
		if cfg.YooKassaShopID == "" {
			missing = append(missing, "YOOKASSA_SHOP_ID")
		}
		if cfg.YooKassaSecretKey == "" {
			missing = append(missing, "YOOKASSA_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.DatabaseDriver != "mysql" && cfg.DatabaseDriver != "sqlite" {
		return Config{}, fmt.Errorf("unsupported DATABASE_DRIVER %q (want mysql or sqlite)", cfg.DatabaseDriver)
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}

	return cfg, nil
}

// normalizeBaseURL tolerates schemeless values and trailing slashes so the
// client never builds double-slash or relative request URLs.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(strings.TrimRight(raw, "/"))
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
