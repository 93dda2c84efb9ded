package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	TerminalID              string
	RegisterAddr            string
	AllowedOrigin           string
	DBPath                  string
	LedgerURL               string
	LedgerDatabaseURL       string
	LedgerTokenSecret       string
	LedgerTimeoutMS         int
	SyncIntervalSeconds     int
	ConnectivityProbeSecs   int
	TaxRate                 decimal.Decimal
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	LotSnapshotTTLSeconds   int
	MetricsAddr             string
	LogLevel                string
	ManagerPIN              string
	BreakerFailureThreshold int
	BreakerOpenSeconds      int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.16"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.RequireFromString("0.16")
	}

	cfg := Config{
		TerminalID:              getEnv("TERMINAL_ID", "terminal-1"),
		RegisterAddr:            getEnv("REGISTER_ADDR", "127.0.0.1:8081"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DBPath:                  strings.TrimSpace(os.Getenv("TERMINAL_DB_PATH")),
		LedgerURL:               strings.TrimRight(strings.TrimSpace(os.Getenv("LEDGER_URL")), "/"),
		LedgerDatabaseURL:       strings.TrimSpace(os.Getenv("LEDGER_DATABASE_URL")),
		LedgerTokenSecret:       strings.TrimSpace(os.Getenv("LEDGER_TOKEN_SECRET")),
		LedgerTimeoutMS:         positiveInt("LEDGER_TIMEOUT_MS", 8000),
		SyncIntervalSeconds:     positiveInt("SYNC_INTERVAL_SECONDS", 30),
		ConnectivityProbeSecs:   positiveInt("CONNECTIVITY_PROBE_SECONDS", 5),
		TaxRate:                 taxRate,
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		LotSnapshotTTLSeconds:   positiveInt("LOT_SNAPSHOT_TTL_SECONDS", 900),
		MetricsAddr:             strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		ManagerPIN:              strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		BreakerFailureThreshold: positiveInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenSeconds:      positiveInt("BREAKER_OPEN_SECONDS", 30),
	}

	return cfg
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutMS) * time.Millisecond
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ConnectivityProbeSecs) * time.Second
}

func (c Config) LotSnapshotTTL() time.Duration {
	return time.Duration(c.LotSnapshotTTLSeconds) * time.Second
}

func (c Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
