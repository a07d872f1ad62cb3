package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const defaultJWTSecret = "dev-secret-change-me"

// WriteErrors 的取值：log 表示写失败只记录日志，propagate 表示返回给调用方。
const (
	WriteErrorsLog       = "log"
	WriteErrorsPropagate = "propagate"
)

type Config struct {
	Port                    string
	Env                     string
	LogLevel                string
	DatabaseDriver          string
	DatabaseDSN             string
	StoreDriver             string
	FirestoreProjectID      string
	JWTSecret               string
	AccessTokenTTLMinutes   int
	RefreshTokenTTLDays     int
	MessageLimit            int
	TrendingLimit           int
	ReportLookupConcurrency int
	WriteErrors             string
	CORSOrigins             []string
	SessionIdleMinutes      int
	RateLimitPerSecond      int
	RateLimitBurst          int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法值或非正数时回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:                    getenv("APP_PORT", "8080"),
		Env:                     getenv("APP_ENV", "dev"),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		DatabaseDriver:          getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:             getenv("DATABASE_DSN", "file:vibe.db?_busy_timeout=5000"),
		StoreDriver:             getenv("STORE_DRIVER", "gorm"),
		FirestoreProjectID:      getenv("FIRESTORE_PROJECT_ID", ""),
		JWTSecret:               getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes:   getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:     getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		MessageLimit:            getenvInt("MESSAGE_LIMIT", 50),
		TrendingLimit:           getenvInt("TRENDING_LIMIT", 3),
		ReportLookupConcurrency: getenvInt("REPORT_LOOKUP_CONCURRENCY", 8),
		WriteErrors:             getenv("WRITE_ERRORS", WriteErrorsLog),
		CORSOrigins:             splitList(getenv("CORS_ORIGINS", "")),
		SessionIdleMinutes:      getenvInt("SESSION_IDLE_MINUTES", 30),
		RateLimitPerSecond:      getenvInt("RATE_LIMIT_PER_SECOND", 20),
		RateLimitBurst:          getenvInt("RATE_LIMIT_BURST", 40),
	}
}

// Validate 在启动前检查配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: database dsn is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", cfg.DatabaseDriver)
	}
	switch cfg.StoreDriver {
	case "", "gorm":
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return errors.New("config: firestore project id is required")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", cfg.StoreDriver)
	}
	switch cfg.WriteErrors {
	case "", WriteErrorsLog, WriteErrorsPropagate:
	default:
		return fmt.Errorf("config: unknown write error policy %q", cfg.WriteErrors)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default jwt secret outside dev")
	}
	return nil
}

// PropagateWriteErrors 表示写失败是否返回给调用方。
func (c Config) PropagateWriteErrors() bool {
	return c.WriteErrors == WriteErrorsPropagate
}
