package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

// maxPresenceTTL 必须小于客户端轮询间隔，否则停止轮询的客户端会长时间显示在线。
const maxPresenceTTL = 5 * time.Minute

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDriver        string
	DatabaseDSN           string
	RedisURL              string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	PresenceTTL           time.Duration
	StoreTimeout          time.Duration
	CacheTimeout          time.Duration
	AllowOrigins          []string
	TOTPIssuer            string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法或非正数时回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 先读取 ENV_FILE（默认 .env），再从环境变量覆盖。
func Load() Config {
	envFile := getenv("ENV_FILE", ".env")
	_ = godotenv.Load(envFile)

	origins := strings.Split(getenv("ALLOW_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173,http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=securedrop port=5432 sslmode=disable TimeZone=UTC"),
		RedisURL:              getenv("REDIS_URL", ""),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 30),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		PresenceTTL:           time.Duration(getint("PRESENCE_TTL_SECONDS", 45)) * time.Second,
		StoreTimeout:          time.Duration(getint("STORE_TIMEOUT_MS", 5000)) * time.Millisecond,
		CacheTimeout:          time.Duration(getint("CACHE_TIMEOUT_MS", 300)) * time.Millisecond,
		AllowOrigins:          origins,
		TOTPIssuer:            getenv("TOTP_ISSUER", "SecureDrop"),
	}
}

// Validate 拒绝无法安全启动的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be set outside dev")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.PresenceTTL <= 0 || cfg.PresenceTTL > maxPresenceTTL {
		return errors.New("config: PRESENCE_TTL_SECONDS must be in (0, 300]")
	}
	return nil
}
