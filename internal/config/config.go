package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// DefaultJWTSecret 仅用于本地开发，其他环境启动时会被 Validate 拒绝。
const DefaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	// NATSURL 为空时房间事件只在本进程内分发。
	NATSURL      string
	InstanceName string
	// AllowedOrigins 为非 dev 环境下允许携带凭证跨域访问的来源。
	AllowedOrigins []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvPositiveInt 解析正整数环境变量，非法或非正数时回退到默认值。
func getenvPositiveInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func Load() Config {
	host, _ := os.Hostname()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=matcha port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", DefaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		AccessTokenTTLMinutes: getenvPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvPositiveInt("REFRESH_TOKEN_TTL_DAYS", 7),
		NATSURL:               os.Getenv("NATS_URL"),
		InstanceName:          getenv("INSTANCE_NAME", host),
		AllowedOrigins:        getenvList("CORS_ORIGINS"),
	}
}

// Validate 在启动阶段拦截明显错误的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return errors.New("config: default JWT_SECRET is only allowed in dev")
	}
	return nil
}
