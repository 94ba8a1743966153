package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	// ToolConfigFile is the issuer -> registrations JSON document.
	ToolConfigFile string
	// Tool signing key PEM files; applied to every registration.
	PrivateKeyFile string
	PublicKeyFile  string

	// StoreDriver: redis|sql|memory. Empty selects by what is configured:
	// redis when REDIS_ADDR is set, sql when DB_DSN is set, else memory.
	StoreDriver string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DBDriver string // sqlite|postgres
	DBDSN    string

	LoginTTL  time.Duration
	LaunchTTL time.Duration

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/"),

		ToolConfigFile: envOr("TOOL_CONFIG_FILE", "./configs/tool.json"),
		PrivateKeyFile: envOr("TOOL_PRIVATE_KEY_FILE", "./configs/private.key"),
		PublicKeyFile:  os.Getenv("TOOL_PUBLIC_KEY_FILE"),

		StoreDriver: os.Getenv("STORE_DRIVER"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisUsername: os.Getenv("REDIS_USERNAME"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RedisPrefix:   envOr("REDIS_PREFIX", "ltitool:"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		LoginTTL:  envDuration("LOGIN_TTL", 10*time.Minute),
		LaunchTTL: envDuration("LAUNCH_TTL", 24*time.Hour),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
