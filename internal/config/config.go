package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

type Config struct {
	Addr            string
	BackendURL      string
	DataDir         string
	DBPath          string
	Storage         string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	LoginTimeout    time.Duration
	RequestTimeout  time.Duration
	LockoutAttempts int
	LockoutDuration time.Duration
	DefaultRange    time.Duration
	LoginRate       float64
	LoginBurst      int
	LogLevel        slog.Level
}

// Load reads the environment, seeded from a .env file when one exists.
func Load() Config {
	_ = godotenv.Load()
	dataDir := getenv("CONSOLE_DATA_DIR", "./data")
	return Config{
		Addr:            getenv("CONSOLE_ADDR", "127.0.0.1:8090"),
		BackendURL:      strings.TrimRight(getenv("CONSOLE_BACKEND_URL", "http://localhost:8081/api"), "/"),
		DataDir:         dataDir,
		DBPath:          getenv("CONSOLE_DB_PATH", dataDir+"/console.db"),
		Storage:         strings.ToLower(getenv("CONSOLE_STORAGE", StorageSQLite)),
		RedisAddr:       getenv("CONSOLE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("CONSOLE_REDIS_PASSWORD"),
		RedisDB:         getenvInt("CONSOLE_REDIS_DB", 0),
		LoginTimeout:    getenvDuration("CONSOLE_LOGIN_TIMEOUT", 5*time.Second),
		RequestTimeout:  getenvDuration("CONSOLE_REQUEST_TIMEOUT", 10*time.Second),
		LockoutAttempts: getenvInt("CONSOLE_LOCKOUT_ATTEMPTS", 3),
		LockoutDuration: getenvDuration("CONSOLE_LOCKOUT_DURATION", 5*time.Minute),
		DefaultRange:    getenvDuration("CONSOLE_DEFAULT_RANGE", 24*time.Hour),
		LoginRate:       getenvFloat("CONSOLE_LOGIN_RATE", 1),
		LoginBurst:      getenvInt("CONSOLE_LOGIN_BURST", 5),
		LogLevel:        getenvLevel("CONSOLE_LOG_LEVEL", slog.LevelInfo),
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CONSOLE_BACKEND_URL %q is not an absolute url", c.BackendURL)
	}
	if c.Storage != StorageSQLite && c.Storage != StorageRedis {
		return fmt.Errorf("CONSOLE_STORAGE must be %q or %q, got %q", StorageSQLite, StorageRedis, c.Storage)
	}
	if c.LockoutAttempts < 1 {
		return fmt.Errorf("CONSOLE_LOCKOUT_ATTEMPTS must be positive")
	}
	if c.LoginTimeout <= 0 || c.RequestTimeout <= 0 || c.LockoutDuration <= 0 || c.DefaultRange <= 0 {
		return fmt.Errorf("timeouts and durations must be positive")
	}
	return nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return d
	}
	return f
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvLevel(k string, d slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return d
	}
	return lvl
}
