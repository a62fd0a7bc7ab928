package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"    // time parses duration tunables
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable. Required values go through must(); tunables with
// sensible defaults use the env* helpers so a bare environment still boots.
type Config struct {
	Env              string        // application environment (e.g. "dev", "prod")
	Port             string        // HTTP port to listen on
	DBUser           string        // database username
	DBPass           string        // database password (optional)
	DBHost           string        // database host address
	DBPort           string        // database port number
	DBName           string        // database name
	DBMaxOpenConns   int           // connection pool ceiling
	DBMaxIdleConns   int           // idle connections kept warm
	DBConnMaxLife    time.Duration // connection recycling age
	HoldTTL          time.Duration // how long a hold stays reservable
	ReaperBatchSize  int           // expired-hold candidates fetched per sweep iteration
	ReaperMaxRuntime time.Duration // wall-clock budget for a single sweep
	WebhookJWTSecret string        // HS256 secret for webhook bearer tokens (empty disables the check)
}

// Load reads configuration values from environment variables and returns a
// Config. Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:              must("APP_ENV"),      // environment (dev/test/prod)
		Port:             must("APP_PORT"),     // port to bind the HTTP server
		DBUser:           must("DB_USER"),      // database user
		DBPass:           os.Getenv("DB_PASS"), // database password (empty allowed)
		DBHost:           must("DB_HOST"),      // database host
		DBPort:           must("DB_PORT"),      // database port
		DBName:           must("DB_NAME"),      // database name
		DBMaxOpenConns:   envInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:   envInt("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLife:    envDur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		HoldTTL:          envDur("HOLD_TTL", 120*time.Second),
		ReaperBatchSize:  envInt("REAPER_BATCH_SIZE", 100),
		ReaperMaxRuntime: envDur("REAPER_MAX_RUNTIME", 55*time.Second),
		WebhookJWTSecret: os.Getenv("WEBHOOK_JWT_SECRET"), // empty disables webhook auth
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// envStr returns the value of key or the default when unset.
func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// envInt returns the integer value of key or the default when unset or
// unparsable.
func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

// envDur returns the duration value of key (time.ParseDuration syntax) or
// the default when unset or unparsable.
func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

// envBool returns the boolean value of key or the default when unset or
// unrecognised.
func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}
