// Package config loads application configuration from environment variables.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env  string // application environment (dev, test, prod)
	Port string // HTTP port to listen on

	DBDriver   string // "mysql" or "sqlite"
	DBUser     string
	DBPass     string
	DBHost     string
	DBPort     string
	DBName     string
	SQLitePath string

	JWTSecret         string // signs device tokens
	DeviceTokenTTLMin int    // device token lifetime in minutes
	PairingSecretHash string // bcrypt hash of the pairing secret; empty disables pairing

	HostName     string // reported by get_host_info; os hostname when empty
	RegimensFile string // optional YAML offset tables

	RabbitURL         string
	SyncEventsEnabled bool
	SyncLogConsumer   bool
}

// Load reads a .env file when present and then the environment.  Required
// variables are enforced by must() and missing values cause the program to
// exit with a fatal log message.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
	cfg := Config{
		Env:               getenv("APP_ENV", "dev"),
		Port:              getenv("APP_PORT", "8080"),
		DBDriver:          getenv("DB_DRIVER", "sqlite"),
		DBPass:            os.Getenv("DB_PASS"),
		SQLitePath:        getenv("SQLITE_PATH", "regimen.db"),
		JWTSecret:         must("JWT_SECRET"),
		DeviceTokenTTLMin: envInt("DEVICE_TOKEN_TTL_MIN", 60*24*30),
		PairingSecretHash: os.Getenv("PAIRING_SECRET_HASH"),
		HostName:          os.Getenv("HOST_NAME"),
		RegimensFile:      os.Getenv("REGIMENS_FILE"),
		RabbitURL:         envStr("RABBITMQ_URL", os.Getenv("AMQP_URL")),
		SyncEventsEnabled: envBool("SYNC_EVENTS_ENABLED", false),
		SyncLogConsumer:   envBool("SYNC_LOG_CONSUMER", false),
	}
	if cfg.DBDriver == "mysql" {
		cfg.DBUser = must("DB_USER")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = strconv.Itoa(mustInt("DB_PORT"))
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
