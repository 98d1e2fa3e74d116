package app

import (
	"fmt"
	"time"
)

// Config holds the runtime settings for the chat server. All values
// come from AGRO_-prefixed environment variables.
type Config struct {
	Addr            string
	DatabaseURL     string
	DBMigrate       bool
	DBMaxConns      int32
	DBPingTimeout   time.Duration
	ShutdownTimeout time.Duration

	ReadinessRequireDB bool

	DevAuth      bool
	TokenHMACKey string

	LogFormat string
}

// LoadConfig reads configuration from the environment. It does not
// validate security settings; see ValidateSecurity.
func LoadConfig() Config {
	return Config{
		Addr:            EnvString("AGRO_ADDR", ":8080"),
		DatabaseURL:     EnvString("AGRO_DATABASE_URL", ""),
		DBMigrate:       EnvBool("AGRO_DB_MIGRATE", true),
		DBMaxConns:      EnvInt32("AGRO_DB_MAX_CONNS", 8),
		DBPingTimeout:   EnvDuration("AGRO_DB_PING_TIMEOUT", 5*time.Second),
		ShutdownTimeout: EnvDuration("AGRO_SHUTDOWN_TIMEOUT", 10*time.Second),

		ReadinessRequireDB: EnvBool("AGRO_READINESS_REQUIRE_DB", true),

		DevAuth:      EnvBool("AGRO_WS_DEV_AUTH", false),
		TokenHMACKey: EnvString("AGRO_TOKEN_HMAC_KEY", ""),

		LogFormat: EnvString("AGRO_LOG_FORMAT", "json"),
	}
}

// UsesDatabase reports whether the config points at Postgres. Without
// a database URL the server falls back to the in-memory store.
func (c Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

func (c Config) String() string {
	db := "memory"
	if c.UsesDatabase() {
		db = "postgres"
	}
	return fmt.Sprintf("addr=%s store=%s migrate=%t dev_auth=%t", c.Addr, db, c.DBMigrate, c.DevAuth)
}
