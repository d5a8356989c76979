// Package epcisconfig loads the repository's configuration once at process
// start into an explicit, immutable struct. Nothing downstream reads
// os.Getenv directly — caps, timeouts and the pagination secret are passed
// through call chains as values, matching the "Global state → explicit
// configuration struct" design note.
package epcisconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the closed set of configuration options from spec §6.6, plus
// the ambient options (HTTP bind address, super-user tenants, subscription
// poll interval, rate limit) that a running service needs.
type Config struct {
	MaxEventsPerCall         int
	MaxEventsReturnedInQuery int
	CaptureSizeLimit         int64
	StorageProvider          string
	ConnectionString         string
	CommandTimeout           time.Duration
	PaginationSecret         []byte

	HTTPAddr                 string
	SuperUserTenants         []string
	SubscriptionPollInterval time.Duration
	SubscriptionSigningKey   []byte
	RequestRatePerSecond     float64
	LogLevel                 string
	LogFormat                string

	// IdentityCredentialsPath points at the htpasswd-style bcrypt credential
	// file internal/identity authenticates Basic Auth requests against:
	// one "tenantID:username:bcryptHash" line per credential.
	IdentityCredentialsPath string
}

// FromEnv loads Config from the process environment, applying the
// defaults named in spec §6.6.
func FromEnv() Config {
	return Config{
		MaxEventsPerCall:         GetEnvInt("EPCIS_MAX_EVENTS_PER_CALL", 500),
		MaxEventsReturnedInQuery: GetEnvInt("EPCIS_MAX_EVENTS_RETURNED", 20000),
		CaptureSizeLimit:         GetEnvInt64("EPCIS_CAPTURE_SIZE_LIMIT", 10<<20),
		StorageProvider:          GetEnv("EPCIS_STORAGE_PROVIDER", "postgres"),
		ConnectionString:         GetEnv("EPCIS_DATABASE_URL", ""),
		CommandTimeout:           GetEnvDuration("EPCIS_COMMAND_TIMEOUT", 10*time.Second),
		PaginationSecret:         []byte(GetEnv("EPCIS_PAGINATION_SECRET", "")),
		HTTPAddr:                 GetEnv("EPCIS_HTTP_ADDR", ":8080"),
		SuperUserTenants:         splitCSV(GetEnv("EPCIS_SUPERUSER_TENANTS", "")),
		SubscriptionPollInterval: GetEnvDuration("EPCIS_SUBSCRIPTION_POLL_INTERVAL", time.Second),
		SubscriptionSigningKey:   []byte(GetEnv("EPCIS_SUBSCRIPTION_SIGNING_KEY", "")),
		RequestRatePerSecond:     GetEnvFloat("EPCIS_RATE_LIMIT_RPS", 100),
		LogLevel:                 GetEnv("LOG_LEVEL", "info"),
		LogFormat:                GetEnv("LOG_FORMAT", "json"),
		IdentityCredentialsPath:  GetEnv("EPCIS_IDENTITY_CREDENTIALS_PATH", ""),
	}
}

// GetEnv returns the named env var or defaultValue if unset/empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool accepts true/1/yes/y case-insensitive.
func GetEnvBool(key string, defaultValue bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return defaultValue
	}
}

// GetEnvInt parses the named env var as int, defaulting on absence or parse error.
func GetEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvInt64 is GetEnvInt for int64 (byte-budget-sized values).
func GetEnvInt64(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat parses the named env var as float64.
func GetEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvDuration parses the named env var with time.ParseDuration.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsSuperUser reports whether tenantID is configured as a super-user tenant.
func (c Config) IsSuperUser(tenantID string) bool {
	for _, t := range c.SuperUserTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}
