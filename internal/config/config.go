package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB       DBConfig
	MinIO    MinIOConfig
	JWT      JWTConfig
	Server   ServerConfig
	Twofa    TwofaConfig
	WebAuthn WebAuthnConfig
	Audit    AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Enabled   bool
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
}

// TwofaConfig carries the second-factor policy knobs. The windows and
// thresholds are named policy constants rather than inlined literals; they are
// overridable per deployment but the defaults are the product policy.
type TwofaConfig struct {
	EncryptionKey string // 64 hex chars; empty leaves TOTP enrollment unavailable
	Issuer        string

	EnrollmentExpiry time.Duration // pending TOTP secret lifetime
	TrustDuration    time.Duration // trusted-device grant lifetime
	ReverifyAfter    time.Duration // max age of last 2FA proof on a trusted device

	LockoutWindow    time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration

	RiskWindow           time.Duration
	RiskFailureThreshold int

	RecoveryCodeCount int
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "vshub"),
			Password: getEnv("DB_PASSWORD", "vshub_secret"),
			Name:     getEnv("DB_NAME", "vshub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "vshub-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			Enabled:   os.Getenv("MINIO_ENDPOINT") != "",
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Twofa: TwofaConfig{
			EncryptionKey:        getEnv("TWOFA_ENCRYPTION_KEY", ""),
			Issuer:               getEnv("TWOFA_ISSUER", "ValueStrategy Hub"),
			EnrollmentExpiry:     getEnvAsDuration("TWOFA_ENROLLMENT_EXPIRY", 3*time.Minute),
			TrustDuration:        getEnvAsDuration("TWOFA_TRUST_DURATION", 30*24*time.Hour),
			ReverifyAfter:        getEnvAsDuration("TWOFA_REVERIFY_AFTER", 30*24*time.Hour),
			LockoutWindow:        getEnvAsDuration("TWOFA_LOCKOUT_WINDOW", 15*time.Minute),
			LockoutThreshold:     getEnvAsInt("TWOFA_LOCKOUT_THRESHOLD", 5),
			LockoutDuration:      getEnvAsDuration("TWOFA_LOCKOUT_DURATION", 30*time.Minute),
			RiskWindow:           getEnvAsDuration("TWOFA_RISK_WINDOW", time.Hour),
			RiskFailureThreshold: getEnvAsInt("TWOFA_RISK_FAILURE_THRESHOLD", 3),
			RecoveryCodeCount:    getEnvAsInt("TWOFA_RECOVERY_CODE_COUNT", 10),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "ValueStrategy Hub"),
			RPOrigins:     getEnvAsSlice("WEBAUTHN_RP_ORIGINS", []string{"http://localhost:3000"}),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
