// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `validate:"required,numeric"`
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string `validate:"oneof=DEBUG INFO WARN ERROR"`

	OtelEnabled      bool
	OtelEndpoint     string  `validate:"required_if=OtelEnabled true"`
	OtelServiceName  string  `validate:"required"`
	OtelSamplingRate float64 `validate:"gte=0,lte=1"`

	// 耐量子暗号
	PQEnabled                bool
	PQKEMVariant             string `validate:"oneof=kyber768 kyber1024 ML-KEM-768 ML-KEM-1024"`
	PQSignatureVariant       string `validate:"oneof=dilithium3 dilithium5 ML-DSA-65 ML-DSA-87"`
	PQAllowClassicalFallback bool

	RSAKeyBits     int `validate:"oneof=2048 3072 4096"`
	AuditHashChain bool

	ThreatRulesFile      string
	ThreatBlockMalicious bool
	RateLimitEnabled     bool
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     os.Getenv("OTEL_ENDPOINT"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "content-protection-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		PQEnabled:                getEnvBool("PQC_ENABLED", true),
		PQKEMVariant:             getEnv("KYBER_VARIANT", "kyber768"),
		PQSignatureVariant:       getEnv("DILITHIUM_VARIANT", "dilithium3"),
		PQAllowClassicalFallback: getEnvBool("PQC_ALLOW_CLASSICAL_FALLBACK", false),

		RSAKeyBits:     getEnvInt("RSA_KEY_BITS", 4096),
		AuditHashChain: getEnvBool("AUDIT_HASH_CHAIN", true),

		ThreatRulesFile:      os.Getenv("THREAT_RULES_FILE"),
		ThreatBlockMalicious: getEnvBool("THREAT_BLOCK_MALICIOUS", true),
		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", true),
	}
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
