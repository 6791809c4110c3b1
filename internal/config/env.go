package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FHIRBUNDLE_"

// LoadFromEnv applies FHIRBUNDLE_* environment variables to cfg.
func LoadFromEnv(cfg *Config) error {
	if port := os.Getenv(EnvPrefix + "PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%w: %sPORT: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		cfg.Server.Port = p
	}

	if logLevel := os.Getenv(EnvPrefix + "LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if driver := os.Getenv(EnvPrefix + "STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := os.Getenv(EnvPrefix + "STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}

	if timeout := os.Getenv(EnvPrefix + "OPERATION_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%w: %sOPERATION_TIMEOUT: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		cfg.Orchestration.OperationTimeout = d
	}

	if chunk := os.Getenv(EnvPrefix + "IMPORT_CHUNK_SIZE"); chunk != "" {
		n, err := strconv.Atoi(chunk)
		if err != nil {
			return fmt.Errorf("%w: %sIMPORT_CHUNK_SIZE: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		cfg.Import.ChunkSize = n
	}

	if secret := os.Getenv(EnvPrefix + "JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	// Credentials for s3:// import inputs.
	if key := os.Getenv(EnvPrefix + "S3_ACCESS_KEY"); key != "" {
		cfg.Import.S3.AccessKey = key
	}
	if secret := os.Getenv(EnvPrefix + "S3_SECRET_KEY"); secret != "" {
		cfg.Import.S3.SecretKey = secret
	}
	return nil
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
