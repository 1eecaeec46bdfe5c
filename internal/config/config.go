/**
 * @description
 * This package handles the configuration management for the session agent.
 * It uses the Viper library to read configuration from environment
 * variables, providing a centralized and straightforward way to manage
 * application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Storage policies for the session record.
const (
	StorageDurable  = "durable"
	StorageVolatile = "volatile"
)

// Config holds all the configuration variables for the session agent.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	AuthAPIBaseURL            string `mapstructure:"AUTH_API_BASE_URL"`
	AuthRequestTimeoutSeconds int    `mapstructure:"AUTH_REQUEST_TIMEOUT_SECONDS"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	SessionExchange           string `mapstructure:"SESSION_EXCHANGE"`
	StoragePolicy             string `mapstructure:"STORAGE_POLICY"`
	SessionSealKey            string `mapstructure:"SESSION_SEAL_KEY"`
	SessionTTLHours           int    `mapstructure:"SESSION_TTL_HOURS"`
	LockoutMaxAttempts        int    `mapstructure:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutSeconds            int    `mapstructure:"LOCKOUT_SECONDS"`
	CapabilityProbeTTLSeconds int    `mapstructure:"CAPABILITY_PROBE_TTL_SECONDS"`
	TokenExpiryMarginSeconds  int    `mapstructure:"TOKEN_EXPIRY_MARGIN_SECONDS"`
	BiometricHelperPath       string `mapstructure:"BIOMETRIC_HELPER_PATH"`
	ExpirySweepSchedule       string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	CORSAllowedOrigin         string `mapstructure:"CORS_ALLOWED_ORIGIN"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("AUTH_REQUEST_TIMEOUT_SECONDS", 15)
	viper.SetDefault("SESSION_EXCHANGE", "transfa.session")
	viper.SetDefault("STORAGE_POLICY", StorageDurable)
	viper.SetDefault("SESSION_TTL_HOURS", 720)
	viper.SetDefault("LOCKOUT_MAX_ATTEMPTS", 3)
	viper.SetDefault("LOCKOUT_SECONDS", 300)
	viper.SetDefault("CAPABILITY_PROBE_TTL_SECONDS", 30)
	viper.SetDefault("TOKEN_EXPIRY_MARGIN_SECONDS", 60)
	viper.SetDefault("BIOMETRIC_HELPER_PATH", "transfa-biometric-helper")
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "* * * * *")
	viper.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("AUTH_API_BASE_URL")
	_ = viper.BindEnv("AUTH_REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SESSION_AGENT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SESSION_EXCHANGE")
	_ = viper.BindEnv("STORAGE_POLICY")
	_ = viper.BindEnv("SESSION_SEAL_KEY")
	_ = viper.BindEnv("SESSION_TTL_HOURS")
	_ = viper.BindEnv("LOCKOUT_MAX_ATTEMPTS")
	_ = viper.BindEnv("LOCKOUT_SECONDS")
	_ = viper.BindEnv("CAPABILITY_PROBE_TTL_SECONDS")
	_ = viper.BindEnv("TOKEN_EXPIRY_MARGIN_SECONDS")
	_ = viper.BindEnv("BIOMETRIC_HELPER_PATH")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGIN")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if config.AuthAPIBaseURL == "" {
		return config, fmt.Errorf("AUTH_API_BASE_URL is required")
	}
	switch config.StoragePolicy {
	case StorageDurable, StorageVolatile:
	default:
		return config, fmt.Errorf("STORAGE_POLICY must be %q or %q, got %q", StorageDurable, StorageVolatile, config.StoragePolicy)
	}
	if config.StoragePolicy == StorageDurable {
		if config.RedisURL == "" {
			return config, fmt.Errorf("REDIS_URL is required when STORAGE_POLICY is %q", StorageDurable)
		}
		if config.SessionSealKey == "" {
			return config, fmt.Errorf("SESSION_SEAL_KEY is required when STORAGE_POLICY is %q", StorageDurable)
		}
	}
	if config.LockoutMaxAttempts < 1 {
		return config, fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be at least 1")
	}

	return config, nil
}
