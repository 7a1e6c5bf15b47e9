package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	Database   DatabaseConfig
	Auth       AuthConfig
	Mail       MailConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// AuthConfig holds the credentials and durations the auth service is
// constructed with. It is read once at startup and never mutated.
type AuthConfig struct {
	JWTSecret    string
	TokenTTL     time.Duration
	ResetTTL     time.Duration
	BcryptCost   int
	ResetURLBase string
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "trailtours"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "trailtours_db"),
		UseSSL:   getEnv("DB_SSL", "") == "true",
	}

	authConfig := AuthConfig{
		JWTSecret:    getEnv("JWT_SECRET", ""),
		TokenTTL:     getEnvDuration("JWT_TTL", 24*time.Hour),
		ResetTTL:     getEnvDuration("RESET_TTL", 10*time.Minute),
		BcryptCost:   getEnvInt("BCRYPT_COST", 12),
		ResetURLBase: getEnv("RESET_URL_BASE", "http://localhost:8080/users/reset-password"),
	}

	mailConfig := MailConfig{
		Host:     getEnv("EMAIL_HOST", "localhost"),
		Port:     getEnvInt("EMAIL_PORT", 587),
		Username: getEnv("EMAIL_USERNAME", ""),
		Password: getEnv("EMAIL_PASSWORD", ""),
		From:     getEnv("EMAIL_FROM", "Trailtours <noreply@trailtours.io>"),
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Database:   dbConfig,
		Auth:       authConfig,
		Mail:       mailConfig,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
