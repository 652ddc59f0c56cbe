package config

import (
	"os"
	"strconv"
)

type Config struct {
	DB       DBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Server   ServerConfig
	WebAuthn WebAuthnConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ServerConfig struct {
	Port string
	Env  string
}

func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type WebAuthnConfig struct {
	RPID          string
	RPOrigin      string
	RPDisplayName string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "herdbook"),
			Password: getEnv("DB_PASSWORD", "herdbook_secret"),
			Name:     getEnv("DB_NAME", "herdbook"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPOrigin:      getEnv("WEBAUTHN_RP_ORIGIN", "http://localhost:3001"),
			RPDisplayName: getEnv("WEBAUTHN_RP_DISPLAY_NAME", "Herdbook"),
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
