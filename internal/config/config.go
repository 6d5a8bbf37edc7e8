// Package config reads engine configuration from environment
// variables, falling back to sensible local-development defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all tunables for the reservation engine.
type Config struct {
	// Server
	Port        string
	Environment string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Reservation timings
	HoldTTL       time.Duration // how long a pending booking holds capacity
	OfferTTL      time.Duration // how long a waitlist offer stays claimable
	SweepInterval time.Duration

	// Webhook verification
	WebhookSecret    string
	WebhookTolerance time.Duration

	// Payment gateway
	GatewayURL string
	GatewayKey string
	SuccessURL string
	CancelURL  string

	// Rate limiting (requests per second per IP, with burst)
	RateLimit      float64
	RateLimitBurst int
}

// Load reads a .env file if present, then the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "reservations"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		HoldTTL:       getEnvAsDuration("HOLD_TTL", "30m"),
		OfferTTL:      getEnvAsDuration("OFFER_TTL", "24h"),
		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", "2m"),

		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		WebhookTolerance: getEnvAsDuration("WEBHOOK_TOLERANCE", "300s"),

		GatewayURL: getEnv("GATEWAY_URL", ""),
		GatewayKey: getEnv("GATEWAY_KEY", ""),
		SuccessURL: getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:8080/checkout/success"),
		CancelURL:  getEnv("CHECKOUT_CANCEL_URL", "http://localhost:8080/checkout/cancel"),

		RateLimit:      getEnvAsFloat("RATE_LIMIT", 10),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvAsDuration(key, fallback string) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
