package config

import (
	"os"
	"strconv"
	"time"
)

type QRConfig struct {
	CodeLength    int
	ImageSize     int
	ImageDir      string
	ClientBaseURL string
	ServerBaseURL string
	ScanCacheTTL  time.Duration
}

func LoadQRConfig() *QRConfig {
	return &QRConfig{
		CodeLength:    getEnvAsInt("QR_CODE_LENGTH", 6),
		ImageSize:     getEnvAsInt("QR_IMAGE_SIZE", 300),
		ImageDir:      getEnv("QR_IMAGE_DIR", "./static/qr-codes"),
		ClientBaseURL: getEnv("QR_CLIENT_BASE_URL", "http://localhost:5173"),
		ServerBaseURL: getEnv("QR_SERVER_BASE_URL", "http://localhost:8080"),
		ScanCacheTTL:  getEnvAsDuration("QR_SCAN_CACHE_TTL", 24*time.Hour),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
