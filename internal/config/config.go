package config

import (
	"os"
	"strconv"
	"time"
)

// OAuthClient holds one provider's OAuth application keys.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// CalDAV holds the basic-auth settings for a CalDAV account.
type CalDAV struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
}

// Config holds all configuration for the application. It is built once in
// main and passed explicitly into constructors; nothing reads the environment
// after startup.
type Config struct {
	DatabasePath   string
	LogLevel       string
	AdapterTimeout time.Duration
	Google         OAuthClient
	Zoom           OAuthClient
	CalDAV         CalDAV
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		DatabasePath:   getEnv("DATABASE_PATH", "calbook.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AdapterTimeout: getDuration("ADAPTER_TIMEOUT", 10*time.Second),
		Google: OAuthClient{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Zoom: OAuthClient{
			ClientID:     getEnv("ZOOM_CLIENT_ID", ""),
			ClientSecret: getEnv("ZOOM_CLIENT_SECRET", ""),
		},
		CalDAV: CalDAV{
			Endpoint:     getEnv("CALDAV_ENDPOINT", "https://caldav.icloud.com/"),
			Username:     getEnv("CALDAV_USERNAME", ""),
			Password:     getEnv("CALDAV_PASSWORD", ""),
			CalendarName: getEnv("CALDAV_CALENDAR_NAME", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
