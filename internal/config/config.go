// Package config reads the client and development server settings from the
// environment, after loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const DefaultAPIURL = "http://localhost:8080"

var validate = validator.New()

// Client configures the API client and the playback tracker.
type Client struct {
	APIURL            string        `validate:"required,url"`
	StateFile         string
	SampleInterval    time.Duration `validate:"gt=0"`
	SaveInterval      time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0"`
	EmitThrottle      time.Duration `validate:"gt=0"`
}

// Server configures the development backend.
type Server struct {
	Port           string        `validate:"required,numeric"`
	DatabaseURL    string        `validate:"required"`
	JWTSecret      string        `validate:"required,min=16"`
	BaseURL        string        `validate:"required,url"`
	AccessTokenTTL time.Duration `validate:"gt=0"`

	// GeoIPDBPath points at a MaxMind City database; empty disables
	// session locations.
	GeoIPDBPath string
	S3          S3
}

// S3 is optional; an empty Endpoint disables stream redirects.
type S3 struct {
	Endpoint       string `validate:"omitempty,url"`
	PublicEndpoint string `validate:"omitempty,url"`
	Bucket         string `validate:"required_with=Endpoint"`
	AccessKey      string
	SecretKey      string
	Region         string
}

// LoadDotenv loads each file that exists. Variables already set win.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadClient() (Client, error) {
	cfg := Client{
		APIURL:            strings.TrimRight(getEnv("LMS_API_URL", DefaultAPIURL), "/"),
		StateFile:         os.Getenv("LMS_STATE_FILE"),
		SampleInterval:    getEnvDuration("LMS_SAMPLE_INTERVAL", 2*time.Second),
		SaveInterval:      getEnvDuration("LMS_SAVE_INTERVAL", 10*time.Second),
		HeartbeatInterval: getEnvDuration("LMS_HEARTBEAT_INTERVAL", 30*time.Second),
		EmitThrottle:      getEnvDuration("LMS_EMIT_THROTTLE", 2*time.Second),
	}
	if err := validate.Struct(cfg); err != nil {
		return Client{}, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

func LoadServer() (Server, error) {
	cfg := Server{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		BaseURL:        getEnv("BASE_URL", DefaultAPIURL),
		AccessTokenTTL: getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),
		S3: S3{
			Endpoint:       os.Getenv("S3_ENDPOINT"),
			PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
			Bucket:         getEnv("S3_BUCKET", "lumen"),
			AccessKey:      os.Getenv("S3_ACCESS_KEY"),
			SecretKey:      os.Getenv("S3_SECRET_KEY"),
			Region:         getEnv("S3_REGION", "eu-central-1"),
		},
	}
	if err := validate.Struct(cfg); err != nil {
		return Server{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvDuration accepts a Go duration ("90s") or a whole number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
