// Package config loads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// S3 holds S3-compatible object storage settings for uploaded media.
type S3 struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	PublicURL string
}

// Enabled reports whether enough is set to build a client.
func (s S3) Enabled() bool {
	return s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// Stripe holds payment provider settings.
type Stripe struct {
	SecretKey         string
	WebhookSecret     string
	ExtraVideoPriceID string
	PlanPriceIDs      map[string]string
}

type Config struct {
	Port          string
	LogLevel      string
	LogFormat     string
	DBPath        string
	BaseURL       string
	BackendURL    string
	BackendAPIKey string
	SessionSecret string
	RateLimit     int
	Stripe        Stripe
	S3            S3
}

// Load reads .env (when present) and the process environment. Values already
// set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:          getEnv("CLIPFORGE_PORT", "8080"),
		LogLevel:      getEnv("CLIPFORGE_LOG_LEVEL", "info"),
		LogFormat:     getEnv("CLIPFORGE_LOG_FORMAT", "text"),
		DBPath:        getEnv("CLIPFORGE_DB_PATH", "clipforge.db"),
		BackendURL:    strings.TrimRight(os.Getenv("CLIPFORGE_BACKEND_URL"), "/"),
		BackendAPIKey: os.Getenv("CLIPFORGE_BACKEND_API_KEY"),
		SessionSecret: os.Getenv("CLIPFORGE_SESSION_SECRET"),
		Stripe: Stripe{
			SecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
			ExtraVideoPriceID: os.Getenv("STRIPE_EXTRA_VIDEO_PRICE_ID"),
		},
		S3: S3{
			Endpoint:  os.Getenv("CLIPFORGE_S3_ENDPOINT"),
			Bucket:    os.Getenv("CLIPFORGE_S3_BUCKET"),
			Region:    getEnv("CLIPFORGE_S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("CLIPFORGE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("CLIPFORGE_S3_SECRET_KEY"),
			PublicURL: strings.TrimRight(os.Getenv("CLIPFORGE_S3_PUBLIC_URL"), "/"),
		},
	}
	cfg.BaseURL = getEnv("CLIPFORGE_BASE_URL", "http://localhost:"+cfg.Port)

	rate, err := strconv.Atoi(getEnv("CLIPFORGE_RATE_LIMIT", "10"))
	if err != nil || rate <= 0 {
		return Config{}, fmt.Errorf("CLIPFORGE_RATE_LIMIT must be a positive integer")
	}
	cfg.RateLimit = rate

	prices, err := parsePlanPrices(os.Getenv("STRIPE_PLAN_PRICE_IDS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Stripe.PlanPriceIDs = prices

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, errors.New("CLIPFORGE_BACKEND_URL is required"))
	} else if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		errs = append(errs, errors.New("CLIPFORGE_BACKEND_URL must be an http(s) URL"))
	}
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("CLIPFORGE_SESSION_SECRET is required"))
	}
	return errors.Join(errs...)
}

// parsePlanPrices parses "plan=price_id,plan=price_id".
func parsePlanPrices(raw string) (map[string]string, error) {
	prices := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		plan, price, ok := strings.Cut(pair, "=")
		plan, price = strings.ToLower(strings.TrimSpace(plan)), strings.TrimSpace(price)
		if !ok || plan == "" || price == "" {
			return nil, fmt.Errorf("STRIPE_PLAN_PRICE_IDS: malformed entry %q", pair)
		}
		prices[plan] = price
	}
	return prices, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
