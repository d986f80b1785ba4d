package oauth

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultExpirySeconds = 3600

// maxExpirySeconds is the longest expiry a time.Duration can hold.
const maxExpirySeconds = math.MaxInt64 / int64(time.Second)

// Config holds OAuth server settings.
type Config struct {
	SigningSecret   []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	SweepInterval   time.Duration
}

// LoadConfigFromEnv loads OAuth config from environment variables. TTLs use the
// compact notation accepted by ParseExpiry.
func LoadConfigFromEnv() (Config, error) {
	secret := os.Getenv("JWT_SECRET")
	if strings.TrimSpace(secret) == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}

	return Config{
		SigningSecret:   []byte(secret),
		AccessTokenTTL:  expiryEnv("JWT_EXPIRY", "1h"),
		RefreshTokenTTL: expiryEnv("JWT_REFRESH_EXPIRY", "7d"),
		AuthCodeTTL:     expiryEnv("AUTH_CODE_EXPIRY", "10m"),
		SweepInterval:   expiryEnv("CODE_SWEEP_INTERVAL", "5m"),
	}, nil
}

var expiryPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseExpiry converts "30s", "15m", "2h" or "7d" into seconds. Anything else,
// including values too large for a time.Duration, yields 3600.
func ParseExpiry(expiry string) int {
	match := expiryPattern.FindStringSubmatch(expiry)
	if match == nil {
		return defaultExpirySeconds
	}

	value, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return defaultExpirySeconds
	}

	var unit int64
	switch match[2] {
	case "s":
		unit = 1
	case "m":
		unit = 60
	case "h":
		unit = 3600
	case "d":
		unit = 86400
	default:
		return defaultExpirySeconds
	}

	if value > maxExpirySeconds/unit || value*unit > math.MaxInt {
		return defaultExpirySeconds
	}
	return int(value * unit)
}

// ExpiryDuration is ParseExpiry as a time.Duration.
func ExpiryDuration(expiry string) time.Duration {
	return time.Duration(ParseExpiry(expiry)) * time.Second
}

func expiryEnv(key, fallback string) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return ExpiryDuration(val)
	}
	return ExpiryDuration(fallback)
}
