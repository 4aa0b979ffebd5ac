package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// MaxReferralHopsLimit is the maximum referral chain depth a connection will follow.
const MaxReferralHopsLimit = 32

// RebindConfig holds configuration for referral rebinding.
type RebindConfig struct {
	// Rebind settings
	Strategy        string `default:"bind"` // Callback convention: "bind", "supply" or "none"
	MaxReferralHops int    `default:"5"`    // Maximum referral chain depth

	// Connection settings for referred servers
	Timeout   time.Duration `default:"30s"`  // Dial and operation timeout
	UseTLS    bool          `default:"true"` // Upgrade ldap:// referrals with StartTLS
	SkipTLS   bool          // Skip TLS entirely (not recommended)
	TLSConfig *tls.Config   // Custom TLS configuration

	// Retry settings for referred connections
	MaxRetries     int           `default:"2"`     // Maximum dial retry attempts
	InitialBackoff time.Duration `default:"250ms"` // Initial backoff duration
	MaxBackoff     time.Duration `default:"5s"`    // Maximum backoff duration
	BackoffFactor  float64       `default:"2.0"`   // Backoff multiplication factor
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *RebindConfig {
	config := &RebindConfig{}
	if err := defaults.Set(config); err != nil {
		// The struct tags are static; failure here is a programming error.
		panic(fmt.Sprintf("invalid rebind config defaults: %v", err))
	}

	config.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Certificate validation enabled by default
		InsecureSkipVerify: false,
	}

	return config
}

// RebindStrategy returns the parsed callback strategy.
func (c *RebindConfig) RebindStrategy() (RebindStrategy, error) {
	return ParseRebindStrategy(c.Strategy)
}

// validateConfig validates the rebind configuration.
func validateConfig(config *RebindConfig) error {
	if config == nil {
		return errors.New("configuration cannot be nil")
	}

	if _, err := config.RebindStrategy(); err != nil {
		return err
	}

	if config.MaxReferralHops < 0 {
		return errors.New("MaxReferralHops cannot be negative")
	}

	if config.MaxReferralHops > MaxReferralHopsLimit {
		return fmt.Errorf("MaxReferralHops too high (max %d)", MaxReferralHopsLimit)
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}
