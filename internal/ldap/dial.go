package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ReferralClient is the subset of an LDAP connection used while following referrals.
type ReferralClient interface {
	RebindTarget
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens connections to referred servers.
type Dialer interface {
	Dial(ctx context.Context, serverURL string) (ReferralClient, error)
}

// ldapConn adapts *ldap.Conn to ReferralClient.
type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// ldapDialer dials with go-ldap, honouring the TLS and retry settings of a RebindConfig.
type ldapDialer struct {
	config *RebindConfig
	logger Logger
}

// NewDialer returns a Dialer backed by go-ldap.
func NewDialer(config *RebindConfig, logger Logger) (Dialer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &ldapDialer{config: config, logger: logger}, nil
}

// Dial connects to serverURL with exponential backoff on retryable errors.
func (d *ldapDialer) Dial(ctx context.Context, serverURL string) (ReferralClient, error) {
	target, err := ParseReferralURL(serverURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := d.config.InitialBackoff

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 && d.logger != nil {
			d.logger.Debug("Retrying referral dial", map[string]any{
				"attempt":    attempt,
				"max_retry":  d.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
				"server":     target.ServerURL(),
			})
		}

		conn, err := d.dialOnce(ctx, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == d.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			// Exponential backoff
			backoff = min(time.Duration(float64(backoff)*d.config.BackoffFactor), d.config.MaxBackoff)
		}
	}

	return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", target.ServerURL()), false, lastErr)
}

// dialOnce creates a connection to a specific server.
func (d *ldapDialer) dialOnce(ctx context.Context, target *ReferralTarget) (ReferralClient, error) {
	url := target.ServerURL()
	netDialer := &net.Dialer{Timeout: d.config.Timeout}
	tlsConfig := d.tlsConfigFor(target.Host)

	var conn *ldap.Conn
	var err error

	if target.UseTLS {
		// Direct TLS connection (LDAPS)
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(netDialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		// Plain connection, will use StartTLS if needed
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(netDialer))
		if err == nil && d.config.UseTLS && !d.config.SkipTLS {
			// Upgrade to TLS using StartTLS
			if err = conn.StartTLS(tlsConfig); err != nil {
				conn.Close()
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}

	// Set connection timeout
	conn.SetTimeout(d.config.Timeout)

	return ldapConn{Conn: conn}, nil
}

// tlsConfigFor clones the configured TLS settings for host.
func (d *ldapDialer) tlsConfigFor(host string) *tls.Config {
	var cfg *tls.Config
	if d.config.TLSConfig != nil {
		cfg = d.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
