package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ReferralOption configures a ReferralConn.
type ReferralOption func(*ReferralConn)

// WithDialer sets the dialer used for referred servers.
func WithDialer(dialer Dialer) ReferralOption {
	return func(c *ReferralConn) {
		c.dialer = dialer
	}
}

// WithReferralLogger sets the logger used while following referrals.
func WithReferralLogger(logger Logger) ReferralOption {
	return func(c *ReferralConn) {
		c.logger = logger
	}
}

// ReferralConn is a directory connection that follows search referrals,
// re-authenticating each referred connection through the installed rebind
// callback. It is the connection handle registered with a RebindRegistry.
type ReferralConn struct {
	conn   ReferralClient
	config *RebindConfig
	dialer Dialer
	logger Logger

	mu         sync.RWMutex
	supplyProc SupplyRebindProc
	bindProc   BindRebindProc
}

// NewReferralConn wraps an established primary connection.
func NewReferralConn(conn ReferralClient, config *RebindConfig, opts ...ReferralOption) (*ReferralConn, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &ReferralConn{
		conn:   conn,
		config: config,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		dialer, err := NewDialer(config, c.logger)
		if err != nil {
			return nil, err
		}
		c.dialer = dialer
	}

	return c, nil
}

// SetSupplyRebindProc installs a lookup-and-supply rebind callback.
func (c *ReferralConn) SetSupplyRebindProc(proc SupplyRebindProc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supplyProc = proc
}

// SetBindRebindProc installs a bind-now rebind callback.
func (c *ReferralConn) SetBindRebindProc(proc BindRebindProc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindProc = proc
}

// Bind authenticates the primary connection.
func (c *ReferralConn) Bind(username, password string) error {
	if password == "" {
		return WrapError("bind", c.conn.UnauthenticatedBind(username))
	}
	return WrapError("bind", c.conn.Bind(username, password))
}

// Close closes the primary connection.
func (c *ReferralConn) Close() error {
	return c.conn.Close()
}

// Search runs req on the primary connection and follows any referrals it
// returns. Entries from referred servers are merged into the result;
// referrals that could not be followed are left in Referrals.
func (c *ReferralConn) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	start := time.Now()
	res, err := c.conn.Search(req)
	if err != nil {
		LogLDAPError(c.logger, "search", err, map[string]any{"base_dn": req.BaseDN})
		return nil, WrapError("search", err)
	}

	out := &ldap.SearchResult{
		Entries:  res.Entries,
		Controls: res.Controls,
	}
	c.chase(ctx, req, res.Referrals, 1, out)

	if c.logger != nil {
		c.logger.Debug("Search completed", map[string]any{
			"base_dn":            req.BaseDN,
			"entries":            len(out.Entries),
			"unchased_referrals": len(out.Referrals),
			"duration_ms":        time.Since(start).Milliseconds(),
		})
	}
	return out, nil
}

// chase follows referrals at the given hop depth, appending to out.
func (c *ReferralConn) chase(ctx context.Context, req *ldap.SearchRequest, referrals []string, depth int, out *ldap.SearchResult) {
	for _, referral := range referrals {
		fields := map[string]any{
			"referral_url": referral,
			"hop":          depth,
		}

		if ctx.Err() != nil || depth > c.config.MaxReferralHops {
			LogRebindEvent(c.logger, "referral_hop_limit", fields)
			out.Referrals = append(out.Referrals, referral)
			continue
		}

		next, err := c.follow(ctx, req, referral)
		if err != nil {
			fields["error"] = err.Error()
			LogRebindEvent(c.logger, eventForReferralError(err), fields)
			out.Referrals = append(out.Referrals, referral)
			continue
		}

		LogRebindEvent(c.logger, "referral_followed", fields)
		out.Entries = append(out.Entries, next.result.Entries...)
		c.chase(ctx, next.request, next.result.Referrals, depth+1, out)
	}
}

type referralStep struct {
	request *ldap.SearchRequest
	result  *ldap.SearchResult
}

// referralError tags a failure with the stage of the hop that produced it.
type referralError struct {
	stage string
	err   error
}

func (e *referralError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *referralError) Unwrap() error {
	return e.err
}

func eventForReferralError(err error) string {
	var refErr *referralError
	if errors.As(err, &refErr) {
		return "referral_" + refErr.stage + "_failed"
	}
	return "referral_search_failed"
}

// follow dials, rebinds and searches a single referral.
func (c *ReferralConn) follow(ctx context.Context, req *ldap.SearchRequest, referral string) (*referralStep, error) {
	target, err := ParseReferralURL(referral)
	if err != nil {
		return nil, &referralError{stage: "dial", err: err}
	}

	conn, err := c.dialer.Dial(ctx, target.ServerURL())
	if err != nil {
		return nil, &referralError{stage: "dial", err: err}
	}
	defer conn.Close()

	if err := c.rebind(conn, referral); err != nil {
		return nil, &referralError{stage: "rebind", err: err}
	}
	LogRebindEvent(c.logger, "referral_rebound", map[string]any{"referral_url": referral})

	redirected := target.Apply(req)
	res, err := conn.Search(redirected)
	if err != nil {
		return nil, &referralError{stage: "search", err: WrapError("search", err)}
	}

	return &referralStep{request: redirected, result: res}, nil
}

// rebind authenticates a referred connection through the installed callback.
// Without a callback the connection is bound anonymously.
func (c *ReferralConn) rebind(conn ReferralClient, referral string) error {
	c.mu.RLock()
	bindProc, supplyProc := c.bindProc, c.supplyProc
	c.mu.RUnlock()

	switch {
	case bindProc != nil:
		return bindProc(c, conn, referral)
	case supplyProc != nil:
		creds := &SuppliedCredentials{}
		if err := supplyProc(c, creds, false); err != nil {
			return err
		}
		defer supplyProc(c, creds, true)

		if len(creds.Password) > 0 {
			return WrapError("rebind", conn.Bind(string(creds.DN), string(creds.Password)))
		}
		return WrapError("rebind", conn.UnauthenticatedBind(string(creds.DN)))
	default:
		return WrapError("rebind", conn.UnauthenticatedBind(""))
	}
}
