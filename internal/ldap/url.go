package ldap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ReferralTarget is a parsed LDAP URL (RFC 4516) taken from a referral.
type ReferralTarget struct {
	Host       string
	Port       int
	UseTLS     bool
	BaseDN     string   // empty means "reuse the original base DN"
	Attributes []string // nil means "reuse the original attributes"
	Scope      int      // -1 means "reuse the original scope"
	Filter     string   // empty means "reuse the original filter"
}

// ServerURL returns the scheme, host and port portion of the target.
func (t *ReferralTarget) ServerURL() string {
	scheme := "ldap"
	if t.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
}

// Apply returns a copy of req redirected to the target.
func (t *ReferralTarget) Apply(req *ldap.SearchRequest) *ldap.SearchRequest {
	redirected := *req
	if t.BaseDN != "" {
		redirected.BaseDN = t.BaseDN
	}
	if t.Attributes != nil {
		redirected.Attributes = t.Attributes
	}
	if t.Scope >= 0 {
		redirected.Scope = t.Scope
	}
	if t.Filter != "" {
		redirected.Filter = t.Filter
	}
	return &redirected
}

// ParseReferralURL parses an LDAP URL of the form
// ldap[s]://host[:port][/dn[?attrs[?scope[?filter[?exts]]]]].
func ParseReferralURL(raw string) (*ReferralTarget, error) {
	if raw == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid referral URL %q: %w", raw, err)
	}

	target := &ReferralTarget{Scope: -1}

	switch strings.ToLower(u.Scheme) {
	case "ldaps":
		target.UseTLS = true
		target.Port = 636 // LDAPS default
	case "ldap":
		target.Port = 389 // LDAP default
	default:
		return nil, fmt.Errorf("unsupported scheme, must be ldap:// or ldaps://")
	}

	target.Host = u.Hostname()
	if target.Host == "" {
		return nil, fmt.Errorf("referral URL %q has no host", raw)
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		target.Port = port
	}

	target.BaseDN = strings.TrimPrefix(u.Path, "/")

	// RFC 4516 uses '?' as a field separator inside the query component.
	fields := strings.Split(u.RawQuery, "?")
	field := func(i int) (string, error) {
		if i >= len(fields) {
			return "", nil
		}
		return url.PathUnescape(fields[i])
	}

	if attrs, err := field(0); err != nil {
		return nil, fmt.Errorf("invalid attribute list: %w", err)
	} else if attrs != "" {
		target.Attributes = strings.Split(attrs, ",")
	}

	scope, err := field(1)
	if err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	switch strings.ToLower(scope) {
	case "":
	case "base":
		target.Scope = ldap.ScopeBaseObject
	case "one":
		target.Scope = ldap.ScopeSingleLevel
	case "sub":
		target.Scope = ldap.ScopeWholeSubtree
	default:
		return nil, fmt.Errorf("invalid scope %q", scope)
	}

	if target.Filter, err = field(2); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	return target, nil
}
