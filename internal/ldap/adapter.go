package ldap

import (
	"fmt"
	"strings"
)

// RebindStrategy selects the calling convention used to hand credentials to
// the protocol layer when it follows a referral.
type RebindStrategy int

const (
	// StrategyBindNow installs a callback that binds the referred connection itself.
	StrategyBindNow RebindStrategy = iota
	// StrategySupply installs a callback that lends credentials to the protocol
	// layer and later releases them.
	StrategySupply
	// StrategyNone installs nothing; every Add fails with ErrNotImplemented.
	StrategyNone
)

// String returns string representation of the rebind strategy.
func (s RebindStrategy) String() string {
	switch s {
	case StrategyBindNow:
		return "bind"
	case StrategySupply:
		return "supply"
	case StrategyNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseRebindStrategy parses a strategy name as used in RebindConfig.
func ParseRebindStrategy(name string) (RebindStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bind", "bind-now", "bind_now":
		return StrategyBindNow, nil
	case "supply", "lookup":
		return StrategySupply, nil
	case "none":
		return StrategyNone, nil
	default:
		return StrategyNone, fmt.Errorf("unknown rebind strategy %q (want bind, supply or none)", name)
	}
}

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // DN/password authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	default:
		return "unknown"
	}
}

// SuppliedCredentials carries credentials lent to the protocol layer by a
// SupplyRebindProc. DN and Password are nil for an anonymous rebind.
type SuppliedCredentials struct {
	DN       []byte
	Password []byte
	Method   AuthMethod

	// Buffers duplicated by the adapter, released on the release call.
	owned [][]byte
}

// SupplyRebindProc is called with release=false to obtain credentials for
// handle, then with release=true on the same creds once the bind is done.
type SupplyRebindProc func(handle Handle, creds *SuppliedCredentials, release bool) error

// RebindTarget is a freshly opened connection to a referred server.
type RebindTarget interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
}

// BindRebindProc authenticates target, opened while following referralURL on
// behalf of handle.
type BindRebindProc func(handle Handle, target RebindTarget, referralURL string) error

// SupplyRebindSetter is implemented by handles that accept a SupplyRebindProc.
type SupplyRebindSetter interface {
	SetSupplyRebindProc(proc SupplyRebindProc)
}

// BindRebindSetter is implemented by handles that accept a BindRebindProc.
type BindRebindSetter interface {
	SetBindRebindProc(proc BindRebindProc)
}

// LookupFunc resolves the credentials registered for a handle.
type LookupFunc func(handle Handle) (Credentials, bool)

// CallbackInstaller installs a rebind callback on a connection handle.
type CallbackInstaller interface {
	InstallRebindCallback(handle Handle, lookup LookupFunc) error
	Strategy() RebindStrategy
}

// NewCallbackInstaller returns the installer for strategy.
func NewCallbackInstaller(strategy RebindStrategy, logger Logger) CallbackInstaller {
	switch strategy {
	case StrategyBindNow:
		return &bindNowInstaller{logger: logger}
	case StrategySupply:
		return &supplyInstaller{logger: logger}
	default:
		return unsupportedInstaller{strategy: strategy}
	}
}

// supplyInstaller implements the lookup-and-supply convention.
type supplyInstaller struct {
	logger Logger
}

func (i *supplyInstaller) Strategy() RebindStrategy {
	return StrategySupply
}

func (i *supplyInstaller) InstallRebindCallback(handle Handle, lookup LookupFunc) error {
	setter, ok := handle.(SupplyRebindSetter)
	if !ok {
		return fmt.Errorf("%w: %T does not accept a supply rebind callback", ErrNotImplemented, handle)
	}

	setter.SetSupplyRebindProc(func(h Handle, creds *SuppliedCredentials, release bool) error {
		if creds == nil {
			return nil
		}
		if release {
			releaseSupplied(creds)
			return nil
		}

		creds.Method = AuthMethodSimpleBind
		creds.DN = nil
		creds.Password = nil

		found, ok := lookup(h)
		if !ok || found.DN == "" {
			LogRebindEvent(i.logger, "entry_not_found", map[string]any{
				"handle":   handleLabel(h),
				"strategy": StrategySupply.String(),
			})
			return nil
		}

		creds.DN = creds.own(found.DN)
		if found.Password != "" {
			creds.Password = creds.own(found.Password)
		}
		return nil
	})

	return nil
}

// own duplicates s into a buffer the adapter is responsible for releasing.
func (c *SuppliedCredentials) own(s string) []byte {
	buf := []byte(s)
	c.owned = append(c.owned, buf)
	return buf
}

// releaseSupplied wipes the buffers the adapter duplicated. Fields that the
// caller has since pointed elsewhere are left untouched.
func releaseSupplied(c *SuppliedCredentials) {
	for _, buf := range c.owned {
		if sameBuffer(c.DN, buf) {
			c.DN = nil
		}
		if sameBuffer(c.Password, buf) {
			c.Password = nil
		}
		clear(buf)
	}
	c.owned = nil
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// bindNowInstaller implements the bind-now convention.
type bindNowInstaller struct {
	logger Logger
}

func (i *bindNowInstaller) Strategy() RebindStrategy {
	return StrategyBindNow
}

func (i *bindNowInstaller) InstallRebindCallback(handle Handle, lookup LookupFunc) error {
	setter, ok := handle.(BindRebindSetter)
	if !ok {
		return fmt.Errorf("%w: %T does not accept a bind rebind callback", ErrNotImplemented, handle)
	}

	setter.SetBindRebindProc(func(h Handle, target RebindTarget, referralURL string) error {
		if target == nil {
			return fmt.Errorf("no connection to rebind for referral %s", referralURL)
		}

		var dn, password string
		if found, ok := lookup(h); ok && found.DN != "" {
			dn = found.DN
			password = found.Password
		} else {
			LogRebindEvent(i.logger, "entry_not_found", map[string]any{
				"handle":       handleLabel(h),
				"strategy":     StrategyBindNow.String(),
				"referral_url": referralURL,
			})
		}

		var err error
		if password != "" {
			err = target.Bind(dn, password)
		} else {
			err = target.UnauthenticatedBind(dn)
		}
		if err != nil {
			ldapErr := NewLDAPError("rebind", err)
			ldapErr.DN = dn
			ldapErr.URL = referralURL
			return ldapErr
		}
		return nil
	})

	return nil
}

// unsupportedInstaller is used when no rebind mechanism is available.
type unsupportedInstaller struct {
	strategy RebindStrategy
}

func (i unsupportedInstaller) Strategy() RebindStrategy {
	return i.strategy
}

func (i unsupportedInstaller) InstallRebindCallback(Handle, LookupFunc) error {
	return fmt.Errorf("%w: strategy %s", ErrNotImplemented, i.strategy)
}
