/*
Package ldap re-authenticates directory connections opened while following
referrals.

When a search returns a referral, the client opens a connection to the
referred server. That connection starts unauthenticated; the rebind registry
supplies the credentials the application originally bound with, so the
application does not need to be involved.

# Architecture Overview

The package is organized into several core components:

  - RebindRegistry: handle to credentials association, guarded by one mutex
  - CallbackInstaller: installs the protocol-level rebind callback on a handle
  - Lifecycle binding: ties each entry to the scope that owns it
  - ReferralConn: a connection that follows referrals and invokes the callback

# Callback Conventions

One strategy is chosen when the registry is constructed:

  - StrategyBindNow: the callback receives the referred connection and binds it
  - StrategySupply: the callback lends a copy of the credentials, which is
    wiped on the matching release call
  - StrategyNone: no mechanism; Add fails with ErrNotImplemented

# Entry Lifetime

An entry lives until Remove is called or its owning Scope is torn down,
whichever comes first. Remove cancels the scope finalizer. Adding the same
handle twice keeps both entries; Lookup and Remove act on the most recent.

# Thread Safety

RebindRegistry and ReferralConn are safe for concurrent use. No registry lock
is held while a rebind callback runs.

# Example Usage

	s := scope.New()
	defer s.Destroy()

	registry := ldap.NewRebindRegistry(ldap.WithStrategy(ldap.StrategyBindNow))

	conn, err := ldap.NewReferralConn(primary, ldap.DefaultConfig())
	if err != nil {
		return err
	}
	if err := conn.Bind(bindDN, bindPW); err != nil {
		return err
	}
	if err := registry.Add(s, conn, bindDN, bindPW); err != nil {
		return err
	}

	result, err := conn.Search(ctx, req)
*/
package ldap
