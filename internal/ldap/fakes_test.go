package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// bindHandle accepts only bind-now callbacks.
type bindHandle struct {
	mu   sync.Mutex
	proc BindRebindProc
}

func (h *bindHandle) SetBindRebindProc(proc BindRebindProc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
}

func (h *bindHandle) installed() BindRebindProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// supplyHandle accepts only supply callbacks.
type supplyHandle struct {
	proc SupplyRebindProc
}

func (h *supplyHandle) SetSupplyRebindProc(proc SupplyRebindProc) {
	h.proc = proc
}

// plainHandle accepts no callbacks at all.
type plainHandle struct {
	id int
}

// failingInstaller always fails to install.
type failingInstaller struct{}

func (failingInstaller) Strategy() RebindStrategy { return StrategyBindNow }

func (failingInstaller) InstallRebindCallback(Handle, LookupFunc) error {
	return fmt.Errorf("%w: simulated", ErrNotImplemented)
}

// brokenScope fails every allocation.
type brokenScope struct{}

var errNoMemory = errors.New("no memory")

func (brokenScope) Alloc(int) error { return errNoMemory }

func (brokenScope) Dup(string) (string, error) { return "", errNoMemory }

func (brokenScope) OnDestroy(func()) (func() bool, error) { return nil, errNoMemory }

type bindCall struct {
	DN              string
	Password        string
	Unauthenticated bool
}

// fakeConn is an in-memory ReferralClient.
type fakeConn struct {
	mu       sync.Mutex
	name     string
	results  map[string]*ldap.SearchResult // keyed by base DN
	bindErr  error
	binds    []bindCall
	searches []*ldap.SearchRequest
	closed   bool
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{name: name, results: make(map[string]*ldap.SearchResult)}
}

func (c *fakeConn) respond(baseDN string, entries []*ldap.Entry, referrals ...string) *fakeConn {
	c.results[baseDN] = &ldap.SearchResult{Entries: entries, Referrals: referrals}
	return c
}

func (c *fakeConn) Bind(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds = append(c.binds, bindCall{DN: username, Password: password})
	return c.bindErr
}

func (c *fakeConn) UnauthenticatedBind(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binds = append(c.binds, bindCall{DN: username, Unauthenticated: true})
	return c.bindErr
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searches = append(c.searches, req)
	res, ok := c.results[req.BaseDN]
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("%s: no such object %s", c.name, req.BaseDN))
	}
	return res, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) bindCalls() []bindCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bindCall(nil), c.binds...)
}

// fakeDialer hands out fakeConns by server URL.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	dials []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) add(serverURL string, conn *fakeConn) {
	d.conns[serverURL] = conn
}

func (d *fakeDialer) Dial(_ context.Context, serverURL string) (ReferralClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, serverURL)
	conn, ok := d.conns[serverURL]
	if !ok {
		return nil, NewConnectionError("failed to connect to "+serverURL, false, errors.New("connection refused"))
	}
	return conn, nil
}

func newSearch(baseDN string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=person)",
		[]string{"cn"},
		nil,
	)
}
