package ldap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// Handle identifies a directory connection. It must be comparable; pointers
// are the usual choice. The registry never dereferences or owns it.
type Handle any

// Scope is the allocation scope that owns a rebind entry.
type Scope interface {
	// Alloc charges n bytes to the scope.
	Alloc(n int) error
	// Dup returns a scope-owned copy of s.
	Dup(s string) (string, error)
	// OnDestroy registers fn to run at scope teardown. stop cancels it.
	OnDestroy(fn func()) (stop func() bool, err error)
}

// Credentials are the bind DN and secret registered for a handle.
type Credentials struct {
	DN       string
	Password string
}

// rebindEntry associates a handle with its credentials and owning scope.
type rebindEntry struct {
	scope    Scope
	handle   Handle
	bindDN   string
	bindPW   string
	stop     func() bool // cancels the scope finalizer
	detached bool        // unlinked, or its scope was torn down
}

var entrySize = int(unsafe.Sizeof(rebindEntry{}))

// RegistryOption configures a RebindRegistry.
type RegistryOption func(*RebindRegistry)

// WithStrategy selects the callback convention installed on handles.
func WithStrategy(strategy RebindStrategy) RegistryOption {
	return func(r *RebindRegistry) {
		r.strategy = strategy
	}
}

// WithInstaller overrides the callback installer.
func WithInstaller(installer CallbackInstaller) RegistryOption {
	return func(r *RebindRegistry) {
		r.installer = installer
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger Logger) RegistryOption {
	return func(r *RebindRegistry) {
		r.logger = logger
	}
}

// RebindRegistry maps connection handles to the credentials used to rebind
// them when a referral is followed. It is safe for concurrent use.
type RebindRegistry struct {
	once      sync.Once
	mu        sync.Mutex
	entries   map[Handle][]*rebindEntry // most recently added first
	strategy  RebindStrategy
	installer CallbackInstaller
	logger    Logger
}

// NewRebindRegistry creates a registry. Without options it uses the bind-now
// strategy and logs to the "rebind" tflog subsystem.
func NewRebindRegistry(opts ...RegistryOption) *RebindRegistry {
	r := &RebindRegistry{
		logger: NewTFLogger(context.Background(), SubsystemRebind),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.installer == nil {
		r.installer = NewCallbackInstaller(r.strategy, r.logger)
	}
	r.Init()
	return r
}

// NewRebindRegistryFromConfig creates a registry using the strategy in config.
func NewRebindRegistryFromConfig(config *RebindConfig, opts ...RegistryOption) (*RebindRegistry, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	strategy, err := config.RebindStrategy()
	if err != nil {
		return nil, err
	}
	return NewRebindRegistry(append([]RegistryOption{WithStrategy(strategy)}, opts...)...), nil
}

// Init prepares the registry. It is idempotent and called by every operation,
// so a zero RebindRegistry is usable.
func (r *RebindRegistry) Init() error {
	r.once.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.entries == nil {
			r.entries = make(map[Handle][]*rebindEntry)
		}
		if r.logger == nil {
			r.logger = NewTFLogger(context.Background(), SubsystemRebind)
		}
		if r.installer == nil {
			r.installer = NewCallbackInstaller(r.strategy, r.logger)
		}
	})
	return nil
}

// Strategy returns the callback convention installed on handles.
func (r *RebindRegistry) Strategy() RebindStrategy {
	r.Init()
	return r.installer.Strategy()
}

// Add registers bindDN and bindPW for handle, owned by scope, and installs
// the rebind callback on handle. Empty strings mean "not set". On any error
// the registry is left unchanged.
func (r *RebindRegistry) Add(scope Scope, handle Handle, bindDN, bindPW string) error {
	r.Init()

	if err := validateHandle(handle); err != nil {
		return NewLDAPError("rebind_add", err)
	}
	if scope == nil {
		return NewLDAPError("rebind_add", errors.New("owning scope cannot be nil"))
	}

	fields := map[string]any{
		"handle":       handleLabel(handle),
		"bind_dn":      bindDN,
		"has_password": bindPW != "",
		"strategy":     r.installer.Strategy().String(),
	}

	entry, err := newRebindEntry(scope, handle, bindDN, bindPW)
	if err != nil {
		fields["error"] = err.Error()
		LogRebindEvent(r.logger, "add_failed", fields)
		return NewLDAPError("rebind_add", err)
	}

	if err := bindLifecycle(entry, func() { r.release(entry) }); err != nil {
		fields["error"] = err.Error()
		LogRebindEvent(r.logger, "add_failed", fields)
		return NewLDAPError("rebind_add", err)
	}

	if !r.link(entry) {
		LogRebindEvent(r.logger, "add_failed", fields)
		return NewLDAPError("rebind_add", ErrScopeDestroyed)
	}
	LogRebindEvent(r.logger, "entry_added", fields)

	if err := r.installer.InstallRebindCallback(handle, r.Lookup); err != nil {
		r.unlink(entry)
		fields["error"] = err.Error()
		LogRebindEvent(r.logger, "add_rolled_back", fields)
		return NewLDAPError("rebind_add", err)
	}
	LogRebindEvent(r.logger, "callback_installed", fields)

	return nil
}

// newRebindEntry allocates an entry from scope and duplicates the credentials into it.
func newRebindEntry(scope Scope, handle Handle, bindDN, bindPW string) (*rebindEntry, error) {
	if err := scope.Alloc(entrySize); err != nil {
		return nil, fmt.Errorf("%w: allocating rebind entry: %w", ErrOutOfMemory, err)
	}

	entry := &rebindEntry{
		scope:  scope,
		handle: handle,
	}

	var err error
	if bindDN != "" {
		if entry.bindDN, err = scope.Dup(bindDN); err != nil {
			return nil, fmt.Errorf("%w: duplicating bind DN: %w", ErrOutOfMemory, err)
		}
	}
	if bindPW != "" {
		if entry.bindPW, err = scope.Dup(bindPW); err != nil {
			return nil, fmt.Errorf("%w: duplicating bind password: %w", ErrOutOfMemory, err)
		}
	}

	return entry, nil
}

// link prepends entry. It reports false if the entry was detached first.
func (r *RebindRegistry) link(entry *rebindEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.detached {
		return false
	}
	r.entries[entry.handle] = append([]*rebindEntry{entry}, r.entries[entry.handle]...)
	return true
}

// unlink removes entry and cancels its scope finalizer.
func (r *RebindRegistry) unlink(entry *rebindEntry) {
	r.mu.Lock()
	found := r.detachLocked(entry)
	r.mu.Unlock()

	if found {
		unbindLifecycle(entry)
	}
}

// release is the scope finalizer for entry.
func (r *RebindRegistry) release(entry *rebindEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.detachLocked(entry) {
		LogRebindEvent(r.logger, "scope_released", map[string]any{
			"handle": handleLabel(entry.handle),
		})
	}
	// A finalizer that fires before link leaves the entry detached, so link refuses it.
	entry.detached = true
}

// detachLocked unlinks entry from its handle's list. r.mu must be held.
func (r *RebindRegistry) detachLocked(entry *rebindEntry) bool {
	if entry.detached {
		return false
	}

	list := r.entries[entry.handle]
	for i, e := range list {
		if e != entry {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(r.entries, entry.handle)
		} else {
			r.entries[entry.handle] = list
		}
		entry.detached = true
		return true
	}
	return false
}

// Remove unlinks the most recently added entry for handle and cancels its
// scope finalizer. Removing an unknown handle is not an error.
func (r *RebindRegistry) Remove(handle Handle) error {
	r.Init()

	if validateHandle(handle) != nil {
		return nil
	}

	r.mu.Lock()
	var entry *rebindEntry
	if list := r.entries[handle]; len(list) > 0 {
		entry = list[0]
		r.detachLocked(entry)
	}
	r.mu.Unlock()

	if entry == nil {
		LogRebindEvent(r.logger, "entry_not_found", map[string]any{
			"handle":    handleLabel(handle),
			"operation": "remove",
		})
		return nil
	}

	unbindLifecycle(entry)
	LogRebindEvent(r.logger, "entry_removed", map[string]any{
		"handle": handleLabel(handle),
	})
	return nil
}

// Lookup returns a copy of the credentials most recently added for handle.
func (r *RebindRegistry) Lookup(handle Handle) (Credentials, bool) {
	r.Init()

	if validateHandle(handle) != nil {
		return Credentials{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[handle]
	if len(list) == 0 {
		return Credentials{}, false
	}
	return Credentials{DN: list[0].bindDN, Password: list[0].bindPW}, true
}

// Len returns the number of registered entries.
func (r *RebindRegistry) Len() int {
	r.Init()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.entries {
		n += len(list)
	}
	return n
}

// validateHandle rejects handles that cannot be used as map keys.
func validateHandle(handle Handle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil", ErrInvalidHandle)
	}
	v := reflect.ValueOf(handle)
	if !v.Comparable() {
		return fmt.Errorf("%w: %s is not comparable", ErrInvalidHandle, v.Type())
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return fmt.Errorf("%w: nil %s", ErrInvalidHandle, v.Type())
	}
	return nil
}
