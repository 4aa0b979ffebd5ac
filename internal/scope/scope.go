// Package scope provides bounded-lifetime allocation scopes.
//
// A Scope owns the values charged to it and runs its registered finalizers
// when it is cleared or destroyed. Child scopes are torn down before their
// parent's finalizers run.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrDestroyed is returned by operations on a destroyed scope.
	ErrDestroyed = errors.New("scope destroyed")

	// ErrLimitExceeded is returned when an allocation would exceed the scope limit.
	ErrLimitExceeded = errors.New("scope allocation limit exceeded")
)

// Option configures a Scope.
type Option func(*Scope)

// WithLimit caps the number of bytes that can be charged to the scope.
// A limit of zero or less means unlimited.
func WithLimit(bytes int64) Option {
	return func(s *Scope) {
		s.limit = bytes
	}
}

// WithName sets a human-readable name used in String().
func WithName(name string) Option {
	return func(s *Scope) {
		s.name = name
	}
}

// Scope is a bounded-lifetime owner of allocations and finalizers.
type Scope struct {
	id   uuid.UUID
	name string

	mu        sync.Mutex
	parent    *Scope
	children  map[*Scope]struct{}
	cleanups  map[uint64]func()
	nextID    uint64
	used      int64
	limit     int64
	destroyed bool
}

// New creates a root scope.
func New(opts ...Option) *Scope {
	s := &Scope{
		id:       uuid.New(),
		children: make(map[*Scope]struct{}),
		cleanups: make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromContext creates a root scope that is destroyed once ctx is done.
func FromContext(ctx context.Context, opts ...Option) *Scope {
	s := New(opts...)
	stop := context.AfterFunc(ctx, s.Destroy)
	// An explicit Destroy releases the context registration.
	if _, err := s.OnDestroy(func() { stop() }); err != nil {
		stop()
	}
	return s
}

// NewChild creates a scope that is destroyed together with s.
func (s *Scope) NewChild(opts ...Option) (*Scope, error) {
	child := New(opts...)
	child.parent = s

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}
	s.children[child] = struct{}{}
	return child, nil
}

// ID returns the unique identity of the scope.
func (s *Scope) ID() uuid.UUID {
	return s.id
}

func (s *Scope) String() string {
	if s.name != "" {
		return fmt.Sprintf("%s(%s)", s.name, s.id)
	}
	return s.id.String()
}

// Alloc charges n bytes to the scope.
func (s *Scope) Alloc(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid allocation size %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.chargeLocked(int64(n))
}

func (s *Scope) chargeLocked(n int64) error {
	if s.destroyed {
		return ErrDestroyed
	}
	if s.limit > 0 && s.used+n > s.limit {
		return fmt.Errorf("%w: %d of %d bytes in use, %d requested", ErrLimitExceeded, s.used, s.limit, n)
	}
	s.used += n
	return nil
}

// Dup returns a copy of str owned by the scope.
func (s *Scope) Dup(str string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One extra byte per string, matching a NUL-terminated copy.
	if err := s.chargeLocked(int64(len(str)) + 1); err != nil {
		return "", err
	}
	return strings.Clone(str), nil
}

// Used returns the number of bytes charged since creation or the last Clear.
func (s *Scope) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Destroyed reports whether Destroy has been called.
func (s *Scope) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// OnDestroy registers fn to run when the scope is cleared or destroyed.
// The returned stop function unregisters it and reports whether it was still
// pending.
func (s *Scope) OnDestroy(fn func()) (stop func() bool, err error) {
	if fn == nil {
		return nil, errors.New("finalizer cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}

	s.nextID++
	id := s.nextID
	s.cleanups[id] = fn

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.cleanups[id]; !ok {
			return false
		}
		delete(s.cleanups, id)
		return true
	}, nil
}

// Clear tears down children and runs finalizers, leaving the scope usable.
func (s *Scope) Clear() {
	s.teardown(false)
}

// Destroy tears down children and runs finalizers. Subsequent operations
// fail with ErrDestroyed. Calling Destroy more than once is a no-op.
func (s *Scope) Destroy() {
	s.teardown(true)
}

func (s *Scope) teardown(destroy bool) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if destroy {
		s.destroyed = true
	}

	children := make([]*Scope, 0, len(s.children))
	for child := range s.children {
		children = append(children, child)
	}
	s.children = make(map[*Scope]struct{})

	ids := make([]uint64, 0, len(s.cleanups))
	for id := range s.cleanups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.cleanups[id])
	}
	s.cleanups = make(map[uint64]func())
	s.used = 0
	parent := s.parent
	s.mu.Unlock()

	// Finalizers may call back into the scope (stop functions), so none of
	// this runs under s.mu.
	for _, child := range children {
		child.Destroy()
	}
	for _, fn := range fns {
		fn()
	}

	if destroy && parent != nil {
		parent.mu.Lock()
		delete(parent.children, s)
		parent.mu.Unlock()
	}
}
