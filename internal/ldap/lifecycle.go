package ldap

import (
	"fmt"
)

// bindLifecycle registers onTeardown as the finalizer of entry's owning scope.
// The entry must not be linked yet.
func bindLifecycle(entry *rebindEntry, onTeardown func()) error {
	stop, err := entry.scope.OnDestroy(onTeardown)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScopeDestroyed, err)
	}
	entry.stop = stop
	return nil
}

// unbindLifecycle cancels the finalizer registered by bindLifecycle. It is a
// no-op if the finalizer already ran or was cancelled.
func unbindLifecycle(entry *rebindEntry) {
	if entry.stop != nil {
		entry.stop()
	}
}
