package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Dup(t *testing.T) {
	s := New()
	defer s.Destroy()

	got, err := s.Dup("cn=admin,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "cn=admin,dc=example,dc=com", got)
	assert.Equal(t, int64(len(got)+1), s.Used())
}

func TestScope_Limit(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		alloc   int
		wantErr error
	}{
		{name: "unlimited", limit: 0, alloc: 1 << 20},
		{name: "within limit", limit: 64, alloc: 64},
		{name: "over limit", limit: 64, alloc: 65, wantErr: ErrLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(WithLimit(tt.limit))
			err := s.Alloc(tt.alloc)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, s.Used(), "failed allocation must not be charged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(tt.alloc), s.Used())
		})
	}
}

func TestScope_AllocNegative(t *testing.T) {
	s := New()
	assert.Error(t, s.Alloc(-1))
}

func TestScope_FinalizersRunInReverseOrder(t *testing.T) {
	s := New()

	var order []int
	for i := range 3 {
		_, err := s.OnDestroy(func() { order = append(order, i) })
		require.NoError(t, err)
	}

	s.Destroy()
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestScope_StopCancelsFinalizer(t *testing.T) {
	s := New()

	ran := false
	stop, err := s.OnDestroy(func() { ran = true })
	require.NoError(t, err)

	assert.True(t, stop(), "first stop should report a pending finalizer")
	assert.False(t, stop(), "second stop should be a no-op")

	s.Destroy()
	assert.False(t, ran)
}

func TestScope_StopFromFinalizer(t *testing.T) {
	s := New()

	var stop func() bool
	var stopped bool
	stop, err := s.OnDestroy(func() { stopped = stop() })
	require.NoError(t, err)

	s.Destroy()
	assert.False(t, stopped, "finalizer is no longer pending while it runs")
}

func TestScope_DestroyIsIdempotent(t *testing.T) {
	s := New()

	count := 0
	_, err := s.OnDestroy(func() { count++ })
	require.NoError(t, err)

	s.Destroy()
	s.Destroy()
	assert.Equal(t, 1, count)
	assert.True(t, s.Destroyed())
}

func TestScope_OperationsAfterDestroy(t *testing.T) {
	s := New()
	s.Destroy()

	_, err := s.Dup("x")
	assert.ErrorIs(t, err, ErrDestroyed)

	assert.ErrorIs(t, s.Alloc(1), ErrDestroyed)

	_, err = s.OnDestroy(func() {})
	assert.ErrorIs(t, err, ErrDestroyed)

	_, err = s.NewChild()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestScope_ClearKeepsScopeUsable(t *testing.T) {
	s := New()

	ran := false
	_, err := s.OnDestroy(func() { ran = true })
	require.NoError(t, err)
	_, err = s.Dup("secret")
	require.NoError(t, err)

	s.Clear()
	assert.True(t, ran)
	assert.False(t, s.Destroyed())
	assert.Zero(t, s.Used())

	_, err = s.Dup("again")
	assert.NoError(t, err)
}

func TestScope_ChildDestroyedBeforeParentFinalizers(t *testing.T) {
	parent := New(WithName("parent"))
	child, err := parent.NewChild(WithName("child"))
	require.NoError(t, err)

	var order []string
	_, err = parent.OnDestroy(func() { order = append(order, "parent") })
	require.NoError(t, err)
	_, err = child.OnDestroy(func() { order = append(order, "child") })
	require.NoError(t, err)

	parent.Destroy()
	assert.Equal(t, []string{"child", "parent"}, order)
	assert.True(t, child.Destroyed())
}

func TestScope_ChildDestroyDetachesFromParent(t *testing.T) {
	parent := New()
	child, err := parent.NewChild()
	require.NoError(t, err)

	child.Destroy()

	parent.mu.Lock()
	_, present := parent.children[child]
	parent.mu.Unlock()
	assert.False(t, present)
}

func TestScope_FromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := FromContext(ctx)
	done := make(chan struct{})
	_, err := s.OnDestroy(func() { close(done) })
	require.NoError(t, err)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scope was not destroyed after context cancellation")
	}
	assert.True(t, s.Destroyed())
}

func TestScope_String(t *testing.T) {
	s := New(WithName("request"))
	assert.Contains(t, s.String(), "request(")
	assert.Contains(t, s.String(), s.ID().String())

	anon := New()
	assert.Equal(t, anon.ID().String(), anon.String())
}

func TestErrLimitExceededWrapping(t *testing.T) {
	s := New(WithLimit(1))
	_, err := s.Dup("too long")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLimitExceeded))
}
