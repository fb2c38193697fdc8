package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateway_Registry_RegisterReturnsDisplaced(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c1 := &Conn{}
	c2 := &Conn{}

	require.Nil(t, r.Register("A", c1))
	require.Equal(t, 1, r.Count())

	displaced := r.Register("A", c2)
	require.Same(t, c1, displaced)
	require.Equal(t, 1, r.Count())

	got, ok := r.Lookup("A")
	require.True(t, ok)
	require.Same(t, c2, got)
}

func TestGateway_Registry_ReRegisterSameConnIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := &Conn{}
	require.Nil(t, r.Register("A", c))
	require.Nil(t, r.Register("A", c))
}

func TestGateway_Registry_UnregisterOnlyRemovesOwnEntry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c1 := &Conn{}
	c2 := &Conn{}
	r.Register("A", c1)
	r.Register("A", c2)

	// The displaced connection's cleanup must not evict its successor.
	r.Unregister("A", c1)
	got, ok := r.Lookup("A")
	require.True(t, ok)
	require.Same(t, c2, got)

	r.Unregister("A", c2)
	_, ok = r.Lookup("A")
	require.False(t, ok)

	// Idempotent.
	r.Unregister("A", c2)
	require.Zero(t, r.Count())
}
