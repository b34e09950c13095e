package app

import (
	"testing"

	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id core.ConnID }

func (s stubConn) ID() core.ConnID { return s.id }

func (stubConn) TrySend(core.Frame) error { return nil }

func (stubConn) Close() {}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Bind(stubConn{id: "c1"})

	st, ok := r.State("c1")
	require.True(t, ok)
	assert.Equal(t, Unauthenticated, st.Phase)

	require.True(t, r.SetState("c1", ConnState{Phase: Authenticated, UserID: "u1", ProjectID: "P1"}))
	st, _ = r.State("c1")
	assert.Equal(t, ConnState{Phase: Authenticated, UserID: "u1", ProjectID: "P1"}, st)
	assert.Equal(t, map[string]int{"authenticated": 1}, r.CountByPhase())

	c, ok := r.Conn("c1")
	require.True(t, ok)
	assert.Equal(t, core.ConnID("c1"), c.ID())

	r.Unbind("c1")
	assert.Zero(t, r.Count())
	assert.False(t, r.SetState("c1", ConnState{}))
	_, ok = r.State("c1")
	assert.False(t, ok)
}
