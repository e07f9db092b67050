package diag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockModule struct {
	name        string
	initErr     error
	shutdownErr error
	healthErr   error
	order       *[]string
}

func (m *mockModule) Name() string { return m.name }

func (m *mockModule) Init(context.Context) error {
	if m.order != nil {
		*m.order = append(*m.order, "init:"+m.name)
	}
	return m.initErr
}

func (m *mockModule) Health(context.Context) error { return m.healthErr }

func (m *mockModule) Shutdown(context.Context) error {
	if m.order != nil {
		*m.order = append(*m.order, "shutdown:"+m.name)
	}
	return m.shutdownErr
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(nil)
	m := &mockModule{name: "a"}
	r.Register(m)

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, m, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterOverridePreservesOrder(t *testing.T) {
	r := New(nil)
	m1 := &mockModule{name: "a"}
	m2 := &mockModule{name: "a"}
	r.Register(m1)
	r.Register(m2)

	got, _ := r.Get("a")
	assert.Equal(t, m2, got)
	assert.Len(t, r.order, 1)
}

func TestRegistry_MustGetPanicsOnMissing(t *testing.T) {
	r := New(nil)
	assert.PanicsWithValue(t, `diag: module "missing" not registered`, func() {
		r.MustGet("missing")
	})
}

func TestRegistry_InitAllRunsInRegistrationOrder(t *testing.T) {
	r := New(nil)
	var order []string
	r.Register(&mockModule{name: "a", order: &order})
	r.Register(&mockModule{name: "b", order: &order})

	require.NoError(t, r.InitAll(context.Background()))
	assert.Equal(t, []string{"init:a", "init:b"}, order)
}

func TestRegistry_InitAllStopsOnError(t *testing.T) {
	r := New(nil)
	var order []string
	initErr := errors.New("boom")
	r.Register(&mockModule{name: "a", order: &order})
	r.Register(&mockModule{name: "b", order: &order, initErr: initErr})
	r.Register(&mockModule{name: "c", order: &order})

	err := r.InitAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("init module %q", "b"))
	assert.Equal(t, []string{"init:a", "init:b"}, order)
}

func TestRegistry_ShutdownAllRunsInReverseOrder(t *testing.T) {
	r := New(nil)
	var order []string
	r.Register(&mockModule{name: "a", order: &order})
	r.Register(&mockModule{name: "b", order: &order})

	require.NoError(t, r.ShutdownAll(context.Background()))
	assert.Equal(t, []string{"shutdown:b", "shutdown:a"}, order)
}

func TestRegistry_HealthAllAggregatesResults(t *testing.T) {
	r := New(nil)
	healthErr := errors.New("unhealthy")
	r.Register(&mockModule{name: "a"})
	r.Register(&mockModule{name: "b", healthErr: healthErr})

	results := r.HealthAll(context.Background())
	assert.NoError(t, results["a"])
	assert.ErrorIs(t, results["b"], healthErr)
}
