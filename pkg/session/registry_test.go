package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("0b8f6c1e-4a5d-4f3a-9c2e-1d2b3c4d5e6f"))
	assert.NoError(t, ValidateID("user:42.tab_1"))

	for _, bad := range []string{"", "has space", "semi;colon", strings.Repeat("x", 129)} {
		err := ValidateID(bad)
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), bad)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	var created []string
	r := NewRegistry(RegistryOptions{OnCreate: func(s *Session) { created = append(created, s.ID()) }}, nil)

	s1, isNew, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.True(t, isNew)

	s2, isNew, err := r.GetOrCreate("a")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, s1, s2)
	assert.Equal(t, []string{"a"}, created)

	_, _, err = r.GetOrCreate("bad id")
	assert.Error(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetAndDelete(t *testing.T) {
	r := NewRegistry(RegistryOptions{}, nil)
	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, errors.ErrCodeSessionNotFound))

	_, _, err = r.GetOrCreate("a")
	require.NoError(t, err)
	assert.True(t, r.Delete("a"))
	assert.False(t, r.Delete("a"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	r := NewRegistry(RegistryOptions{}, nil)
	a, _, _ := r.GetOrCreate("a")
	b, _, _ := r.GetOrCreate("b")

	require.NoError(t, a.StartPRD("project a"))
	assert.Equal(t, "generating_prd", string(a.Stage()))
	assert.Equal(t, "describing", string(b.Stage()))
	assert.NoError(t, b.StartPRD("project b"))
}

func TestRegistrySweep(t *testing.T) {
	var evicted []string
	r := NewRegistry(RegistryOptions{
		IdleTTL: time.Hour,
		OnEvict: func(id string) { evicted = append(evicted, id) },
	}, nil)

	idle, _, _ := r.GetOrCreate("idle")
	busy, _, _ := r.GetOrCreate("busy")
	_, _, _ = r.GetOrCreate("fresh")
	require.NoError(t, busy.Begin(OpGeneratePRD))

	past := time.Now().Add(-2 * time.Hour)
	idle.mu.Lock()
	idle.lastSeen = past
	idle.mu.Unlock()
	busy.mu.Lock()
	busy.lastSeen = past
	busy.mu.Unlock()

	assert.Equal(t, []string{"idle"}, r.Sweep(time.Now()))
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 2, r.Len())

	r.SetIdleTTL(0)
	assert.Nil(t, r.Sweep(time.Now().Add(100*time.Hour)))
}

func TestRegistryRunStopsOnCancel(t *testing.T) {
	r := NewRegistry(RegistryOptions{IdleTTL: time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)
	_, _, _ = r.GetOrCreate("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRegistrySummaries(t *testing.T) {
	r := NewRegistry(RegistryOptions{}, nil)
	b, _, _ := r.GetOrCreate("b")
	_, _, _ = r.GetOrCreate("a")
	b.Info("hello")

	sums := r.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "a", sums[0].ID)
	assert.Equal(t, 1, sums[1].Messages)
}
