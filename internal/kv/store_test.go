package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logkv/internal/entry"
)

func TestStore_ApplyAndGet(t *testing.T) {
	s := NewStore("1")

	_, ok := s.Get("a")
	assert.False(t, ok)

	require.NoError(t, s.Apply(entry.Entry{Index: 1, Term: 1, Op: entry.OpPut, Key: "a", Value: "1"}))
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestStore_ApplyIsIdempotentPerIndex(t *testing.T) {
	s := NewStore("1")
	e := entry.Entry{Index: 5, Term: 2, Op: entry.OpPut, Key: "a", Value: "1"}

	require.NoError(t, s.Apply(e))
	require.NoError(t, s.Apply(e))

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestStore_ApplyRejectsDelete(t *testing.T) {
	s := NewStore("1")
	err := s.Apply(entry.Entry{Index: 1, Term: 1, Op: entry.OpDelete, Key: "a", Value: "1"})
	assert.ErrorIs(t, err, entry.ErrReservedOperation)
}

func TestStore_ExportInstallRoundTrip(t *testing.T) {
	s := NewStore("1")
	require.NoError(t, s.Apply(entry.Entry{Index: 1, Term: 1, Op: entry.OpPut, Key: "a", Value: "1"}))
	require.NoError(t, s.Apply(entry.Entry{Index: 2, Term: 1, Op: entry.OpPut, Key: "b", Value: "2"}))

	exported := s.Export()
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, exported)

	other := NewStore("2")
	other.Install(exported)

	v, ok := other.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = other.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestStore_InstallReplacesWholesale(t *testing.T) {
	s := NewStore("1")
	require.NoError(t, s.Apply(entry.Entry{Index: 1, Term: 1, Op: entry.OpPut, Key: "stale", Value: "x"}))

	s.Install(map[string]string{"fresh": "y"})

	_, ok := s.Get("stale")
	assert.False(t, ok)
	v, ok := s.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, "y", v)
}
