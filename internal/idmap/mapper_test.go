package idmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

func TestBindLookupRelease(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Bind("o1", "ext-1"))

	ext, ok := m.Lookup("o1")
	require.True(t, ok)
	assert.Equal(t, "ext-1", ext)

	assert.True(t, m.Release("o1"))
	assert.False(t, m.Release("o1"), "second release is a no-op")

	_, ok = m.Lookup("o1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestBind_Conflicts(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Bind("o1", "ext-1"))
	require.NoError(t, m.Bind("o1", "ext-1"))
	assert.ErrorIs(t, m.Bind("o1", "ext-2"), domain.ErrAlreadyExists)
	assert.ErrorIs(t, m.Bind("", "ext-2"), domain.ErrValidation)
}

func TestBind_Capacity(t *testing.T) {
	m := New(2)
	require.NoError(t, m.Bind("o1", "e1"))
	require.NoError(t, m.Bind("o2", "e2"))
	assert.ErrorIs(t, m.Bind("o3", "e3"), domain.ErrMapperFull)

	m.Release("o1")
	assert.NoError(t, m.Bind("o3", "e3"))
}

func TestRetain_KeepsBindingUntilSettled(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Bind("maker", "ext-m"))
	require.NoError(t, m.Bind("taker", "ext-t"))
	m.Retain("maker")
	m.Retain("taker")

	// Both orders finish matching before settlement runs.
	m.Release("maker")
	m.Release("taker")

	mk, tk, err := m.Resolve("maker", "taker")
	require.NoError(t, err)
	assert.Equal(t, "ext-m", mk)
	assert.Equal(t, "ext-t", tk)

	m.Done("maker")
	m.Done("taker")
	assert.Equal(t, 0, m.Len())

	_, _, err = m.Resolve("maker", "taker")
	assert.ErrorIs(t, err, domain.ErrMappingMiss)
}

func TestResolve_Miss(t *testing.T) {
	m := New(0)
	require.NoError(t, m.Bind("maker", "ext-m"))

	_, _, err := m.Resolve("maker", "ghost")
	require.ErrorIs(t, err, domain.ErrMappingMiss)
	assert.Contains(t, err.Error(), "ghost")
}

func TestConcurrentAccess(t *testing.T) {
	m := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("o-%d-%d", i, j)
				assert.NoError(t, m.Bind(id, "x"+id))
				m.Retain(id)
				m.Lookup(id)
				m.Release(id)
				m.Done(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
