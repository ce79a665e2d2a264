package safemap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[uint32, string]()
	require.NotNil(t, m)
	assert.Zero(t, m.Len())
	assert.False(t, m.Has(1))
}

func TestSafeMap_Store(t *testing.T) {
	m := NewSafeMap[uint32, string]()

	t.Run("new key counts once", func(t *testing.T) {
		assert.True(t, m.Store(1, "a"))
		assert.Equal(t, 1, m.Len())
	})

	t.Run("overwrite keeps the count", func(t *testing.T) {
		assert.False(t, m.Store(1, "b"))
		assert.Equal(t, 1, m.Len())

		v, ok := m.Load(1)
		require.True(t, ok)
		assert.Equal(t, "b", v)
	})

	t.Run("load missing key", func(t *testing.T) {
		v, ok := m.Load(99)
		assert.False(t, ok)
		assert.Empty(t, v)
	})
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[uint32, int]()
	m.Store(1, 10)
	m.Store(2, 20)

	t.Run("load and delete returns the value", func(t *testing.T) {
		v, ok := m.LoadAndDelete(1)
		assert.True(t, ok)
		assert.Equal(t, 10, v)
		assert.Equal(t, 1, m.Len())
		assert.False(t, m.Has(1))
	})

	t.Run("deleting twice does not drift the count", func(t *testing.T) {
		m.Delete(2)
		m.Delete(2)
		_, ok := m.LoadAndDelete(2)
		assert.False(t, ok)
		assert.Zero(t, m.Len())
	})
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[uint32, int]()
	for i := uint32(1); i <= 5; i++ {
		m.Store(i, int(i)*10)
	}

	t.Run("visits every entry", func(t *testing.T) {
		sum := 0
		m.Range(func(_ uint32, v int) bool {
			sum += v
			return true
		})
		assert.Equal(t, 150, sum)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		visited := 0
		m.Range(func(uint32, int) bool {
			visited++
			return false
		})
		assert.Equal(t, 1, visited)
	})
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[uint32, int]()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k uint32) {
			defer wg.Done()
			m.Store(k, int(k))
			m.Store(k, int(k)+1)
		}(uint32(i))
	}
	wg.Wait()
	assert.Equal(t, n, m.Len())

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k uint32) {
			defer wg.Done()
			m.Delete(k)
		}(uint32(i))
	}
	wg.Wait()
	assert.Zero(t, m.Len())
}
