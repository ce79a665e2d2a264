package logger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("writes to dated file", func(t *testing.T) {
		dir := t.TempDir()
		clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

		w, err := newDailyFileWriter("echo", dir, clock.Now)
		require.NoError(t, err)
		defer w.Close()

		_, err = w.Write([]byte("first\n"))
		require.NoError(t, err)

		want := filepath.Join(dir, "echo_2026-03-01.log")
		assert.Equal(t, want, w.CurrentLogFile())

		data, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "first\n", string(data))
	})

	t.Run("rotates when the date changes", func(t *testing.T) {
		dir := t.TempDir()
		clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}

		w, err := newDailyFileWriter("echo", dir, clock.Now)
		require.NoError(t, err)
		defer w.Close()

		_, err = w.Write([]byte("day one\n"))
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = w.Write([]byte("day two\n"))
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, "echo_2026-03-02.log"), w.CurrentLogFile())

		one, err := os.ReadFile(filepath.Join(dir, "echo_2026-03-01.log"))
		require.NoError(t, err)
		assert.Equal(t, "day one\n", string(one))

		two, err := os.ReadFile(filepath.Join(dir, "echo_2026-03-02.log"))
		require.NoError(t, err)
		assert.Equal(t, "day two\n", string(two))
	})

	t.Run("write after close fails", func(t *testing.T) {
		w, err := NewDailyFileWriter("echo", t.TempDir())
		require.NoError(t, err)

		require.NoError(t, w.Close())
		require.NoError(t, w.Close())

		_, err = w.Write([]byte("late"))
		assert.ErrorIs(t, err, ErrWriterClosed)
		assert.ErrorIs(t, w.ForceRotate(), ErrWriterClosed)
		assert.Empty(t, w.CurrentLogFile())
	})

	t.Run("missing directory fails", func(t *testing.T) {
		_, err := NewDailyFileWriter("echo", filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, err)
	})

	t.Run("force rotate reopens current file", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("echo", dir)
		require.NoError(t, err)
		defer w.Close()

		path := w.CurrentLogFile()
		require.NoError(t, os.Remove(path))
		require.NoError(t, w.ForceRotate())

		_, err = w.Write([]byte("again\n"))
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "again\n", string(data))
	})
}
