package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "telegram:12345", false},
		{"with dashes", "cli-direct", false},
		{"empty", "", true},
		{"parent reference", "..secret", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"nul byte", "a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSessionKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetOrCreateNew(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	assert.Equal(t, "telegram:1", s.Key)
	assert.Empty(t, s.Messages)
	assert.Zero(t, s.LastConsolidated)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestGetOrCreateReturnsCached(t *testing.T) {
	m := newTestManager(t)

	s1, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	s1.Append(Message{Role: "user", Content: "hi"})

	s2, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Len(t, s2.Messages, 1)
}

func TestSaveAndReload(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	s.Append(Message{Role: "user", Content: "hello"})
	s.Append(Message{Role: "assistant", Content: "hi there", ToolsUsed: []string{"message"}})
	s.LastConsolidated = 1
	require.NoError(t, m.Save(s))

	m.Invalidate("telegram:1")

	reloaded, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 2)
	assert.Equal(t, "hello", reloaded.Messages[0].Content)
	assert.Equal(t, []string{"message"}, reloaded.Messages[1].ToolsUsed)
	assert.Equal(t, 1, reloaded.LastConsolidated)
}

func TestLoadClampsBadWatermark(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(m.dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"key":"broken","messages":[],"last_consolidated":99}`), 0o644))

	s, err := m.GetOrCreate("broken")
	require.NoError(t, err)
	assert.Zero(t, s.LastConsolidated)
}

func TestArchive(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	s.Append(Message{Role: "user", Content: "old conversation"})
	require.NoError(t, m.Save(s))

	require.NoError(t, m.Archive("telegram:1"))

	// Original file is gone, an archived copy remains.
	_, err = os.Stat(filepath.Join(m.dir, "telegram:1.json"))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(m.dir)
	require.NoError(t, err)
	var archived int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "archived-telegram:1-") {
			archived++
		}
	}
	assert.Equal(t, 1, archived)

	// Next lookup starts fresh.
	fresh, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	assert.Empty(t, fresh.Messages)
}

func TestArchiveUnsavedSession(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetOrCreate("telegram:1")
	require.NoError(t, err)
	assert.NoError(t, m.Archive("telegram:1"))
}

func TestList(t *testing.T) {
	m := newTestManager(t)

	for _, key := range []string{"b", "a", "c"} {
		s, err := m.GetOrCreate(key)
		require.NoError(t, err)
		require.NoError(t, m.Save(s))
	}
	require.NoError(t, m.Archive("c"))

	keys, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestSessionWindow(t *testing.T) {
	s := &Session{}
	for i := 0; i < 5; i++ {
		s.Append(Message{Role: "user", Content: string(rune('a' + i))})
	}

	assert.Len(t, s.Window(3), 3)
	assert.Equal(t, "c", s.Window(3)[0].Content)
	assert.Len(t, s.Window(0), 5)
	assert.Len(t, s.Window(10), 5)
}

func TestSessionUnconsolidated(t *testing.T) {
	s := &Session{}
	for i := 0; i < 4; i++ {
		s.Append(Message{Role: "user", Content: "m"})
	}
	s.LastConsolidated = 3
	assert.Len(t, s.Unconsolidated(), 1)

	s.LastConsolidated = 4
	assert.Nil(t, s.Unconsolidated())
}

func TestConcurrentSaves(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("busy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Save(s))
		}()
	}
	wg.Wait()

	m.Invalidate("busy")
	_, err = m.GetOrCreate("busy")
	assert.NoError(t, err)
}

func TestAppendStampsTimestamp(t *testing.T) {
	s := &Session{}
	s.Append(Message{Role: "user", Content: "x"})
	assert.WithinDuration(t, time.Now().UTC(), s.Messages[0].Timestamp, 5*time.Second)
}

func TestConcurrentAppendsAndSaves(t *testing.T) {
	m := newTestManager(t)

	s, err := m.GetOrCreate("busy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Append(Message{Role: "user", Content: "x"})
			assert.NoError(t, m.Save(s))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, s.Len())

	m.Invalidate("busy")
	reloaded, err := m.GetOrCreate("busy")
	require.NoError(t, err)
	assert.NotEmpty(t, reloaded.Messages)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := &Session{Key: "k", LastConsolidated: 2, Metadata: map[string]string{"a": "1"}}
	s.Append(Message{Role: "user", Content: "one"})
	s.Append(Message{Role: "assistant", Content: "two"})

	snap := s.Snapshot()
	s.Append(Message{Role: "user", Content: "three"})
	s.SetLastConsolidated(1)
	s.Metadata["a"] = "2"

	assert.Len(t, snap.Messages, 2)
	assert.Equal(t, 2, snap.LastConsolidated)
	assert.Equal(t, "1", snap.Metadata["a"])
	assert.Equal(t, 3, s.Len())
}

func TestSetLastConsolidatedClamps(t *testing.T) {
	s := &Session{}
	s.Append(Message{Role: "user", Content: "x"})

	s.SetLastConsolidated(5)
	assert.Equal(t, 1, s.LastConsolidated)
	s.SetLastConsolidated(-1)
	assert.Equal(t, 0, s.LastConsolidated)
}
