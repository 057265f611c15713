package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLongTermRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	// Empty before first write.
	content, err := s.ReadLongTerm()
	require.NoError(t, err)
	assert.Empty(t, content)

	updatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteLongTerm("User lives in Jakarta.", updatedAt))

	// The raw file carries the header, ReadLongTerm strips it.
	raw, err := os.ReadFile(filepath.Join(s.dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<!-- updated_at=2026-03-01T12:00:00Z -->")

	content, err = s.ReadLongTerm()
	require.NoError(t, err)
	assert.Equal(t, "User lives in Jakarta.", content)
}

func TestStoreWriteLongTermWithoutTimestamp(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteLongTerm("plain content", time.Time{}))
	content, err := s.ReadLongTerm()
	require.NoError(t, err)
	assert.Equal(t, "plain content", content)
}

func TestStoreAppendHistory(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AppendHistory("[2026-03-01 12:00] First entry.\n"))
	require.NoError(t, s.AppendHistory("[2026-03-02 09:30] Second entry."))

	raw, err := os.ReadFile(filepath.Join(s.dir, "HISTORY.md"))
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-01 12:00] First entry.\n\n[2026-03-02 09:30] Second entry.\n\n", string(raw))
}

func TestStoreContext(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	got, err := s.Context()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.WriteLongTerm("Likes tea.", time.Now()))
	got, err = s.Context()
	require.NoError(t, err)
	assert.Equal(t, "## Long-term Memory\nLikes tea.", got)
}
