package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/session"
)

type fakeCaller struct {
	content   string
	errorKind string
	calls     []failover.CallParams
}

func (f *fakeCaller) Call(_ context.Context, params failover.CallParams) failover.Result {
	f.calls = append(f.calls, params)
	resp := &provider.ModelResponse{Content: f.content, ErrorKind: f.errorKind}
	return failover.Result{Response: resp, Model: "test/model"}
}

func newConsolidatorFixture(t *testing.T, caller ModelCaller, window int) (*Consolidator, *session.Manager, *Store) {
	t.Helper()
	dir := t.TempDir()
	sessions, err := session.NewManager(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	store, err := NewStore(dir)
	require.NoError(t, err)
	return NewConsolidator(caller, sessions, store, "", window), sessions, store
}

func transcript(n int) []session.Message {
	msgs := make([]session.Message, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = session.Message{Role: role, Content: "message", Timestamp: time.Now().UTC()}
	}
	return msgs
}

func TestConsolidateBelowThresholdIsNoop(t *testing.T) {
	caller := &fakeCaller{content: `{}`}
	c, _, _ := newConsolidatorFixture(t, caller, 10)

	sess := &session.Session{Key: "k", Messages: transcript(5)}
	require.NoError(t, c.Consolidate(context.Background(), sess, false))
	assert.Empty(t, caller.calls)
	assert.Zero(t, sess.LastConsolidated)
}

func TestConsolidateAdvancesWatermarkAndWritesFiles(t *testing.T) {
	caller := &fakeCaller{content: `{"history_entry":"[2026-03-01 12:00] Planned a trip.","memory_update":"User is planning a trip to Bali."}`}
	c, sessions, store := newConsolidatorFixture(t, caller, 10)

	sess, err := sessions.GetOrCreate("telegram:1")
	require.NoError(t, err)
	sess.Messages = transcript(12)
	require.NoError(t, sessions.Save(sess))

	require.NoError(t, c.Consolidate(context.Background(), sess, false))

	// keep = window/2 = 5, watermark = 12-5 = 7
	assert.Equal(t, 7, sess.LastConsolidated)
	assert.Len(t, sess.Messages, 12)

	long, err := store.ReadLongTerm()
	require.NoError(t, err)
	assert.Equal(t, "User is planning a trip to Bali.", long)

	history, err := os.ReadFile(filepath.Join(store.dir, "HISTORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(history), "Planned a trip.")

	// Watermark was persisted.
	sessions.Invalidate("telegram:1")
	reloaded, err := sessions.GetOrCreate("telegram:1")
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.LastConsolidated)
}

func TestConsolidatePromptIncludesCurrentMemory(t *testing.T) {
	caller := &fakeCaller{content: `{"history_entry":"[x] e","memory_update":"m"}`}
	c, _, store := newConsolidatorFixture(t, caller, 4)
	require.NoError(t, store.WriteLongTerm("Existing fact.", time.Now()))

	sess := &session.Session{Key: "k", Messages: transcript(6)}
	require.NoError(t, c.Consolidate(context.Background(), sess, false))

	require.Len(t, caller.calls, 1)
	require.Len(t, caller.calls[0].Messages, 2)
	assert.Contains(t, caller.calls[0].Messages[1].Content, "Existing fact.")
	assert.Contains(t, caller.calls[0].Messages[1].Content, "USER")
}

func TestConsolidateArchiveAllResetsWatermark(t *testing.T) {
	caller := &fakeCaller{content: `{"history_entry":"[x] full","memory_update":""}`}
	c, _, _ := newConsolidatorFixture(t, caller, 10)

	sess := &session.Session{Key: "k", Messages: transcript(3), LastConsolidated: 2}
	require.NoError(t, c.Consolidate(context.Background(), sess, true))
	assert.Zero(t, sess.LastConsolidated)
	require.Len(t, caller.calls, 1)
}

func TestConsolidateModelErrorKeepsWatermark(t *testing.T) {
	caller := &fakeCaller{content: "overloaded", errorKind: "rate_limit"}
	c, _, store := newConsolidatorFixture(t, caller, 4)

	sess := &session.Session{Key: "k", Messages: transcript(8)}
	err := c.Consolidate(context.Background(), sess, false)
	assert.Error(t, err)
	assert.Zero(t, sess.LastConsolidated)

	long, readErr := store.ReadLongTerm()
	require.NoError(t, readErr)
	assert.Empty(t, long)
}

func TestConsolidateUnparseableResponse(t *testing.T) {
	caller := &fakeCaller{content: "I could not produce JSON, sorry."}
	c, _, _ := newConsolidatorFixture(t, caller, 4)

	sess := &session.Session{Key: "k", Messages: transcript(8)}
	err := c.Consolidate(context.Background(), sess, false)
	assert.Error(t, err)
	assert.Zero(t, sess.LastConsolidated)
}

func TestConsolidateStripsMarkdownFences(t *testing.T) {
	caller := &fakeCaller{content: "```json\n{\"history_entry\":\"[x] fenced\",\"memory_update\":\"\"}\n```"}
	c, _, store := newConsolidatorFixture(t, caller, 4)

	sess := &session.Session{Key: "k", Messages: transcript(8)}
	require.NoError(t, c.Consolidate(context.Background(), sess, false))

	history, err := os.ReadFile(filepath.Join(store.dir, "HISTORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(history), "fenced")
}

func TestConsolidateSkipsUnchangedMemory(t *testing.T) {
	caller := &fakeCaller{content: `{"history_entry":"[x] e","memory_update":"Same fact."}`}
	c, _, store := newConsolidatorFixture(t, caller, 4)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.WriteLongTerm("Same fact.", first))

	sess := &session.Session{Key: "k", Messages: transcript(8)}
	require.NoError(t, c.Consolidate(context.Background(), sess, false))

	raw, err := os.ReadFile(filepath.Join(store.dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "2026-01-01T00:00:00Z")
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

type slowCaller struct {
	fakeCaller
	delay time.Duration
}

func (s *slowCaller) Call(ctx context.Context, params failover.CallParams) failover.Result {
	time.Sleep(s.delay)
	return s.fakeCaller.Call(ctx, params)
}

func TestConsolidateConcurrentWithAppends(t *testing.T) {
	caller := &slowCaller{
		fakeCaller: fakeCaller{content: `{"history_entry":"[x] e","memory_update":""}`},
		delay:      50 * time.Millisecond,
	}
	c, sessions, _ := newConsolidatorFixture(t, caller, 10)

	sess, err := sessions.GetOrCreate("chan:42")
	require.NoError(t, err)
	for _, m := range transcript(12) {
		sess.Append(m)
	}
	require.NoError(t, sessions.Save(sess))

	done := make(chan error, 1)
	go func() { done <- c.Consolidate(context.Background(), sess, false) }()

	// the live turn keeps appending and saving while the model call runs
	for i := 0; i < 10; i++ {
		sess.Append(session.Message{Role: "user", Content: "late"})
		require.NoError(t, sessions.Save(sess))
	}
	require.NoError(t, <-done)

	// watermark comes from the snapshot length, so the late appends
	// stay above it
	assert.Equal(t, 7, sess.LastConsolidated)
	assert.Equal(t, 22, sess.Len())

	sessions.Invalidate("chan:42")
	reloaded, err := sessions.GetOrCreate("chan:42")
	require.NoError(t, err)
	assert.Equal(t, 22, reloaded.Len())
	assert.Equal(t, 7, reloaded.LastConsolidated)
}
