package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kirana/internal/observability"
)

var (
	// ErrInvalidSessionKey is returned for keys that cannot be used as
	// part of a file name.
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrSessionNotFound is returned when a session has no persisted
	// state and none is cached.
	ErrSessionNotFound = errors.New("session not found")
)

// Manager owns the session directory. Every session is stored as a
// single JSON document and rewritten atomically on save. Loaded
// sessions stay cached until invalidated or archived.
type Manager struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates the session directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	observability.EnsureRegistered()
	return &Manager{
		dir:    dir,
		logger: log.With().Str("component", "session").Logger(),
		cache:  make(map[string]*Session),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionKey)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q contains parent reference", ErrInvalidSessionKey, key)
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: %q contains path separator or NUL", ErrInvalidSessionKey, key)
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key+".json")
}

// keyLock returns the per-key mutex, creating it on first use.
func (m *Manager) keyLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetOrCreate returns the session for key, loading it from disk on a
// cache miss and creating a fresh one when no file exists.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if s, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	if s, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	s, err := m.load(key)
	if errors.Is(err, ErrSessionNotFound) {
		now := time.Now().UTC()
		s = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
		m.logger.Debug().Str("session_key", key).Msg("created session")
	} else if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[key] = s
	observability.SetActiveSessions(len(m.cache))
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) load(key string) (*Session, error) {
	data, err := os.ReadFile(m.path(key))
	if os.IsNotExist(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", key, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", key, err)
	}
	s.Key = key
	if s.LastConsolidated < 0 || s.LastConsolidated > len(s.Messages) {
		m.logger.Warn().Str("session_key", key).Int("watermark", s.LastConsolidated).
			Msg("clamping out-of-range consolidation watermark")
		s.LastConsolidated = 0
	}
	return &s, nil
}

// Save rewrites the session file atomically via a temp file rename.
func (m *Manager) Save(s *Session) error {
	if err := validateKey(s.Key); err != nil {
		return err
	}
	start := time.Now()

	lock := m.keyLock(s.Key)
	lock.Lock()
	defer lock.Unlock()

	// Marshal a detached copy so concurrent appends cannot tear the
	// encoded document.
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", s.Key, err)
	}

	tmp, err := os.CreateTemp(m.dir, s.Key+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for session %s: %w", s.Key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session %s: %w", s.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session %s: %w", s.Key, err)
	}
	if err := os.Rename(tmpName, m.path(s.Key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session %s: %w", s.Key, err)
	}

	m.mu.Lock()
	m.cache[s.Key] = s
	observability.SetActiveSessions(len(m.cache))
	m.mu.Unlock()

	observability.RecordSessionSave(time.Since(start))
	return nil
}

// Invalidate drops the cached copy so the next GetOrCreate rereads the
// file. It does not touch disk.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	delete(m.cache, key)
	observability.SetActiveSessions(len(m.cache))
	m.mu.Unlock()
}

// Archive moves the session file aside under an archived- prefix with a
// timestamp and evicts the cached copy. The next GetOrCreate starts a
// fresh transcript. Archiving a session that was never saved is a no-op.
func (m *Manager) Archive(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	src := m.path(key)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		m.Invalidate(key)
		return nil
	} else if err != nil {
		return fmt.Errorf("checking session %s: %w", key, err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	dst := filepath.Join(m.dir, fmt.Sprintf("archived-%s-%s.json", key, stamp))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archiving session %s: %w", key, err)
	}
	m.logger.Info().Str("session_key", key).Str("archive", filepath.Base(dst)).Msg("archived session")

	m.Invalidate(key)
	return nil
}

// List returns the keys of all persisted, non-archived sessions.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, "archived-") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}
