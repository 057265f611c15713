// Package memory keeps the agent's long-term memory as two markdown
// files in the workspace: memory/MEMORY.md holds durable facts and
// memory/HISTORY.md is an append-only, grep-searchable log.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const updatedAtPrefix = "<!-- updated_at="

// Store reads and writes the memory files under workspace/memory.
type Store struct {
	dir         string
	memoryFile  string
	historyFile string
}

// NewStore creates the memory directory if needed.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}
	return &Store{
		dir:         dir,
		memoryFile:  filepath.Join(dir, "MEMORY.md"),
		historyFile: filepath.Join(dir, "HISTORY.md"),
	}, nil
}

// ReadLongTerm returns the body of MEMORY.md with the leading
// updated_at comment stripped, so callers can feed it back to the model
// without the model echoing the header.
func (s *Store) ReadLongTerm() (string, error) {
	data, err := os.ReadFile(s.memoryFile)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading long-term memory: %w", err)
	}
	content := string(data)
	if strings.HasPrefix(content, updatedAtPrefix) {
		if idx := strings.Index(content, " -->"); idx >= 0 {
			content = strings.TrimLeft(content[idx+len(" -->"):], "\n")
		}
	}
	return content, nil
}

// WriteLongTerm replaces MEMORY.md. When updatedAt is non-zero a
// comment line recording it is prepended for traceability.
func (s *Store) WriteLongTerm(content string, updatedAt time.Time) error {
	if !updatedAt.IsZero() {
		content = fmt.Sprintf("%s%s -->\n%s", updatedAtPrefix, updatedAt.UTC().Format(time.RFC3339), content)
	}
	tmp := s.memoryFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing long-term memory: %w", err)
	}
	if err := os.Rename(tmp, s.memoryFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing long-term memory: %w", err)
	}
	return nil
}

// AppendHistory appends one entry to HISTORY.md, separated by a blank
// line.
func (s *Store) AppendHistory(entry string) error {
	f, err := os.OpenFile(s.historyFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(entry, "\n") + "\n\n"); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// Context renders the long-term memory as a prompt section, or returns
// an empty string when nothing has been written yet.
func (s *Store) Context() (string, error) {
	longTerm, err := s.ReadLongTerm()
	if err != nil {
		return "", err
	}
	if longTerm == "" {
		return "", nil
	}
	return "## Long-term Memory\n" + longTerm, nil
}
