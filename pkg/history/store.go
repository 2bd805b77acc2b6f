// Package history persists conversation turns per speaker.
package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"companion/pkg/api"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var filenameSafeRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// Store is the persistent history the orchestrator reads and appends to.
type Store interface {
	// History returns at most limit turns of speaker, oldest first.
	History(ctx context.Context, speaker string, limit int) ([]api.Turn, error)
	Append(ctx context.Context, speaker string, turn api.Turn) error
}

// FileStore keeps one JSON-lines file per speaker.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("history: empty directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(speaker string) string {
	safeID := filenameSafeRegex.ReplaceAllString(speaker, "_")
	if safeID == "" {
		safeID = "_"
	}
	return filepath.Join(s.dir, fmt.Sprintf("history_%s.jsonl", safeID))
}

// History implements Store. A speaker without a file has no history.
func (s *FileStore) History(ctx context.Context, speaker string, limit int) ([]api.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(speaker))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var turns []api.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t api.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			slog.WarnContext(ctx, "Skipping corrupt history line", "speaker", speaker, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, speaker string, turn api.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(speaker), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	turns map[string][]api.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]api.Turn)}
}

func (m *MemoryStore) History(_ context.Context, speaker string, limit int) ([]api.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[speaker]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]api.Turn(nil), turns...), nil
}

func (m *MemoryStore) Append(_ context.Context, speaker string, turn api.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[speaker] = append(m.turns[speaker], turn)
	return nil
}
