package voices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore keeps the voice library in process memory, optionally seeded
// from a directory of audio samples (voice id = file name without extension).
type InMemoryStore struct {
	mu        sync.RWMutex
	voices    map[string]Voice
	defaultID string
}

func NewInMemoryStore(defaultID string) *InMemoryStore {
	return &InMemoryStore{
		voices:    make(map[string]Voice),
		defaultID: strings.TrimSpace(defaultID),
	}
}

// NewInMemoryStoreFromDir scans dir for .wav/.mp3/.flac samples. A missing
// directory yields an empty store rather than an error so the gateway can
// start before any voices are installed.
func NewInMemoryStoreFromDir(dir, defaultID string) (*InMemoryStore, error) {
	s := NewInMemoryStore(defaultID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read voice dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".wav" && ext != ".mp3" && ext != ".flac" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		s.Add(Voice{
			ID:         id,
			Name:       id,
			SamplePath: filepath.Join(dir, e.Name()),
		})
	}
	return s, nil
}

func (s *InMemoryStore) Add(v Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices[v.ID] = v
}

func (s *InMemoryStore) Resolve(_ context.Context, ref string) (Voice, error) {
	ref = strings.TrimSpace(ref)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref == "" {
		ref = s.defaultID
	}
	if v, ok := s.voices[ref]; ok {
		return v, nil
	}
	return Voice{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
}

func (s *InMemoryStore) List(_ context.Context) ([]Voice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Voice, 0, len(s.voices))
	for _, v := range s.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
