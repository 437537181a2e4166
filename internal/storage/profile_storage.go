package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
)

// ProfileStorage serves billing profiles loaded from a JSON array file.
type ProfileStorage struct {
	mu       sync.RWMutex
	profiles map[string]*domain.Profile
}

// NewProfileStorage loads profiles from file. A missing file yields an
// empty store.
func NewProfileStorage(file string) (*ProfileStorage, error) {
	s := &ProfileStorage{profiles: make(map[string]*domain.Profile)}

	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var profiles []*domain.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("unmarshal profiles: %w", err)
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s, nil
}

// Get returns the profile with id.
func (s *ProfileStorage) Get(id string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %q: %w", id, errpkg.ErrProfileNotFound)
	}
	return p, nil
}

// Put adds or replaces a profile in memory.
func (s *ProfileStorage) Put(p *domain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// IDs returns the known profile ids, sorted.
func (s *ProfileStorage) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
