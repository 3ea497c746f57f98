package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and dry runs.
type MemoryStore struct {
	opts options

	mu       sync.Mutex
	progress map[string]Progress
	stops    map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:     newOptions(opts),
		progress: make(map[string]Progress),
		stops:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) WriteProgress(_ context.Context, jobID string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Progress
	if p, ok := s.progress[jobID]; ok {
		existing = &p
	}
	s.progress[jobID] = merge(existing, jobID, u, s.opts.timestamp())
	return nil
}

func (s *MemoryStore) ReadProgress(_ context.Context, jobID string) (*Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[jobID]
	if !ok {
		return nil, false
	}
	p.Metrics = p.Metrics.clone()
	return &p, true
}

func (s *MemoryStore) ListProgress(_ context.Context) []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Progress, 0, len(s.progress))
	for _, p := range s.progress {
		p.Metrics = p.Metrics.clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (s *MemoryStore) IsStopRequested(_ context.Context, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.stops[jobID]
	return ok
}

func (s *MemoryStore) RequestStop(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stops[jobID] = struct{}{}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.progress, jobID)
	delete(s.stops, jobID)
	return nil
}
