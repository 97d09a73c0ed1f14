package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded checkpoints in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[uint64][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[uint64][]byte)}
}

func (s *MemoryStore) Init(_ context.Context) error { return nil }

func (s *MemoryStore) Save(_ context.Context, c Checkpoint) error {
	payload, err := Encode(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.runs[c.Run]
	if !ok {
		steps = make(map[uint64][]byte)
		s.runs[c.Run] = steps
	}
	for step := range steps {
		if step >= c.Step {
			delete(steps, step)
		}
	}
	steps[c.Step] = payload
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, run string) (Checkpoint, bool, error) {
	s.mu.RLock()
	var payload []byte
	found := false
	var latest uint64
	for step, p := range s.runs[run] {
		if !found || step > latest {
			latest, payload, found = step, p, true
		}
	}
	s.mu.RUnlock()
	if !found {
		return Checkpoint{}, false, nil
	}
	c, err := Decode(payload)
	return c, err == nil, err
}

func (s *MemoryStore) Get(_ context.Context, run string, step uint64) (Checkpoint, bool, error) {
	s.mu.RLock()
	payload, ok := s.runs[run][step]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, false, nil
	}
	c, err := Decode(payload)
	return c, err == nil, err
}

func (s *MemoryStore) Close() error { return nil }
