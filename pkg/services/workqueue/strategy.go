package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy tracks running tasks by key and determines whether a new task
// can start given the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task with the given key can start now.
	CanStart(key string) bool
	// OnStart is called when a task with the given key starts.
	OnStart(key string)
	// OnComplete is called when a task with the given key completes.
	OnComplete(key string)
}

// KeyedStrategy allows up to maxWorkers tasks to run in parallel, with at
// most one running task per key. Two tasks with different keys never block
// each other except through the worker cap.
type KeyedStrategy struct {
	mu         sync.Mutex
	maxWorkers int
	running    map[string]bool
}

// NewKeyedStrategy creates a strategy with the given worker cap.
func NewKeyedStrategy(maxWorkers int) *KeyedStrategy {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &KeyedStrategy{
		maxWorkers: maxWorkers,
		running:    make(map[string]bool),
	}
}

func (s *KeyedStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) < s.maxWorkers && !s.running[key]
}

func (s *KeyedStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[key] = true
}

func (s *KeyedStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}

// SerialStrategy runs one task at a time regardless of key.
type SerialStrategy struct {
	mu   sync.Mutex
	busy bool
}

// NewSerialStrategy creates a strategy that serializes all tasks.
func NewSerialStrategy() *SerialStrategy {
	return &SerialStrategy{}
}

func (s *SerialStrategy) CanStart(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy
}

func (s *SerialStrategy) OnStart(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
}

func (s *SerialStrategy) OnComplete(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}
