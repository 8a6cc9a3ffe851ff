package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/jathurchan/accesslock/types"
)

// MemoryStore is an in-process StateStore. It is suitable when every
// participant shares one address space, such as inside arbiterd.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[types.ResourceClass]types.ClassState
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[types.ResourceClass]types.ClassState),
	}
}

func (m *MemoryStore) Get(ctx context.Context, class types.ResourceClass) (types.ClassState, error) {
	if err := ctx.Err(); err != nil {
		return types.ClassState{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return types.ClassState{}, ErrClosed
	}
	state, ok := m.states[class]
	if !ok {
		return types.ClassState{Class: class}, nil
	}
	return state.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(
	ctx context.Context,
	class types.ResourceClass,
	expected uint64,
	next types.ClassState,
) (types.ClassState, error) {
	if err := ctx.Err(); err != nil {
		return types.ClassState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ClassState{}, ErrClosed
	}

	current, ok := m.states[class]
	if !ok {
		current = types.ClassState{Class: class}
	}
	if err := checkVersion(current, expected); err != nil {
		return types.ClassState{}, err
	}

	stored := prepareNext(class, expected, next)
	m.states[class] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Classes(ctx context.Context) ([]types.ResourceClass, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	classes := make([]types.ResourceClass, 0, len(m.states))
	for class := range m.states {
		classes = append(classes, class)
	}
	slices.Sort(classes)
	return classes, nil
}

func (m *MemoryStore) Status() StorageStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StorageStatusClosed
	}
	return StorageStatusReady
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
