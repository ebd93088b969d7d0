package sharedstate

import (
	"context"
	"sync"
)

// Memory is an in-process stand-in for the OS-level shared store. Each Handle behaves like one
// process's view: it caches what it read, buffers what it wrote, and only exchanges values with
// the shared map on Flush.
type Memory struct {
	mu     sync.Mutex
	values map[Key]string
	fail   error
}

// NewMemory returns an empty shared map.
func NewMemory() *Memory {
	return &Memory{values: make(map[Key]string)}
}

// FailWith makes every handle operation return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Snapshot returns a copy of the shared (flushed) values.
func (m *Memory) Snapshot() map[Key]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Put writes directly to the shared map, as if another process had written and flushed.
func (m *Memory) Put(key Key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Handle opens a new process view.
func (m *Memory) Handle() *MemoryHandle {
	return &MemoryHandle{
		shared:  m,
		cache:   make(map[Key]*string),
		pending: make(map[Key]*string),
	}
}

// MemoryHandle implements Store over a Memory.
type MemoryHandle struct {
	shared  *Memory
	mu      sync.Mutex
	cache   map[Key]*string
	pending map[Key]*string
	order   []Key
	flushes int
}

func (h *MemoryHandle) failure() error {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.fail
}

// Get implements Store. Pending writes win, then the cache, then the shared map.
func (h *MemoryHandle) Get(_ context.Context, key Key) (string, bool, error) {
	if err := h.failure(); err != nil {
		return "", false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.pending[key]; ok {
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	if v, ok := h.cache[key]; ok {
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	h.shared.mu.Lock()
	v, ok := h.shared.values[key]
	h.shared.mu.Unlock()
	if !ok {
		h.cache[key] = nil
		return "", false, nil
	}
	h.cache[key] = &v
	return v, true, nil
}

// Set implements Store.
func (h *MemoryHandle) Set(_ context.Context, key Key, value string) error {
	if err := h.failure(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stage(key, &value)
	return nil
}

// Delete implements Store.
func (h *MemoryHandle) Delete(_ context.Context, key Key) error {
	if err := h.failure(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stage(key, nil)
	return nil
}

func (h *MemoryHandle) stage(key Key, value *string) {
	if _, ok := h.pending[key]; !ok {
		h.order = append(h.order, key)
	}
	h.pending[key] = value
}

// Flush implements Store.
func (h *MemoryHandle) Flush(_ context.Context) error {
	if err := h.failure(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared.mu.Lock()
	for _, k := range h.order {
		if v := h.pending[k]; v == nil {
			delete(h.shared.values, k)
		} else {
			h.shared.values[k] = *v
		}
	}
	h.shared.mu.Unlock()
	h.pending = make(map[Key]*string)
	h.cache = make(map[Key]*string)
	h.order = nil
	h.flushes++
	return nil
}

// Flushes reports how many times this handle was flushed.
func (h *MemoryHandle) Flushes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushes
}
