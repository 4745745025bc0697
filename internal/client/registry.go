package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/pathkey"
	"github.com/thebtf/agentpool/internal/pool"
)

// ProcessProvider is the slice of the pool manager the registry needs.
type ProcessProvider interface {
	GetOrCreate(ctx context.Context, directory string) (*pool.ProcessRecord, error)
}

// Registry caches one connection handle per project directory. A handle
// exists only for directories with a live backing process; pool eviction
// calls Remove so nothing dangles.
type Registry struct {
	pool ProcessProvider

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates a registry backed by the given process provider.
func NewRegistry(provider ProcessProvider) *Registry {
	return &Registry{
		pool:    provider,
		clients: make(map[string]*Client),
	}
}

// Connect ensures a backend process exists for the directory and returns
// the cached handle bound to it, creating one on first use. A handle left
// over from a replaced process (different base URL) is discarded.
func (r *Registry) Connect(ctx context.Context, directory string) (*Client, error) {
	key := pathkey.Normalize(directory)

	rec, err := r.pool.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok && c.BaseURL() == rec.BaseURL {
		return c, nil
	}

	c := NewClient(key, rec.BaseURL)
	r.clients[key] = c
	log.Debug().
		Str("directory", key).
		Str("baseURL", rec.BaseURL).
		Msg("Connection handle created")
	return c, nil
}

// Get returns the cached handle without creating a process or a handle.
// Callers that must not trigger spawning as a side effect use this.
func (r *Registry) Get(directory string) (*Client, bool) {
	key := pathkey.Normalize(directory)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[key]
	return c, ok
}

// Remove drops the cached handle for a directory. Invoked before or while
// the corresponding process is torn down.
func (r *Registry) Remove(directory string) {
	key := pathkey.Normalize(directory)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[key]; ok {
		delete(r.clients, key)
		log.Debug().Str("directory", key).Msg("Connection handle removed")
	}
}

// Size returns the number of cached handles.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
