// Package lifecycle tears the application down in order. Stores, upstream
// clients, and background loops register at boot; shutdown closes them in
// reverse so dependents always go before their dependencies.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager collects closeable resources and releases them LIFO.
type Manager struct {
	mu        sync.Mutex
	closed    bool
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource to close on shutdown. Registration after Close
// closes the resource immediately.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Str("resource", name).Msg("lifecycle.late_close_failed")
		}
		return
	}
	m.resources = append(m.resources, resource{name: name, closer: closer})
	m.mu.Unlock()
}

// RegisterFunc wraps a cleanup function as a Closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close releases every registered resource in reverse registration order.
// Every closer runs even when earlier ones fail; failures are joined into
// the returned error. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			log.Error().Err(err).Str("resource", res.name).Msg("lifecycle.close_resource_failed")
			errs = append(errs, fmt.Errorf("close %s: %w", res.name, err))
		}
	}
	m.resources = nil
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
