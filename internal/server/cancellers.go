package server

import (
	"context"
	"sync"
)

// Simple in-memory registry of per-session cancellers so the cancel endpoint
// can signal an in-flight operation quickly.
type cancellers struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func newCancellers() *cancellers {
	return &cancellers{m: map[string]context.CancelFunc{}}
}

// register stores a cancel func for a session id, overwriting any previous
// entry.
func (c *cancellers) register(sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[sessionID] = cancel
}

// unregister removes any registered cancel func for a session id.
func (c *cancellers) unregister(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, sessionID)
}

// cancel signals the registered cancel func for sessionID if present.
// Returns true if a cancel func was found and called.
func (c *cancellers) cancel(sessionID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[sessionID]
	c.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}
