package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cimillas/unitvault/internal/app"
	"github.com/cimillas/unitvault/internal/clock"
)

// sweepEvery is how many writes pass between expired-entry sweeps.
const sweepEvery = 256

type memoryEntry struct {
	ref       app.InvoiceRef
	expiresAt time.Time
}

// MemoryIndex is a process-local app.InvoiceIndex with a fixed entry TTL.
type MemoryIndex struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]memoryEntry
	writes  int
}

func NewMemoryIndex(clk clock.Clock, ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryIndex) Lookup(_ context.Context, invoiceID string) (app.InvoiceRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[invoiceID]
	if !ok {
		return app.InvoiceRef{}, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, invoiceID)
		return app.InvoiceRef{}, false
	}
	return e.ref, true
}

func (m *MemoryIndex) Remember(_ context.Context, invoiceID string, ref app.InvoiceRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.entries[invoiceID] = memoryEntry{ref: ref, expiresAt: now.Add(m.ttl)}

	m.writes++
	if m.writes%sweepEvery != 0 {
		return
	}
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
