// Package memory keeps published change events in memory.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-sync/internal/notify"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []notify.ChangeEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event notify.ChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []notify.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]notify.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
