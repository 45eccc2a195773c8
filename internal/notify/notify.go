// Package notify publishes change events for rows a reconciliation pass wrote.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// ChangeEvent tells downstream consumers which catalog entries changed.
type ChangeEvent struct {
	RunID    string    `json:"run_id"`
	Category string    `json:"category"`
	IDs      []string  `json:"ids"`
	SyncedAt time.Time `json:"synced_at"`
}

// Publisher delivers change events to a transport and returns a message ID.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) (string, error)
	Close() error
}

// ChangeNotifier adapts a Publisher to the reconciliation engine.
type ChangeNotifier struct {
	publisher Publisher
	runID     string
	clock     catalog.Clock
	logger    *zap.Logger
}

// NewChangeNotifier builds a ChangeNotifier stamping events with runID.
func NewChangeNotifier(publisher Publisher, runID string, clock catalog.Clock, logger *zap.Logger) (*ChangeNotifier, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeNotifier{publisher: publisher, runID: runID, clock: clock, logger: logger}, nil
}

// Notify publishes one event for ids. Empty passes publish nothing.
func (n *ChangeNotifier) Notify(ctx context.Context, category string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	event := ChangeEvent{
		RunID:    n.runID,
		Category: category,
		IDs:      append([]string(nil), ids...),
		SyncedAt: n.clock.Now(),
	}
	id, err := n.publisher.Publish(ctx, event)
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	n.logger.Debug("change event published", zap.String("message_id", id), zap.Int("ids", len(ids)))
	return nil
}
