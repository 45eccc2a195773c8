// Package checkpoint persists crawl progress so an interrupted run can resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/mo"

	"github.com/JakeFAU/catalog-sync/internal/session"
)

// Checkpoint is the durable progress record of a crawl.
type Checkpoint struct {
	// LastPage is the highest page such that every page at or below it produced a result.
	LastPage int `json:"last_page"`
	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time `json:"timestamp"`
	// Cookies is the fetch session at checkpoint time.
	Cookies []session.Cookie `json:"cookies"`
	// FailedPages are pages at or below LastPage that still need a retry.
	FailedPages []int `json:"failed_pages,omitempty"`
}

// ResumePage is the first page to dispatch when resuming from c.
func (c Checkpoint) ResumePage() int {
	return c.LastPage + 1
}

// Store loads, saves and clears the checkpoint.
type Store interface {
	Load(ctx context.Context) (mo.Option[Checkpoint], error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context) error
}

func encode(cp Checkpoint) ([]byte, error) {
	if cp.Cookies == nil {
		cp.Cookies = []session.Cookie{}
	}
	cp.Timestamp = cp.Timestamp.UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.LastPage < 0 {
		return Checkpoint{}, fmt.Errorf("checkpoint last_page must be >= 0, got %d", cp.LastPage)
	}
	return cp, nil
}
