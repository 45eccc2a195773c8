// Package archive keeps the raw markup of listing pages that could not be parsed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// Store writes one object and returns its URI.
type Store interface {
	Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
}

// PageArchiver files pages under <run_id>/page-<n>.html.
type PageArchiver struct {
	store Store
	runID string
}

// NewPageArchiver builds a PageArchiver for one run.
func NewPageArchiver(store Store, runID string) (*PageArchiver, error) {
	if store == nil {
		return nil, errors.New("archive store is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return &PageArchiver{store: store, runID: runID}, nil
}

// PagePath is the object path of page within a run.
func PagePath(runID string, page int) string {
	return path.Join(runID, fmt.Sprintf("page-%d.html", page))
}

// ArchivePage stores markup for page.
func (a *PageArchiver) ArchivePage(ctx context.Context, page int, markup []byte) error {
	if _, err := a.store.Put(ctx, PagePath(a.runID, page), "text/html; charset=utf-8", markup); err != nil {
		return fmt.Errorf("archive page %d: %w", page, err)
	}
	return nil
}
