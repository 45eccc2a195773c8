package run

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/crawl"
)

// Summary is reported at the end of every run, including aborted ones.
type Summary struct {
	RunID          string       `json:"run_id"`
	Category       string       `json:"category"`
	Reason         crawl.Reason `json:"reason"`
	StartPage      int          `json:"start_page"`
	LastPage       int          `json:"last_page"`
	StopPage       *int         `json:"stop_page,omitempty"`
	PagesCrawled   int          `json:"pages_crawled"`
	PagesRetried   int          `json:"pages_retried"`
	ItemsFound     int          `json:"items_found"`
	Updated        int          `json:"updated"`
	Unchanged      int          `json:"unchanged"`
	New            int          `json:"new"`
	Rejected       int          `json:"rejected"`
	Duplicates     int          `json:"duplicates"`
	Refreshes      int          `json:"refreshes"`
	StillFailed    []int        `json:"pages_still_failed"`
	RowsFailed     []string     `json:"rows_failed"`
	IntegrityGaps  []string     `json:"integrity_mismatches"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	CheckpointKept bool         `json:"checkpoint_kept"`
}

// Fields renders the summary as log fields.
func (s Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("category", s.Category),
		zap.String("reason", string(s.Reason)),
		zap.Int("start_page", s.StartPage),
		zap.Int("last_page", s.LastPage),
		zap.Int("pages_crawled", s.PagesCrawled),
		zap.Int("pages_retried", s.PagesRetried),
		zap.Int("items_found", s.ItemsFound),
		zap.Int("updated", s.Updated),
		zap.Int("unchanged", s.Unchanged),
		zap.Int("new", s.New),
		zap.Int("rejected", s.Rejected),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("refreshes", s.Refreshes),
		zap.Ints("pages_still_failed", s.StillFailed),
		zap.Int("rows_failed", len(s.RowsFailed)),
		zap.Int("integrity_mismatches", len(s.IntegrityGaps)),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
		zap.Bool("checkpoint_kept", s.CheckpointKept),
	}
	if s.StopPage != nil {
		fields = append(fields, zap.Int("stop_page", *s.StopPage))
	}
	return fields
}
