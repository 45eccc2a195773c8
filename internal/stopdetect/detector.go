package stopdetect

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Mode selects which availabilities count as not purchasable.
type Mode string

// Supported modes.
const (
	ModeBackordered            Mode = "backordered"
	ModeBackorderedMadeToOrder Mode = "backordered_or_made_to_order"
)

// ParseMode validates a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeBackordered, ModeBackorderedMadeToOrder:
		return Mode(raw), nil
	case "":
		return ModeBackordered, nil
	default:
		return "", fmt.Errorf("unknown stop mode %q", raw)
	}
}

// Config controls a Detector.
type Config struct {
	Threshold int
	Mode      Mode
	// StartPage is the first page the crawl dispatches; evaluation begins there.
	StartPage int
}

// Detector counts consecutive non-purchasable items across pages in page order.
// Pages complete out of order, so observations are buffered until every lower
// page has been observed or skipped.
//
// The recorded stop page is the page holding the item that brings the run to
// the threshold, not the page on which the run started. A run of 30 that
// begins at the end of page 6 and reaches its 30th item on page 7 stops at 7.
type Detector struct {
	cfg    Config
	state  *State
	logger *zap.Logger

	mu      sync.Mutex
	next    int
	run     int
	pending map[int][]catalog.Availability
}

// New builds a Detector that records into state.
func New(cfg Config, state *State, logger *zap.Logger) (*Detector, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("stop threshold must be > 0")
	}
	if state == nil {
		return nil, fmt.Errorf("stop state is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBackordered
	}
	if cfg.StartPage <= 0 {
		cfg.StartPage = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:     cfg,
		state:   state,
		logger:  logger,
		next:    cfg.StartPage,
		pending: make(map[int][]catalog.Availability),
	}, nil
}

// State returns the shared stop state the detector records into.
func (d *Detector) State() *State {
	return d.state
}

// Observe feeds the availabilities found on page, in on-page order.
func (d *Detector) Observe(page int, availabilities []catalog.Availability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if page < d.next {
		return
	}
	d.pending[page] = append([]catalog.Availability(nil), availabilities...)
	d.advance()
}

// Skip marks page as producing no observations (for example a failed fetch).
// Skipped pages neither extend nor break the current run.
func (d *Detector) Skip(page int) {
	d.Observe(page, nil)
}

// Resync restarts in-order evaluation at page. Used when the crawl resumes from
// a point other than the configured start.
func (d *Detector) Resync(page int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if page <= d.next {
		return
	}
	for p := range d.pending {
		if p < page {
			delete(d.pending, p)
		}
	}
	d.next = page
	d.advance()
}

func (d *Detector) advance() {
	for {
		items, ok := d.pending[d.next]
		if !ok {
			return
		}
		delete(d.pending, d.next)
		page := d.next
		d.next++
		for _, a := range items {
			if !d.blocking(a) {
				d.run = 0
				continue
			}
			d.run++
			if d.run == d.cfg.Threshold {
				if d.state.TryRecordStop(page) {
					d.logger.Info("stop threshold reached",
						zap.Int("page", page),
						zap.Int("threshold", d.cfg.Threshold),
						zap.String("mode", string(d.cfg.Mode)),
					)
				}
			}
		}
	}
}

func (d *Detector) blocking(a catalog.Availability) bool {
	switch a {
	case catalog.AvailabilityBackordered:
		return true
	case catalog.AvailabilityMadeToOrder:
		return d.cfg.Mode == ModeBackorderedMadeToOrder
	default:
		return false
	}
}
