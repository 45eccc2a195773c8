// Package decision lets a running crawl ask an operator a question and wait
// a bounded time for the answer.
package decision

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/clock/system"
	"github.com/JakeFAU/catalog-sync/internal/id/uuid"
)

var (
	// ErrNotFound is returned when answering a request that is not pending.
	ErrNotFound = errors.New("decision request not found")
	// ErrInvalidChoice is returned when an answer is not one of the offered options.
	ErrInvalidChoice = errors.New("choice is not one of the offered options")
)

// Request is a question waiting for an answer.
type Request struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Options   []string  `json:"options"`
	Default   string    `json:"default"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Answer is the outcome of Ask.
type Answer struct {
	Choice string
	// Defaulted is true when nobody answered before the deadline.
	Defaulted bool
}

type pending struct {
	req    Request
	answer chan string
}

// Gate is a typed request/response channel between the crawl and an operator.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pending
	ids     catalog.IDGenerator
	clock   catalog.Clock
	logger  *zap.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithIDGenerator overrides request ID generation.
func WithIDGenerator(ids catalog.IDGenerator) Option {
	return func(g *Gate) { g.ids = ids }
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock catalog.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates an empty Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*pending),
		ids:     uuid.New("dec-"),
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ask publishes a request and blocks until it is answered, the timeout
// elapses (the default is returned) or ctx is canceled.
func (g *Gate) Ask(ctx context.Context, prompt string, options []string, def string, timeout time.Duration) (Answer, error) {
	if len(options) == 0 {
		return Answer{}, errors.New("decision needs at least one option")
	}
	if !slices.Contains(options, def) {
		return Answer{}, fmt.Errorf("default %q: %w", def, ErrInvalidChoice)
	}
	id, err := g.ids.NewID()
	if err != nil {
		return Answer{}, fmt.Errorf("decision id: %w", err)
	}
	now := g.clock.Now()
	p := &pending{
		req: Request{
			ID:        id,
			Prompt:    prompt,
			Options:   slices.Clone(options),
			Default:   def,
			CreatedAt: now,
			Deadline:  now.Add(timeout),
		},
		answer: make(chan string, 1),
	}

	g.mu.Lock()
	g.pending[id] = p
	g.mu.Unlock()
	defer g.remove(id)

	g.logger.Warn("waiting for operator decision",
		zap.String("decision_id", id),
		zap.String("prompt", prompt),
		zap.Strings("options", options),
		zap.String("default", def),
		zap.Duration("timeout", timeout),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case choice := <-p.answer:
		g.logger.Info("operator decision received", zap.String("decision_id", id), zap.String("choice", choice))
		return Answer{Choice: choice}, nil
	case <-timer.C:
		g.logger.Warn("decision timed out, using default", zap.String("decision_id", id), zap.String("choice", def))
		return Answer{Choice: def, Defaulted: true}, nil
	case <-ctx.Done():
		return Answer{}, fmt.Errorf("decision canceled: %w", ctx.Err())
	}
}

// Resolve answers a pending request.
func (g *Gate) Resolve(id, choice string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(p.req.Options, choice) {
		return fmt.Errorf("%q: %w", choice, ErrInvalidChoice)
	}
	delete(g.pending, id)
	p.answer <- choice
	return nil
}

// Pending lists unanswered requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		req := p.req
		req.Options = slices.Clone(req.Options)
		out = append(out, req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
