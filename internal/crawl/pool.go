package crawl

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

// pool is a fixed set of workers reading page numbers from a bounded queue.
// The control loop owns the queue; workers only report results.
type pool struct {
	queue   chan int
	results chan pageResult

	halt        chan struct{}
	abandon     chan struct{}
	haltOnce    sync.Once
	abandonOnce sync.Once
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func startPool(ctx context.Context, workers int, poll time.Duration, process func(context.Context, int) pageResult) *pool {
	workCtx, cancel := context.WithCancel(ctx)
	p := &pool{
		queue:   make(chan int, workers),
		results: make(chan pageResult, 2*workers),
		halt:    make(chan struct{}),
		abandon: make(chan struct{}),
		cancel:  cancel,
	}
	for range workers {
		p.wg.Add(1)
		go p.work(workCtx, poll, process)
	}
	return p
}

func (p *pool) work(ctx context.Context, poll time.Duration, process func(context.Context, int) pageResult) {
	defer p.wg.Done()
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		select {
		case <-p.halt:
			return
		case <-ctx.Done():
			return
		default:
		}
		timer.Reset(poll)
		select {
		case page := <-p.queue:
			res := pageResult{Page: page, unstarted: true}
			if !p.halted() {
				metrics.IncActiveWorkers()
				res = process(ctx, page)
				metrics.DecActiveWorkers()
			}
			select {
			case p.results <- res:
			case <-p.abandon:
				return
			}
		case <-timer.C:
		case <-p.halt:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *pool) halted() bool {
	select {
	case <-p.halt:
		return true
	default:
		return false
	}
}

// drain stops the workers from taking new pages and collects the results of
// pages already being processed, waiting at most grace. Pages that never
// produce a result here are left for the caller to account for.
func (p *pool) drain(grace time.Duration) []pageResult {
	p.haltOnce.Do(func() { close(p.halt) })
	defer p.cancel()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var out []pageResult
	collect := func(res pageResult) {
		if !res.unstarted {
			out = append(out, res)
		}
	}
	for {
		select {
		case res := <-p.results:
			collect(res)
		case <-finished:
			for {
				select {
				case res := <-p.results:
					collect(res)
				default:
					return out
				}
			}
		case <-timer.C:
			p.abandonOnce.Do(func() { close(p.abandon) })
			return out
		}
	}
}
