package reporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
	rtsup "slackpush/internal/runtime/supervisor"
	logx "slackpush/pkg/logx"
)

// PoolConfig bounds delivery concurrency across all reporters.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	RatePerSec float64 // 0 disables rate limiting
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}

type job struct {
	r   *Reporter
	rep buildbot.Report
}

// Pool is the async delivery pipeline: a bounded queue drained by a fixed
// set of workers, optionally rate limited. There is no retry.
//
// It is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     PoolConfig
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func NewPool(cfg PoolConfig, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{log: log, bus: bus}
	p.applyLocked(cfg)
	return p
}

// Apply updates the rate limit immediately. Worker count and queue size
// take effect on the next Start.
func (p *Pool) Apply(cfg PoolConfig) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *Pool) Config() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) applyLocked(cfg PoolConfig) {
	cfg = cfg.withDefaults()
	p.cfg = cfg
	if cfg.RatePerSec == 0 {
		p.limiter = nil
		return
	}
	// Burst = rate per sec, so short spikes don't block too hard.
	burst := int(math.Ceil(cfg.RatePerSec))
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		return
	}
	p.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	p.limiter.SetBurst(burst)
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
	}
	if p.queue != nil {
		p.mu.Unlock()
		return
	}

	p.queue = make(chan job, p.cfg.QueueSize)
	p.accepting = true
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	sup, q, workers := p.sup, p.queue, p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("delivery.worker.%d", i), func(c context.Context) error {
			p.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			p.mu.Lock()
			stopping := p.stopDone != nil
			p.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("delivery worker exited unexpectedly")
		}, rtsup.WithPublishError(true))
	}
	p.log.Debug("delivery pool started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	q, sup := p.queue, p.sup
	if q == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	p.stopDone = done
	p.accepting = false
	p.mu.Unlock()

	// Shutdown runs asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		p.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		p.mu.Lock()
		p.queue = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Abort in-flight posts; queued jobs are lost.
		sup.Cancel()
		if left := len(q); left > 0 {
			p.log.Warn("delivery pool stopped with queued events", logx.Int("dropped", left))
		}
	}
}

// Pending is the number of queued, not yet picked up, deliveries.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return 0
	}
	return len(p.queue)
}

func (p *Pool) submit(r *Reporter, rep buildbot.Report) error {
	p.mu.Lock()
	if !p.accepting || p.queue == nil {
		p.mu.Unlock()
		return ErrStopped
	}
	q := p.queue
	p.sendWG.Add(1)
	p.mu.Unlock()
	defer p.sendWG.Done()

	select {
	case q <- job{r: r, rep: rep}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			p.mu.Lock()
			lim := p.limiter
			p.mu.Unlock()
			if lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return
				}
			}
			j.r.Dispatch(ctx, j.rep)
		}
	}
}

// Stats is a snapshot of one reporter's delivery counters.
type Stats struct {
	Queued   uint64 `json:"queued"`
	Sent     uint64 `json:"sent"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Invalid  uint64 `json:"invalid"`
}

// DeliveryEvent is published on the bus for every delivery outcome.
type DeliveryEvent struct {
	Reporter   string    `json:"reporter"`
	Event      string    `json:"event"`
	BuildID    int64     `json:"build_id"`
	Revision   string    `json:"revision,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
