package signals

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/aggregation"
)

// Pool is a fixed-size worker pool that executes strategy jobs. It
// implements aggregation.Dispatcher: Dispatch never blocks, so the
// coordinator can fan out a whole session and return immediately.
type Pool struct {
	service    *Service
	numWorkers int
	jobs       chan aggregation.StrategyJob
	log        zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a worker pool over the given service.
func NewPool(service *Service, numWorkers int, log zerolog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 10 // Default to 10 workers
	}
	return &Pool{
		service:    service,
		numWorkers: numWorkers,
		jobs:       make(chan aggregation.StrategyJob, 256),
		log:        log.With().Str("component", "evaluation_pool").Logger(),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		p.log.Warn().Msg("Evaluation pool already started, ignoring")
		return
	}
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info().Int("workers", p.numWorkers).Msg("Evaluation pool started")
}

// Stop drains the queue and waits for in-flight evaluations to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Evaluation pool stopped")
}

// Dispatch queues a job for evaluation. Jobs dispatched after Stop are
// dropped with a log line; the session they belong to will time out, which
// is the correct outcome during shutdown.
func (p *Pool) Dispatch(job aggregation.StrategyJob) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || !p.started {
		p.log.Warn().
			Str("session_id", job.SessionID).
			Str("strategy_id", job.StrategyID).
			Msg("Job dropped, pool not running")
		return
	}

	select {
	case p.jobs <- job:
	default:
		// Queue full. Hand off asynchronously rather than block the
		// coordinator; ordering between sessions does not matter.
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				if recover() != nil {
					// Channel closed during shutdown; same as the
					// dropped-job path above.
					p.log.Warn().
						Str("session_id", job.SessionID).
						Str("strategy_id", job.StrategyID).
						Msg("Job dropped during shutdown")
				}
			}()
			p.jobs <- job
		}()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.service.EvaluateStrategy(job)
	}
}
