package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/queue"
)

// Processor handles one claimed delivery.
type Processor interface {
	Process(ctx context.Context, d *queue.Delivery) error
}

type PoolConfig struct {
	Workers int
	// ErrorBackoff is how long a worker sleeps after Receive fails.
	ErrorBackoff time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs before
	// cancelling them. Zero waits indefinitely.
	DrainTimeout time.Duration
}

// Pool runs a fixed number of workers, each claiming and processing one
// delivery at a time.
type Pool struct {
	queue     queue.Queue
	processor Processor
	cfg       PoolConfig
	logger    *zap.Logger

	cancel context.CancelFunc // stops claiming
	abort  context.CancelFunc // interrupts in-flight jobs
	jobCtx context.Context
	wg     sync.WaitGroup
}

func NewPool(q queue.Queue, p Processor, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Pool{queue: q, processor: p, cfg: cfg, logger: logger}
}

func (p *Pool) Start(ctx context.Context) {
	// claimed jobs outlive the claim loop until Stop gives up on them
	p.jobCtx, p.abort = context.WithCancel(context.WithoutCancel(ctx))
	ctx, p.cancel = context.WithCancel(ctx)
	p.logger.Info("starting dispatch worker pool", zap.Int("workers", p.cfg.Workers))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Stop stops claiming new work and waits for in-flight deliveries to finish.
// Past DrainTimeout the remaining jobs are cancelled and left unacked, so
// the queue redelivers them.
func (p *Pool) Stop() {
	p.logger.Info("stopping dispatch worker pool")
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.cfg.DrainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("drain timeout reached, cancelling in-flight jobs",
				zap.Duration("drain_timeout", p.cfg.DrainTimeout),
			)
			p.abort()
		}
	}
	<-done
	p.abort()
	p.logger.Info("dispatch worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("failed to receive job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		if d == nil {
			continue
		}

		p.process(d, log)
	}
}

func (p *Pool) process(d *queue.Delivery, log *zap.Logger) {
	metrics.IncJobsInFlight()
	defer metrics.DecJobsInFlight()

	if err := p.processor.Process(p.jobCtx, d); err != nil {
		log.Error("job processing failed, leaving for redelivery",
			zap.String("job_id", d.Job.ID.String()),
			zap.Error(err),
		)
	}
}
