// Package queue runs the durable job queue. Jobs live in the store;
// this package only claims, executes, and settles them, so any number
// of worker processes can share one database.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harborwell/intake-cli/internal/model"
	"github.com/harborwell/intake-cli/internal/resilience"
	"github.com/harborwell/intake-cli/internal/store"
)

// Handler executes one claimed job. A nil return settles the job as
// completed; an error reschedules or terminally fails it depending on
// transience and the attempt budget.
type Handler func(ctx context.Context, job *model.Job) error

// settleTimeout bounds the store writes that record a job's outcome.
const settleTimeout = 10 * time.Second

// Options tunes a Dispatcher.
type Options struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	Retry        resilience.RetryConfig
}

// Dispatcher pulls jobs from the store and fans them out to registered
// handlers over a bounded worker pool.
type Dispatcher struct {
	store    store.Store
	handlers map[model.JobKind]Handler
	opts     Options
}

func NewDispatcher(st store.Store, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		store:    st,
		handlers: make(map[model.JobKind]Handler),
		opts:     opts,
	}
}

// Register installs the handler for a job kind. Kinds without a handler
// are never claimed by this dispatcher.
func (d *Dispatcher) Register(kind model.JobKind, h Handler) {
	d.handlers[kind] = h
}

func (d *Dispatcher) kinds() []model.JobKind {
	kinds := make([]model.JobKind, 0, len(d.handlers))
	for k := range d.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Run polls and executes jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.handlers) == 0 {
		return eris.New("queue: no handlers registered")
	}
	log := zap.L().With(zap.Int("workers", d.opts.Workers))
	log.Info("queue: dispatcher starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			return d.workerLoop(ctx)
		})
	}
	err := g.Wait()
	if eris.Is(err, context.Canceled) {
		log.Info("queue: dispatcher stopped")
		return nil
	}
	return err
}

func (d *Dispatcher) workerLoop(ctx context.Context) error {
	kinds := d.kinds()
	for {
		job, err := d.store.ClaimJob(ctx, kinds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Warn("queue: claim failed", zap.Error(err))
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.PollInterval):
			}
			continue
		}
		d.execute(ctx, job)
	}
}

// Drain claims and executes jobs until the queue is empty, returning
// the number of jobs executed. Used by one-shot CLI runs.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	if len(d.handlers) == 0 {
		return 0, eris.New("queue: no handlers registered")
	}
	kinds := d.kinds()
	n := 0
	for {
		job, err := d.store.ClaimJob(ctx, kinds)
		if err != nil {
			return n, eris.Wrap(err, "queue: drain claim")
		}
		if job == nil {
			return n, nil
		}
		d.execute(ctx, job)
		n++
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *model.Job) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempts+1),
	)

	handler, ok := d.handlers[job.Kind]
	if !ok {
		// Claimed a kind we did not ask for; settle it so it cannot wedge
		// the queue.
		log.Error("queue: no handler for claimed job")
		settleCtx, settleCancel := context.WithTimeout(context.Background(), settleTimeout)
		defer settleCancel()
		d.settle(settleCtx, job, eris.Errorf("queue: no handler for kind %s", job.Kind), log)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	start := time.Now()
	err := handler(jobCtx, job)
	cancel()

	// Settle against a fresh context: ctx may already be cancelled when
	// a job finishes during shutdown, and a lost settle write strands
	// the job in running until the claim lease expires.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), settleTimeout)
	defer settleCancel()

	if err == nil {
		if cErr := d.store.CompleteJob(settleCtx, job.ID); cErr != nil {
			log.Error("queue: complete failed", zap.Error(cErr))
			return
		}
		log.Info("queue: job completed", zap.Duration("elapsed", time.Since(start)))
		return
	}
	d.settle(settleCtx, job, err, log)
}

// settle records a failed attempt. Transient errors within the attempt
// budget requeue with backoff; everything else fails terminally and
// leaves an error entry in the sync ledger.
func (d *Dispatcher) settle(ctx context.Context, job *model.Job, err error, log *zap.Logger) {
	attempts := job.Attempts + 1
	terminal := attempts >= job.MaxAttempts || !resilience.IsTransient(err)

	retryAt := time.Now().UTC()
	if !terminal {
		retryAt = retryAt.Add(resilience.Backoff(attempts, d.opts.Retry))
	}

	if fErr := d.store.FailJob(ctx, job.ID, err.Error(), retryAt, terminal); fErr != nil {
		log.Error("queue: fail settle failed", zap.Error(fErr))
		return
	}

	if !terminal {
		log.Warn("queue: job requeued",
			zap.Time("retry_at", retryAt),
			zap.Error(err),
		)
		return
	}

	log.Error("queue: job terminally failed", zap.Error(err))
	if lErr := d.store.AppendLedger(ctx, &model.LedgerEntry{
		UserID:  job.UserID,
		Action:  model.LedgerError,
		BatchID: job.BatchID,
		Payload: map[string]any{
			"job_id": job.ID,
			"kind":   string(job.Kind),
			"error":  err.Error(),
		},
	}); lErr != nil {
		log.Error("queue: ledger append failed", zap.Error(lErr))
	}
}
