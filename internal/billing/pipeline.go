package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/conduitllm/conduit/internal/metrics"
)

// Charge is one request's cost, pending debit against its group.
type Charge struct {
	RequestID        string
	GroupID          string
	Alias            string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             decimal.Decimal
	// Estimated marks usage reconstructed from emitted text rather
	// than reported by the provider.
	Estimated bool
	CreatedAt time.Time

	attempts int
}

// Store persists a batch of charges: one debit per group, one audit row
// per request ID. Re-submitting a batch must not double-debit.
type Store interface {
	Debit(ctx context.Context, charges []Charge) error
}

// Options tunes the pipeline. Zero values take the defaults.
type Options struct {
	FlushInterval   time.Duration   // default 5s
	MaxBatchSize    int             // flush early past this many charges, default 100
	MaxBatchValue   decimal.Decimal // flush early past this pending value, default 1 USD
	MaxDebitRetries int             // default 5
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 100
	}
	if o.MaxBatchValue.IsZero() {
		o.MaxBatchValue = decimal.NewFromInt(1)
	}
	if o.MaxDebitRetries <= 0 {
		o.MaxDebitRetries = 5
	}
	return o
}

// Pipeline is the pending-charge accumulator plus its background
// flusher. Record never blocks the request path.
type Pipeline struct {
	store Store
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	pending []Charge
	failed  []Charge

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPipeline creates a pipeline; call Start to launch the flusher.
func NewPipeline(store Store, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store: store,
		opts:  opts.withDefaults(),
		log:   log,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Start launches the background flusher.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.flushOnce(context.Background(), "interval")
			case <-p.kick:
				p.flushOnce(context.Background(), "threshold")
			case <-p.done:
				return
			}
		}
	}()
}

// Stop flushes what is pending and stops the flusher.
func (p *Pipeline) Stop(ctx context.Context) error {
	close(p.done)
	p.wg.Wait()
	return p.Flush(ctx, "shutdown", "Normal")
}

// Record appends a charge. When the batch crosses a threshold the
// flusher is nudged; the caller never waits on the debit.
func (p *Pipeline) Record(charge Charge) {
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = time.Now().UTC()
	}
	p.mu.Lock()
	p.pending = append(p.pending, charge)
	over := len(p.pending) >= p.opts.MaxBatchSize
	if !over {
		total := decimal.Zero
		for _, c := range p.pending {
			total = total.Add(c.Cost)
		}
		over = total.GreaterThanOrEqual(p.opts.MaxBatchValue)
	}
	p.mu.Unlock()

	if over {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// Flush debits everything pending and returns only after the store has
// persisted the batch (or the retry budget is spent).
func (p *Pipeline) Flush(ctx context.Context, reason, priority string) error {
	p.log.Info("explicit billing flush", "reason", reason, "priority", priority)
	// The caller's free-text reason goes to the log only; the metric
	// label stays low-cardinality.
	return p.flushOnce(ctx, "manual")
}

func (p *Pipeline) flushOnce(ctx context.Context, reason string) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := p.store.Debit(ctx, batch)
	if err == nil {
		metrics.BillingFlushes.WithLabelValues(reason, "success").Inc()
		p.log.Debug("flushed pending charges", "count", len(batch), "reason", reason)
		return nil
	}
	metrics.BillingFlushes.WithLabelValues(reason, "error").Inc()

	// Failed entries requeue until the retry budget is spent, then land
	// in the error queue for inspection.
	var requeue, exhausted []Charge
	for _, c := range batch {
		c.attempts++
		if c.attempts >= p.opts.MaxDebitRetries {
			exhausted = append(exhausted, c)
		} else {
			requeue = append(requeue, c)
		}
	}
	p.mu.Lock()
	p.pending = append(requeue, p.pending...)
	p.failed = append(p.failed, exhausted...)
	p.mu.Unlock()

	p.log.Error("billing debit failed",
		"error", err, "requeued", len(requeue), "abandoned", len(exhausted), "reason", reason)
	return err
}

// Pending reports the size and value of the accumulator, for metrics.
func (p *Pipeline) Pending() (int, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := decimal.Zero
	for _, c := range p.pending {
		total = total.Add(c.Cost)
	}
	return len(p.pending), total
}

// FailedCharges returns a copy of the error queue.
func (p *Pipeline) FailedCharges() []Charge {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Charge, len(p.failed))
	copy(out, p.failed)
	return out
}
