package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/metrics"
	"tradeFlowBot/internal/ports"
)

// ErrQueueFull is returned by Submit when the dispatch queue is at capacity.
// The caller should reject the signal; the source may redeliver it.
var ErrQueueFull = errors.New("dispatch queue is full")

// Handler processes one trade signal and reports its outcome.
type Handler interface {
	Handle(ctx context.Context, sig *domain.TradeSignal) *domain.LifecycleRecord
}

// Config holds dispatcher settings.
type Config struct {
	Workers   int // concurrent signal workers
	QueueSize int // bounded queue capacity
}

// Dispatcher delivers queued signals to the handler from a fixed pool of
// workers. Delivery is at-least-once from the engine's point of view: the
// handler's exit path must stay idempotent because a source may redeliver.
// Cross-symbol parallelism comes from the pool; per-symbol serialization is
// the handler's own lock.
//
// Every accepted signal ends in a lifecycle record: signals still queued when
// the dispatcher stops are recorded as ERROR instead of silently dropped.
type Dispatcher struct {
	cfg      Config
	logger   ports.Logger
	handler  Handler
	recorder ports.TransactionRecorder
	queue    chan *domain.TradeSignal
	wg       sync.WaitGroup
}

// New creates a dispatcher. Start must be called before Submit.
func New(cfg Config, logger ports.Logger, handler Handler, recorder ports.TransactionRecorder) (*Dispatcher, error) {
	if logger == nil || handler == nil || recorder == nil {
		return nil, fmt.Errorf("missing required dependencies for Dispatcher")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("configuration Workers must be positive")
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("configuration QueueSize must be positive")
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		handler:  handler,
		recorder: recorder,
		queue:    make(chan *domain.TradeSignal, cfg.QueueSize),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled, after
// draining still-queued signals into ERROR records.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info(ctx, "Starting dispatch workers", map[string]interface{}{"workers": d.cfg.Workers, "queueSize": d.cfg.QueueSize})
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		// Checked before the select so a worker returning from a long Handle
		// call deterministically moves to draining once ctx is cancelled.
		if ctx.Err() != nil {
			d.logger.Info(ctx, "Dispatch worker stopping", map[string]interface{}{"worker": id})
			d.drain()
			return
		}
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "Dispatch worker stopping", map[string]interface{}{"worker": id})
			d.drain()
			return
		case sig := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			rec := d.handler.Handle(ctx, sig)
			metrics.Signals.WithLabelValues(string(rec.Action), string(rec.Outcome)).Inc()
			d.logger.Info(ctx, "Signal handled", map[string]interface{}{
				"worker":  id,
				"symbol":  rec.Symbol,
				"action":  rec.Action,
				"outcome": rec.Outcome,
				"detail":  rec.Detail,
			})
		}
	}
}

// drain empties the queue after shutdown began. The webhook already
// acknowledged these signals with 202, so each one gets an ERROR record
// instead of vanishing. Safe to run from several workers at once: the channel
// hands every signal to exactly one of them.
func (d *Dispatcher) drain() {
	for {
		select {
		case sig := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			rec := &domain.LifecycleRecord{
				Timestamp:  time.Now().UTC(),
				Symbol:     sig.Symbol,
				Action:     sig.Action,
				StrategyID: sig.StrategyID,
				Outcome:    domain.OutcomeError,
				Detail:     "dispatcher stopped before the signal was executed",
			}
			recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.recorder.Record(recordCtx, rec); err != nil {
				d.logger.Error(recordCtx, err, "Failed to record undelivered signal", map[string]interface{}{"symbol": sig.Symbol, "action": sig.Action})
			}
			cancel()
			metrics.Signals.WithLabelValues(string(rec.Action), string(rec.Outcome)).Inc()
		default:
			return
		}
	}
}

// Submit enqueues a signal for processing without blocking. Returns
// ErrQueueFull when the queue is at capacity.
func (d *Dispatcher) Submit(sig *domain.TradeSignal) error {
	select {
	case d.queue <- sig:
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
