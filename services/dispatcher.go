package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"xmdecrypt/types"
)

const eventBufferSize = 256

// workerExitMessage is the error event text sent when the worker dies mid-batch.
const workerExitMessage = "background worker exited unexpectedly"

// Dispatcher accepts batches of decryption jobs and processes them one at a time
// on a background worker, reporting progress through subscribed callbacks.
type Dispatcher interface {
	Start(ctx context.Context) error
	Submit(jobs []types.DecryptionJob) (string, error)
	Subscribe(fn func(types.Event)) (unsubscribe func())
	Teardown() error
	Status() types.BatchStatus
}

type queuedJob struct {
	batchID string
	job     types.DecryptionJob
}

type batchTracker struct {
	id        string
	processed int
	total     int
	succeeded int
	failed    int
}

// dispatcher owns the single stage-2 transformer and the serial worker
type dispatcher struct {
	loader        TransformerLoader
	decryptorOpts []DecryptorOption
	logger        *slog.Logger

	// lifecycle serializes Start and Teardown.
	lifecycle sync.Mutex

	mu          sync.Mutex
	state       types.DispatcherState
	terminating bool
	queue       []queuedJob
	batch       batchTracker
	transformer Transformer
	cancel      context.CancelFunc
	group       *errgroup.Group
	wake        chan struct{}

	subMu       sync.RWMutex
	subscribers map[int]func(types.Event)
	nextSubID   int
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*dispatcher)

// WithDispatcherLogger sets the logger used by the dispatcher and its Decryptor.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *dispatcher) {
		d.logger = logger
	}
}

// WithDecryptorOptions passes options to the Decryptor built on Start.
func WithDecryptorOptions(opts ...DecryptorOption) DispatcherOption {
	return func(d *dispatcher) {
		d.decryptorOpts = append(d.decryptorOpts, opts...)
	}
}

// NewDispatcher creates an idle dispatcher. The transformer is loaded on Start.
func NewDispatcher(loader TransformerLoader, opts ...DispatcherOption) Dispatcher {
	d := &dispatcher{
		loader:      loader,
		logger:      slog.Default(),
		state:       types.DispatcherIdle,
		wake:        make(chan struct{}, 1),
		subscribers: make(map[int]func(types.Event)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start loads the transformer and launches the worker and event relay. ctx only
// bounds loading; the run itself lasts until Teardown. Starting a running
// dispatcher is a no-op.
func (d *dispatcher) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	running, stale := d.state == types.DispatcherRunning, d.group != nil
	d.mu.Unlock()
	if running {
		return nil
	}
	if stale {
		d.teardown()
	}

	transformer, err := d.loader(ctx)
	if err != nil {
		d.logger.Error("failed to load stage-2 transformer", slog.Any("error", err))
		d.publish(types.Event{
			Type:      types.EventError,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return goerr.Wrap(err, "failed to load stage-2 transformer")
	}

	opts := append([]DecryptorOption{WithLogger(d.logger)}, d.decryptorOpts...)
	decryptor := NewDecryptor(transformer, opts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan types.Event, eventBufferSize)
	group := new(errgroup.Group)

	d.mu.Lock()
	d.state = types.DispatcherRunning
	d.terminating = false
	d.queue = nil
	d.batch = batchTracker{}
	d.transformer = transformer
	d.cancel = cancel
	d.group = group
	d.mu.Unlock()

	group.Go(func() error { return d.worker(runCtx, decryptor, events) })
	group.Go(func() error { return d.relay(events) })

	d.logger.Info("dispatcher started")
	return nil
}

// Submit queues a batch and returns its ID without waiting for any job.
func (d *dispatcher) Submit(jobs []types.DecryptionJob) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != types.DispatcherRunning || d.terminating {
		return "", goerr.Wrap(ErrNotRunning, "cannot accept batch", goerr.V("state", d.state))
	}
	if len(jobs) == 0 {
		return "", goerr.Wrap(ErrEmptyBatch, "cannot accept batch")
	}
	if d.batch.total > 0 && d.batch.processed < d.batch.total {
		return "", goerr.Wrap(ErrBatchInProgress, "cannot accept batch",
			goerr.V("batch_id", d.batch.id),
			goerr.V("processed", d.batch.processed),
			goerr.V("total", d.batch.total))
	}

	batchID := uuid.New().String()
	d.batch = batchTracker{id: batchID, total: len(jobs)}
	for _, job := range jobs {
		d.queue = append(d.queue, queuedJob{batchID: batchID, job: job})
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}

	d.logger.Info("batch queued", slog.String("batch_id", batchID), slog.Int("total", len(jobs)))
	return batchID, nil
}

// Subscribe registers fn for every event published after the call.
func (d *dispatcher) Subscribe(fn func(types.Event)) func() {
	d.subMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subscribers, id)
			d.subMu.Unlock()
		})
	}
}

// Teardown cancels the run, drops queued jobs, waits for the background
// goroutines and releases the transformer. It is safe to call repeatedly.
func (d *dispatcher) Teardown() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.teardown()
}

func (d *dispatcher) teardown() error {
	d.mu.Lock()
	group, cancel := d.group, d.cancel
	if group == nil {
		d.mu.Unlock()
		return nil
	}
	d.terminating = true
	d.queue = nil
	d.mu.Unlock()

	cancel()
	err := group.Wait()

	d.mu.Lock()
	transformer := d.transformer
	d.transformer = nil
	d.state = types.DispatcherIdle
	d.terminating = false
	d.group = nil
	d.cancel = nil
	d.mu.Unlock()

	if closeErr := closeTransformer(transformer); closeErr != nil && err == nil {
		err = closeErr
	}
	d.logger.Info("dispatcher stopped")
	return err
}

// Status returns a snapshot of the dispatcher state and current batch.
func (d *dispatcher) Status() types.BatchStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return types.BatchStatus{
		State:     d.state,
		BatchID:   d.batch.id,
		Processed: d.batch.processed,
		Total:     d.batch.total,
		Succeeded: d.batch.succeeded,
		Failed:    d.batch.failed,
	}
}

func (d *dispatcher) worker(ctx context.Context, decryptor *Decryptor, events chan<- types.Event) error {
	defer close(events)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(workerExitMessage, slog.Any("panic", r))
			batchID := d.abandon()
			events <- types.Event{
				Type:      types.EventError,
				BatchID:   batchID,
				Error:     workerExitMessage,
				Timestamp: time.Now(),
			}
		}
	}()

	for {
		item, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-d.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		result := decryptor.DecryptFile(ctx, item.job)
		if ctx.Err() != nil {
			// Torn down mid-job: the in-flight result is abandoned.
			return nil
		}

		tracker, ok := d.record(item.batchID, result)
		if !ok {
			continue
		}
		now := time.Now()
		events <- types.Event{
			Type:      types.EventResult,
			BatchID:   tracker.id,
			Processed: tracker.processed,
			Total:     tracker.total,
			Filename:  result.Filename,
			Result:    result,
			Timestamp: now,
		}
		events <- types.Event{
			Type:      types.EventProgress,
			BatchID:   tracker.id,
			Processed: tracker.processed,
			Total:     tracker.total,
			Filename:  result.Filename,
			Timestamp: now,
		}
		if tracker.processed == tracker.total {
			events <- types.Event{
				Type:      types.EventComplete,
				BatchID:   tracker.id,
				Processed: tracker.processed,
				Total:     tracker.total,
				Timestamp: now,
			}
			d.logger.Info("batch complete",
				slog.String("batch_id", tracker.id),
				slog.Int("succeeded", tracker.succeeded),
				slog.Int("failed", tracker.failed))
		}
	}
}

func (d *dispatcher) next() (queuedJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return queuedJob{}, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	return item, true
}

func (d *dispatcher) record(batchID string, result *types.DecryptionResult) (batchTracker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batch.id != batchID {
		return batchTracker{}, false
	}
	d.batch.processed++
	if result.Success {
		d.batch.succeeded++
	} else {
		d.batch.failed++
	}
	return d.batch, true
}

// abandon handles an unexpected worker exit: the queue is dropped and the
// dispatcher goes back to Idle until the next Start.
func (d *dispatcher) abandon() string {
	d.mu.Lock()
	batchID := d.batch.id
	terminating := d.terminating
	d.state = types.DispatcherIdle
	d.queue = nil
	d.batch = batchTracker{}
	transformer := d.transformer
	if !terminating {
		d.transformer = nil
	}
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !terminating {
		if err := closeTransformer(transformer); err != nil {
			d.logger.Warn("failed to close stage-2 transformer", slog.Any("error", err))
		}
	}
	return batchID
}

func (d *dispatcher) relay(events <-chan types.Event) error {
	for ev := range events {
		d.publish(ev)
	}
	return nil
}

func (d *dispatcher) publish(ev types.Event) {
	d.subMu.RLock()
	ids := make([]int, 0, len(d.subscribers))
	for id := range d.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(types.Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, d.subscribers[id])
	}
	d.subMu.RUnlock()

	for _, fn := range subs {
		d.deliver(fn, ev)
	}
}

func (d *dispatcher) deliver(fn func(types.Event), ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event subscriber panicked", slog.String("event", string(ev.Type)), slog.Any("panic", r))
		}
	}()
	fn(ev)
}

func closeTransformer(t Transformer) error {
	if closer, ok := t.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
