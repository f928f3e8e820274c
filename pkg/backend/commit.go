package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/engine"
	"github.com/dikkadev/qapt/pkg/storage"
	"github.com/dikkadev/qapt/pkg/worker"
)

// OperationError is the outcome of a worker operation that did not succeed
type OperationError struct {
	Kind    storage.Kind
	Code    ErrorCode // last error the worker reported
	Details map[string]any
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Kind, e.Code)
}

// operation is one request handed to a worker
type operation struct {
	id     string
	kind   storage.Kind
	client *worker.Client
	sent   chan error // result of the initial request
	done   chan struct{}
	err    error // set before done is closed

	lastError *ErrorEvent // guarded by the run goroutine
}

// CommitChanges hands the marked packages to the worker. It returns once
// the worker accepted the request; progress is reported as events and the
// outcome can be awaited with Wait.
func (b *Backend) CommitChanges(ctx context.Context) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	changes := b.Changes()
	if changes.Empty() {
		return ErrNothingMarked
	}

	return b.start(ctx, storage.KindCommit, changes, func(c *worker.Client, id string) error {
		return c.Commit(ctx, worker.CommitParams{
			Transaction: id,
			Install:     changes.Install,
			Remove:      changes.Remove,
			Upgrade:     changes.Upgrade,
			Purge:       changes.Purge,
		})
	})
}

// UpdateCache asks the worker to refresh the package lists
func (b *Backend) UpdateCache(ctx context.Context) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	return b.start(ctx, storage.KindUpdate, &engine.Changes{}, func(c *worker.Client, id string) error {
		return c.UpdateCache(ctx, worker.UpdateParams{Transaction: id})
	})
}

// CancelDownload asks the running worker to stop downloading. It does
// nothing when no worker runs.
func (b *Backend) CancelDownload(ctx context.Context) error {
	op := b.current()
	if op == nil {
		return nil
	}
	return op.client.CancelDownload(ctx)
}

// AnswerWorkerQuestion replies to the last QuestionEvent
func (b *Backend) AnswerWorkerQuestion(ctx context.Context, response map[string]any) error {
	op := b.current()
	if op == nil {
		return ErrNoOperation
	}
	return op.client.Answer(ctx, response)
}

// Busy reports whether a worker operation is running
func (b *Backend) Busy() bool {
	return b.current() != nil
}

// Wait blocks until the running worker operation ends and returns its
// outcome. Without a running operation it returns the outcome of the last
// one.
func (b *Backend) Wait(ctx context.Context) error {
	b.mu.RLock()
	op, last := b.op, b.lastErr
	b.mu.RUnlock()

	if op == nil {
		return last
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-op.done:
		return op.err
	}
}

func (b *Backend) current() *operation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.op == nil || b.op.client == nil {
		return nil
	}
	return b.op
}

func (b *Backend) start(ctx context.Context, kind storage.Kind, changes *engine.Changes, request func(*worker.Client, string) error) error {
	if b.dial == nil {
		return ErrNoWorker
	}

	op := &operation{
		id:   uuid.NewString(),
		kind: kind,
		sent: make(chan error, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.op != nil {
		b.mu.Unlock()
		return ErrWorkerBusy
	}
	b.op = op
	b.mu.Unlock()

	transport, err := b.dial(ctx)
	if err != nil {
		b.mu.Lock()
		b.op = nil
		b.mu.Unlock()
		return fmt.Errorf("failed to start worker: %w", err)
	}

	client := worker.NewClient(transport, b.log)
	b.mu.Lock()
	op.client = client
	b.mu.Unlock()

	log := b.log.With(zap.String("transaction", op.id), zap.String("kind", string(kind)))
	b.record(ctx, op, changes)
	go b.run(op, log)

	err = request(client, op.id)
	op.sent <- err
	if err != nil {
		<-op.done
		return err
	}

	log.Info("worker accepted request", zap.Int("changes", changes.Len()))
	return nil
}

func (b *Backend) record(ctx context.Context, op *operation, changes *engine.Changes) {
	if b.store == nil {
		return
	}
	tx := &storage.Transaction{
		ID:        op.id,
		Kind:      op.kind,
		Install:   changes.Install,
		Remove:    changes.Remove,
		Upgrade:   changes.Upgrade,
		Purge:     changes.Purge,
		StartedAt: time.Now(),
	}
	if err := b.store.AddTransaction(ctx, tx); err != nil {
		b.log.Warn("failed to record transaction", zap.String("transaction", op.id), zap.Error(err))
	}
}

// run relays the worker's signals until it finishes or goes away
func (b *Backend) run(op *operation, log *zap.Logger) {
	sent := op.sent
	signals := op.client.Signals()

	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				log.Warn("worker rejected request", zap.Error(err))
				b.finish(op, log, outcome{err: err})
				return
			}

		case sig, ok := <-signals:
			if !ok {
				if sent != nil {
					if err := <-sent; err != nil {
						b.finish(op, log, outcome{err: err})
						return
					}
				}
				log.Warn("worker disappeared")
				ev := ErrorEvent{Code: WorkerDisappeared}
				op.lastError = &ev
				b.emit(ev)
				b.finish(op, log, outcome{})
				return
			}

			if finished, ok := sig.(worker.Finished); ok {
				b.finish(op, log, outcome{finished: true, result: finished.Result})
				return
			}
			b.relay(op, sig)
		}
	}
}

func (b *Backend) relay(op *operation, sig worker.Signal) {
	switch s := sig.(type) {
	case worker.Started:
		if op.kind == storage.KindUpdate {
			b.emit(WorkerEvent{Kind: CacheUpdateStarted})
		} else {
			b.emit(WorkerEvent{Kind: CommitChangesStarted})
		}
	case worker.Event:
		b.emit(WorkerEvent{Kind: WorkerEventKind(s.Event)})
	case worker.DownloadProgress:
		b.emit(DownloadProgressEvent{Percentage: s.Percentage, Speed: s.Speed, ETA: s.ETA})
	case worker.DownloadMessage:
		b.emit(DownloadMessageEvent{Flag: s.Flag, Message: s.Message})
	case worker.CommitProgress:
		b.emit(CommitProgressEvent{Status: s.Status, Percentage: s.Percentage})
	case worker.Error:
		ev := ErrorEvent{Code: ErrorCode(s.Code), Details: s.Details}
		op.lastError = &ev
		b.emit(ev)
	case worker.Warning:
		b.emit(WarningEvent{Code: WarningCode(s.Code), Details: s.Details})
	case worker.Question:
		b.emit(QuestionEvent{Question: WorkerQuestion(s.Question), Details: s.Details})
	}
}

// outcome is how a worker operation ended
type outcome struct {
	finished bool  // workerFinished was received
	result   bool  // reported by workerFinished
	err      error // the request itself failed
}

// finish closes the worker, reloads the cache after a successful
// operation, records the outcome and makes the backend idle again
func (b *Backend) finish(op *operation, log *zap.Logger, out outcome) {
	// Keep reading while Close waits for the worker to exit
	go func() {
		for range op.client.Signals() {
		}
	}()
	if err := op.client.Close(); err != nil {
		log.Debug("closing worker", zap.Error(err))
	}

	ctx := context.Background()
	if out.result {
		if err := b.ReloadCache(ctx); err != nil {
			log.Error("failed to reload cache after worker operation", zap.Error(err))
			b.emit(ErrorEvent{Code: InitError, Details: map[string]any{"ErrorText": err.Error()}})
		}
	}

	switch {
	case out.err != nil:
		op.err = out.err
	case !out.result:
		opErr := &OperationError{Kind: op.kind}
		if op.lastError != nil {
			opErr.Code = op.lastError.Code
			opErr.Details = op.lastError.Details
		}
		op.err = opErr
	}

	if b.store != nil {
		state, msg := storage.StateSucceeded, ""
		if op.err != nil {
			state, msg = storage.StateFailed, op.err.Error()
		}
		if err := b.store.FinishTransaction(ctx, op.id, state, msg); err != nil {
			log.Warn("failed to record transaction outcome", zap.Error(err))
		}
	}

	b.mu.Lock()
	b.op = nil
	b.lastErr = op.err
	b.mu.Unlock()

	log.Info("worker finished", zap.Bool("result", out.result), zap.Error(op.err))
	if out.finished {
		if op.kind == storage.KindUpdate {
			b.emit(WorkerEvent{Kind: CacheUpdateFinished})
		} else {
			b.emit(WorkerEvent{Kind: CommitChangesFinished})
		}
	}
	close(op.done)
}
