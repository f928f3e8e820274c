package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dikkadev/qapt/pkg/storage"
	"github.com/dikkadev/qapt/pkg/worker"
	"github.com/dikkadev/qapt/pkg/worker/workertest"
)

func newTestStorage(t *testing.T) *storage.LibSQL {
	t.Helper()

	store, err := storage.NewLibSQL("file:" + filepath.Join(t.TempDir(), "qapt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

// startCommit runs CommitChanges until the worker accepted it
func startCommit(t *testing.T, b *Backend, dialer *workertest.Dialer) (*workertest.Worker, worker.CommitParams) {
	t.Helper()

	errc := make(chan error, 1)
	go func() { errc <- b.CommitChanges(context.Background()) }()

	w := dialer.Next(t)
	m := w.Accept(t, worker.MethodCommitChanges)
	require.NoError(t, <-errc)

	var params worker.CommitParams
	m.Decode(t, &params)
	return w, params
}

func workerEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		switch ev.(type) {
		case PackageChangedEvent:
			continue
		}
		out = append(out, ev)
	}
	return out
}

func TestCommitChanges(t *testing.T) {
	dialer := workertest.NewDialer()
	store := newTestStorage(t)
	b, eng, rec := newTestBackend(t, WithDialer(dialer.Dial), WithStorage(store))
	ctx := context.Background()

	assert.ErrorIs(t, b.CommitChanges(ctx), ErrNothingMarked)
	assert.Zero(t, dialer.Dials())

	require.NoError(t, b.MarkPackageForInstall("vim"))
	require.NoError(t, b.MarkPackageForInstall("curl"))
	require.NoError(t, b.MarkPackageForRemoval("nano"))
	rec.reset()

	w, params := startCommit(t, b, dialer)
	assert.NotEmpty(t, params.Transaction)
	assert.Equal(t, []string{"curl"}, params.Install)
	assert.Equal(t, []string{"nano"}, params.Remove)
	assert.Equal(t, []string{"vim"}, params.Upgrade)
	assert.Empty(t, params.Purge)

	assert.True(t, b.Busy())
	assert.ErrorIs(t, b.CommitChanges(ctx), ErrWorkerBusy)
	assert.ErrorIs(t, b.UpdateCache(ctx), ErrWorkerBusy)

	tx, err := store.GetTransaction(ctx, params.Transaction)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, storage.StateRunning, tx.State)
	assert.Equal(t, storage.KindCommit, tx.Kind)

	w.Signal(t, worker.SignalWorkerStarted, nil)
	w.Signal(t, worker.SignalWorkerEvent, worker.Event{Event: int(PackageDownloadStarted)})
	w.Signal(t, worker.SignalDownloadProgress, worker.DownloadProgress{Percentage: 50, Speed: 2048, ETA: 3})
	w.Signal(t, worker.SignalDownloadMessage, worker.DownloadMessage{Flag: 1, Message: "curl"})
	w.Signal(t, worker.SignalWorkerEvent, worker.Event{Event: int(PackageDownloadFinished)})
	w.Signal(t, worker.SignalWarningOccurred, worker.Warning{Code: int(SizeMismatchWarning)})
	w.Signal(t, worker.SignalQuestionOccurred, worker.Question{Question: int(ConfFilePrompt), Details: map[string]any{"OldConfFile": "/etc/vim/vimrc"}})

	require.NoError(t, b.AnswerWorkerQuestion(ctx, map[string]any{"ReplaceFile": false}))
	var answer map[string]any
	w.Expect(t, worker.MethodAnswerQuestion).Decode(t, &answer)
	assert.Equal(t, false, answer["ReplaceFile"])

	require.NoError(t, b.CancelDownload(ctx))
	w.Expect(t, worker.MethodCancelDownload)

	w.Signal(t, worker.SignalCommitProgress, worker.CommitProgress{Status: "Unpacking curl", Percentage: 80})
	w.Finish(t, true)

	require.NoError(t, b.Wait(ctx))
	assert.False(t, b.Busy())

	assert.Equal(t, []Event{
		WorkerEvent{Kind: CommitChangesStarted},
		WorkerEvent{Kind: PackageDownloadStarted},
		DownloadProgressEvent{Percentage: 50, Speed: 2048, ETA: 3},
		DownloadMessageEvent{Flag: 1, Message: "curl"},
		WorkerEvent{Kind: PackageDownloadFinished},
		WarningEvent{Code: SizeMismatchWarning},
		QuestionEvent{Question: ConfFilePrompt, Details: map[string]any{"OldConfFile": "/etc/vim/vimrc"}},
		CommitProgressEvent{Status: "Unpacking curl", Percentage: 80},
		WorkerEvent{Kind: CommitChangesFinished},
	}, workerEvents(rec.all()))

	// The cache is reloaded before the finished event
	events := rec.all()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, PackageChangedEvent{}, events[len(events)-2])
	assert.Equal(t, 2, eng.Loads())
	assert.Empty(t, b.MarkedPackages())

	tx, err = store.GetTransaction(ctx, params.Transaction)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSucceeded, tx.State)
	assert.False(t, tx.FinishedAt.IsZero())
}

func TestCommitFailure(t *testing.T) {
	dialer := workertest.NewDialer()
	store := newTestStorage(t)
	b, eng, rec := newTestBackend(t, WithDialer(dialer.Dial), WithStorage(store))
	ctx := context.Background()

	require.NoError(t, b.MarkPackageForInstall("curl"))
	w, params := startCommit(t, b, dialer)

	w.Signal(t, worker.SignalWorkerStarted, nil)
	w.Signal(t, worker.SignalErrorOccurred, worker.Error{Code: int(LockError), Details: map[string]any{"FilePath": "/var/lib/dpkg/lock"}})
	w.Finish(t, false)

	err := b.Wait(ctx)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr), "got %v", err)
	assert.Equal(t, LockError, opErr.Code)
	assert.Equal(t, storage.KindCommit, opErr.Kind)
	assert.Equal(t, "/var/lib/dpkg/lock", opErr.Details["FilePath"])

	assert.Equal(t, 1, eng.Loads(), "no reload after failure")
	assert.Equal(t, []string{"curl:amd64"}, names(b.MarkedPackages()), "marks kept after failure")
	assert.Contains(t, rec.all(), Event(WorkerEvent{Kind: CommitChangesFinished}))

	tx, err := store.GetTransaction(ctx, params.Transaction)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, tx.State)
	assert.Equal(t, "commit failed: lock error", tx.Error)

	// The backend is idle again
	w2, _ := startCommit(t, b, dialer)
	w2.Finish(t, true)
	require.NoError(t, b.Wait(ctx))
}

func TestWorkerDisappears(t *testing.T) {
	dialer := workertest.NewDialer()
	b, _, rec := newTestBackend(t, WithDialer(dialer.Dial))
	ctx := context.Background()

	require.NoError(t, b.MarkPackageForInstall("curl"))
	w, _ := startCommit(t, b, dialer)

	w.Signal(t, worker.SignalWorkerStarted, nil)
	w.Exit()

	err := b.Wait(ctx)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr), "got %v", err)
	assert.Equal(t, WorkerDisappeared, opErr.Code)
	assert.False(t, b.Busy())

	assert.Equal(t, []Event{
		WorkerEvent{Kind: CommitChangesStarted},
		ErrorEvent{Code: WorkerDisappeared},
	}, workerEvents(rec.all()))

	assert.ErrorIs(t, b.AnswerWorkerQuestion(ctx, map[string]any{}), ErrNoOperation)
	assert.NoError(t, b.CancelDownload(ctx))
}

func TestWorkerRejectsRequest(t *testing.T) {
	dialer := workertest.NewDialer()
	store := newTestStorage(t)
	b, _, rec := newTestBackend(t, WithDialer(dialer.Dial), WithStorage(store))
	ctx := context.Background()

	require.NoError(t, b.MarkPackageForInstall("curl"))

	errc := make(chan error, 1)
	go func() { errc <- b.CommitChanges(ctx) }()

	w := dialer.Next(t)
	m := w.Expect(t, worker.MethodCommitChanges)
	w.Reply(t, m.ID, &worker.RPCError{Code: -32000, Message: "not authorized"})

	err := <-errc
	var rpcErr *worker.RPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.False(t, b.Busy())
	assert.Equal(t, err, b.Wait(ctx))
	assert.Empty(t, workerEvents(rec.all()))

	history, err := store.ListTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.StateFailed, history[0].State)
}

func TestUpdateCache(t *testing.T) {
	dialer := workertest.NewDialer()
	b, eng, rec := newTestBackend(t, WithDialer(dialer.Dial))
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- b.UpdateCache(ctx) }()

	w := dialer.Next(t)
	var params worker.UpdateParams
	w.Accept(t, worker.MethodUpdateCache).Decode(t, &params)
	require.NoError(t, <-errc)
	assert.NotEmpty(t, params.Transaction)

	w.Signal(t, worker.SignalWorkerStarted, nil)
	w.Signal(t, worker.SignalDownloadProgress, worker.DownloadProgress{Percentage: 100})
	w.Finish(t, true)
	require.NoError(t, b.Wait(ctx))

	assert.Equal(t, []Event{
		WorkerEvent{Kind: CacheUpdateStarted},
		DownloadProgressEvent{Percentage: 100},
		WorkerEvent{Kind: CacheUpdateFinished},
	}, workerEvents(rec.all()))
	assert.Equal(t, 2, eng.Loads())
}

func TestWorkerUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("no dialer", func(t *testing.T) {
		b, _, _ := newTestBackend(t)
		require.NoError(t, b.MarkPackageForInstall("curl"))
		assert.ErrorIs(t, b.CommitChanges(ctx), ErrNoWorker)
	})

	t.Run("dial error", func(t *testing.T) {
		dialer := workertest.NewDialer()
		dialer.Err = assert.AnError
		b, _, _ := newTestBackend(t, WithDialer(dialer.Dial))

		require.NoError(t, b.MarkPackageForInstall("curl"))
		assert.ErrorIs(t, b.CommitChanges(ctx), assert.AnError)
		assert.False(t, b.Busy())
		assert.Equal(t, 1, dialer.Dials())
	})
}

// lingeringTransport blocks Close until the worker process has exited
type lingeringTransport struct {
	worker.Transport
	exited chan struct{}
}

func (t *lingeringTransport) Close() error {
	<-t.exited
	return t.Transport.Close()
}

func TestFinishDrainsLateSignals(t *testing.T) {
	w, tr := workertest.New()
	lt := &lingeringTransport{Transport: tr, exited: make(chan struct{})}
	b, _, _ := newTestBackend(t, WithDialer(func(context.Context) (worker.Transport, error) {
		return lt, nil
	}))

	require.NoError(t, b.MarkPackageForInstall("curl"))
	errc := make(chan error, 1)
	go func() { errc <- b.CommitChanges(context.Background()) }()
	w.Accept(t, worker.MethodCommitChanges)
	require.NoError(t, <-errc)

	w.Finish(t, true)

	// More output than the transport and client buffers hold
	go func() {
		for i := 0; i < 500; i++ {
			w.Signal(t, worker.SignalCommitProgress, worker.CommitProgress{Status: "trailing", Percentage: 100})
		}
		close(lt.exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), workertest.Timeout)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.False(t, b.Busy())
}
