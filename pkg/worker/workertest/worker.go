// Package workertest provides an in-memory worker for tests.
package workertest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dikkadev/qapt/pkg/worker"
)

// Timeout bounds every wait in this package
var Timeout = 5 * time.Second

// Message is a request or notification received from the backend.
// ID is zero for notifications.
type Message struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Decode unmarshals the message parameters into v
func (m Message) Decode(t testing.TB, v any) {
	t.Helper()
	if err := json.Unmarshal(m.Params, v); err != nil {
		t.Fatalf("decoding %s params: %v", m.Method, err)
	}
}

// Worker is the worker end of an in-memory transport
type Worker struct {
	out      io.WriteCloser
	writeMu  sync.Mutex
	messages chan Message
	exitOnce sync.Once
}

// New returns a fake worker and the transport the backend uses to reach it
func New() (*Worker, worker.Transport) {
	toWorker, backendOut := io.Pipe()
	backendIn, toBackend := io.Pipe()

	w := &Worker{
		out:      toBackend,
		messages: make(chan Message, 64),
	}
	go w.readLoop(toWorker)

	return w, worker.NewPipeTransport(backendIn, backendOut)
}

func (w *Worker) readLoop(r io.Reader) {
	defer close(w.messages)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		w.messages <- m
	}
}

// Expect waits for the next message and checks its method
func (w *Worker) Expect(t testing.TB, method string) Message {
	t.Helper()

	select {
	case m, ok := <-w.messages:
		if !ok {
			t.Fatalf("backend closed the worker while waiting for %s", method)
		}
		if m.Method != method {
			t.Fatalf("got %s, want %s", m.Method, method)
		}
		return m
	case <-time.After(Timeout):
		t.Fatalf("timed out waiting for %s", method)
	}
	return Message{}
}

// Accept waits for a request and replies with success
func (w *Worker) Accept(t testing.TB, method string) Message {
	t.Helper()
	m := w.Expect(t, method)
	w.Reply(t, m.ID, nil)
	return m
}

// Reply answers request id, with rpcErr when non-nil
func (w *Worker) Reply(t testing.TB, id int64, rpcErr *worker.RPCError) {
	t.Helper()
	resp := worker.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		resp.Result = json.RawMessage(`{}`)
	}
	w.write(t, resp)
}

// Signal sends a notification to the backend
func (w *Worker) Signal(t testing.TB, method string, params any) {
	t.Helper()

	n := worker.Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshaling %s params: %v", method, err)
		}
		n.Params = data
	}
	w.write(t, n)
}

// Finish sends workerFinished with result
func (w *Worker) Finish(t testing.TB, result bool) {
	t.Helper()
	w.Signal(t, worker.SignalWorkerFinished, worker.Finished{Result: result})
}

// Exit makes the worker disappear
func (w *Worker) Exit() {
	w.exitOnce.Do(func() {
		w.out.Close()
	})
}

func (w *Worker) write(t testing.TB, msg any) {
	t.Helper()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshaling worker message: %v", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		t.Fatalf("writing worker message: %v", err)
	}
}

// Dialer hands out a fresh Worker for every dial
type Dialer struct {
	// Err, when set, fails every dial
	Err error

	mu      sync.Mutex
	dials   int
	workers chan *Worker
}

// NewDialer creates a Dialer
func NewDialer() *Dialer {
	return &Dialer{workers: make(chan *Worker, 16)}
}

// Dial implements worker.Dialer
func (d *Dialer) Dial(ctx context.Context) (worker.Transport, error) {
	d.mu.Lock()
	d.dials++
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	w, transport := New()
	d.workers <- w
	return transport, nil
}

// Dials returns how many times Dial was called
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Next waits for the worker of the next dial
func (d *Dialer) Next(t testing.TB) *Worker {
	t.Helper()

	select {
	case w := <-d.workers:
		t.Cleanup(w.Exit)
		return w
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for the backend to start a worker")
	}
	return nil
}
