package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
)

const maxScannerBuffer = 10 * 1024 * 1024 // 10MB

// Transport abstracts the channel to the worker process
type Transport interface {
	// Send sends a request and waits for the response
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify sends a notification (no response expected)
	Notify(ctx context.Context, n *Notification) error
	// Receive returns the worker's notifications. The channel is closed
	// when the worker goes away.
	Receive() <-chan json.RawMessage
	// Close shuts down the transport
	Close() error
}

// Dialer opens a transport to a fresh worker
type Dialer func(ctx context.Context) (Transport, error)

// PipeTransport exchanges messages over a reader/writer pair
type PipeTransport struct {
	w       io.WriteCloser
	writeMu sync.Mutex
	scanner *bufio.Scanner

	incoming  chan json.RawMessage
	pending   map[int64]chan *Response
	mu        sync.Mutex
	nextID    atomic.Int64
	done      chan struct{} // closed by Close
	eof       chan struct{} // closed when the read side ends
	closeOnce sync.Once
}

// NewPipeTransport creates a transport reading worker messages from r and
// writing backend messages to w
func NewPipeTransport(r io.Reader, w io.WriteCloser) *PipeTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	t := &PipeTransport{
		w:        w,
		scanner:  scanner,
		incoming: make(chan json.RawMessage, 64),
		pending:  make(map[int64]chan *Response),
		done:     make(chan struct{}),
		eof:      make(chan struct{}),
	}

	go t.recvLoop()
	return t
}

// Send implements Transport
func (t *PipeTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	req.JSONRPC = jsonRPCVersion
	if req.ID == 0 {
		req.ID = t.nextID.Add(1)
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-t.eof:
		return nil, ErrTransportClosed
	}
}

// Notify implements Transport
func (t *PipeTransport) Notify(_ context.Context, n *Notification) error {
	n.JSONRPC = jsonRPCVersion
	if err := t.write(n); err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}
	return nil
}

// Receive implements Transport
func (t *PipeTransport) Receive() <-chan json.RawMessage {
	return t.incoming
}

// Close implements Transport
func (t *PipeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.w.Close()
	})
	return err
}

func (t *PipeTransport) write(msg any) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.w.Write(data)
	return err
}

// recvLoop reads messages from the worker and dispatches them
func (t *PipeTransport) recvLoop() {
	defer close(t.incoming)
	defer close(t.eof)

	for t.scanner.Scan() {
		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Responses carry an id, notifications don't
		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != 0 {
			t.mu.Lock()
			ch, ok := t.pending[resp.ID]
			t.mu.Unlock()
			if ok {
				ch <- &resp
			}
			continue
		}

		msg := json.RawMessage(append([]byte(nil), line...))
		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

// StdioTransport talks to a worker spawned as a child process
type StdioTransport struct {
	*PipeTransport
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

// NewStdioTransport spawns argv and connects to its stdin/stdout. The
// worker outlives ctx; it exits when the transport is closed.
func NewStdioTransport(ctx context.Context, argv []string, env []string) (*StdioTransport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", argv[0], err)
	}

	return &StdioTransport{
		PipeTransport: NewPipeTransport(stdout, stdin),
		cmd:           cmd,
	}, nil
}

// Close closes the worker's stdin and waits for it to exit
func (t *StdioTransport) Close() error {
	closeErr := t.PipeTransport.Close()
	t.waitOnce.Do(func() {
		t.waitErr = t.cmd.Wait()
	})
	if closeErr != nil {
		return closeErr
	}
	return t.waitErr
}

// CommandDialer returns a Dialer spawning argv for every operation
func CommandDialer(argv []string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return NewStdioTransport(ctx, argv, nil)
	}
}
