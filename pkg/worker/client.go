package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dikkadev/qapt/pkg/logging"
)

// Client drives one worker operation
type Client struct {
	transport Transport
	signals   chan Signal
	log       *zap.Logger
}

// NewClient wraps t and starts decoding the worker's notifications
func NewClient(t Transport, logger *zap.Logger) *Client {
	c := &Client{
		transport: t,
		signals:   make(chan Signal, 64),
		log:       logging.OrNop(logger).Named("worker"),
	}
	go c.pump()
	return c
}

// Signals returns the decoded worker notifications. The channel is closed
// when the worker goes away, whether or not it sent Finished.
func (c *Client) Signals() <-chan Signal {
	return c.signals
}

// Commit asks the worker to apply a change set
func (c *Client) Commit(ctx context.Context, params CommitParams) error {
	return c.call(ctx, MethodCommitChanges, params)
}

// UpdateCache asks the worker to refresh the package lists
func (c *Client) UpdateCache(ctx context.Context, params UpdateParams) error {
	return c.call(ctx, MethodUpdateCache, params)
}

// CancelDownload asks the worker to abort a running download
func (c *Client) CancelDownload(ctx context.Context) error {
	return c.transport.Notify(ctx, &Notification{Method: MethodCancelDownload})
}

// Answer replies to the last Question the worker asked
func (c *Client) Answer(ctx context.Context, response map[string]any) error {
	params, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshaling answer: %w", err)
	}
	return c.transport.Notify(ctx, &Notification{Method: MethodAnswerQuestion, Params: params})
}

// Close shuts the worker channel down
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling %s params: %w", method, err)
	}

	resp, err := c.transport.Send(ctx, &Request{Method: method, Params: data})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}

	c.log.Debug("worker accepted request", zap.String("method", method))
	return nil
}

func (c *Client) pump() {
	defer close(c.signals)

	for raw := range c.transport.Receive() {
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			c.log.Warn("dropping malformed worker message", zap.Error(err))
			continue
		}

		sig, err := decodeSignal(&n)
		if err != nil {
			c.log.Warn("dropping worker signal",
				zap.String("method", n.Method),
				zap.Error(err))
			continue
		}
		c.signals <- sig
	}
}
