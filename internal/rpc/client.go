package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds a call whose context has no deadline when
	// ClientOptions.Timeout is unset
	DefaultTimeout = 5 * time.Second

	// DefaultWorkers is the pool size when ClientOptions.Workers is unset
	DefaultWorkers = 4

	maxResponseBytes = 1 << 20
)

var (
	// ErrTimeout is returned when a call does not complete within its timeout
	ErrTimeout = errors.New("rpc call timed out")

	// ErrConnectivity is returned when the remote cannot be reached or answers unexpectedly
	ErrConnectivity = errors.New("rpc connectivity failure")

	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("rpc client closed")
)

// RemoteError carries a handler failure reported by the remote side
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Method, e.Message)
}

// ClientOptions configures a Client
type ClientOptions struct {
	Workers    int
	Timeout    time.Duration
	HTTPClient *http.Client
}

type call struct {
	ctx  context.Context
	url  string
	done chan result
}

type result struct {
	status int
	body   []byte
	err    error
}

// Client issues calls from a fixed pool of workers so callers never block on
// the network past their timeout
type Client struct {
	codec   *Codec
	http    *http.Client
	timeout time.Duration
	log     *log.Entry

	queue chan *call
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewClient starts the worker pool
func NewClient(codec *Codec, opts ClientOptions) *Client {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	c := &Client{
		codec:   codec,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		log:     log.WithField("component", "rpc-client"),
		queue:   make(chan *call, opts.Workers*4),
		stop:    make(chan struct{}),
	}
	c.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go c.runWorker()
	}
	return c
}

// Close stops the workers. Calls still queued fail with ErrClosed.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}

func (c *Client) runWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case job := <-c.queue:
			job.done <- c.do(job)
		}
	}
}

func (c *Client) do(job *call) result {
	req, err := http.NewRequestWithContext(job.ctx, http.MethodGet, job.url, nil)
	if err != nil {
		return result{err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return result{status: resp.StatusCode, body: body, err: err}
}

// Call invokes method on host:port and decodes the JSON response into out.
// A deadline on ctx bounds the call; without one the client timeout applies.
// A *string out receives the raw body when it is not a JSON literal. A nil out
// discards the response.
func (c *Client) Call(ctx context.Context, host string, port int, method string, args Args, out any) error {
	url, err := c.codec.URL(host, port, method, args)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logger := c.log.WithFields(log.Fields{"method": method, "host": host, "port": port})
	job := &call{ctx: ctx, url: url, done: make(chan result, 1)}

	select {
	case c.queue <- job:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return c.ctxError(ctx, logger)
	}

	var res result
	select {
	case res = <-job.done:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return c.ctxError(ctx, logger)
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return c.ctxError(ctx, logger)
		}
		logger.WithError(res.err).Warn("rpc call failed")
		return fmt.Errorf("%w: %s: %v", ErrConnectivity, method, res.err)
	}

	switch {
	case res.status == http.StatusUnprocessableEntity:
		return &RemoteError{Method: method, Message: strings.TrimSpace(string(res.body))}
	case res.status < 200 || res.status > 299:
		logger.WithField("status", res.status).Warn("rpc call rejected")
		return fmt.Errorf("%w: %s: status %d: %s", ErrConnectivity, method, res.status, strings.TrimSpace(string(res.body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		if s, ok := out.(*string); ok {
			*s = strings.TrimSpace(string(res.body))
			return nil
		}
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) ctxError(ctx context.Context, logger *log.Entry) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Warn("rpc call timed out")
		return ErrTimeout
	}
	return ctx.Err()
}
