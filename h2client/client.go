// Package h2client is the public surface of this module: a minimal
// HTTP/2 client built directly on conn.Conn and stream.Stream, offering
// a single blocking Do call per request.
package h2client

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/jakegut/h2stream/conn"
	"github.com/jakegut/h2stream/hpack"
	"github.com/jakegut/h2stream/stream"
)

// Option configures a Client at construction time.
type Option func(*Options)

// Options holds the functional-option-configurable fields of a Client.
type Options struct {
	TLSConfig   *tls.Config
	DialTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		TLSConfig:   &tls.Config{},
		DialTimeout: 10 * time.Second,
	}
}

// WithTLSConfig overrides the TLS configuration used to dial.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = cfg }
}

// WithDialTimeout bounds how long Dial waits for the TCP+TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// Request is one client-initiated exchange: a pseudo-header-free set of
// request headers (Client adds :method/:path) plus an optional body.
type Request struct {
	Method  string
	Path    string
	Headers []hpack.Header
	Body    []byte
}

// Client owns one underlying connection and dispatches requests onto
// fresh streams of it.
type Client struct {
	addr string
	opts Options

	c *conn.Conn

	mu       sync.Mutex
	pending  map[uint32]chan stream.Message
	pushes   []stream.Response
	pushesMu sync.Mutex
}

// Dial opens the underlying connection eagerly. A Client is not usable
// until Dial succeeds.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.DialTimeout)
	defer cancel()

	cl := &Client{
		addr:    addr,
		opts:    o,
		pending: map[uint32]chan stream.Message{},
	}

	c, err := conn.Dial(dialCtx, addr, o.TLSConfig, cl.onMessage)
	if err != nil {
		return nil, fmt.Errorf("h2client: dial %s: %w", addr, err)
	}
	cl.c = c
	return cl, nil
}

func (cl *Client) onMessage(streamID uint32, msg stream.Message) {
	if msg.Kind == stream.MessagePushPromise {
		cl.pushesMu.Lock()
		cl.pushes = append(cl.pushes, msg.Response)
		cl.pushesMu.Unlock()
		return
	}

	cl.mu.Lock()
	ch, ok := cl.pending[streamID]
	if ok {
		delete(cl.pending, streamID)
	}
	cl.mu.Unlock()

	if ok {
		ch <- msg
	}
}

// Do opens a new stream, sends req, and blocks until the stream reaches
// closed with a published Finished message or ctx is done.
func (cl *Client) Do(ctx context.Context, req *Request) (*stream.Response, error) {
	headers := make([]hpack.Header, 0, len(req.Headers)+2)
	headers = append(headers,
		hpack.NewHeader(":method", req.Method),
		hpack.NewHeader(":path", req.Path),
	)
	headers = append(headers, req.Headers...)

	s := cl.c.NewStream(cl.addr)

	done := make(chan stream.Message, 1)
	cl.mu.Lock()
	cl.pending[s.ID()] = done
	cl.mu.Unlock()

	if err := s.SendHeaders(headers, req.Body); err != nil {
		return nil, fmt.Errorf("h2client: send request: %w", err)
	}

	select {
	case msg := <-done:
		resp := msg.Response
		return &resp, nil
	case <-ctx.Done():
		s.Reset()
		cl.mu.Lock()
		delete(cl.pending, s.ID())
		cl.mu.Unlock()
		return nil, fmt.Errorf("h2client: %w", ctx.Err())
	}
}

// Get is a convenience wrapper for a bodyless GET request.
func (cl *Client) Get(ctx context.Context, path string, headers ...hpack.Header) (*stream.Response, error) {
	return cl.Do(ctx, &Request{Method: "GET", Path: path, Headers: headers})
}

// Post is a convenience wrapper for a request carrying a body.
func (cl *Client) Post(ctx context.Context, path string, body []byte, headers ...hpack.Header) (*stream.Response, error) {
	return cl.Do(ctx, &Request{Method: "POST", Path: path, Headers: headers, Body: body})
}

// PushPromises drains and returns any push-promise previews received so
// far. Push bodies are not assembled separately by this client; the
// preview's headers are what a peer advertised it intends to push.
func (cl *Client) PushPromises() []stream.Response {
	cl.pushesMu.Lock()
	defer cl.pushesMu.Unlock()
	out := cl.pushes
	cl.pushes = nil
	return out
}

// Close tears down the underlying connection.
func (cl *Client) Close() error {
	return cl.c.Close()
}
