// Package conn is the connection-level collaborator a Stream treats as
// external to its own state machine: it dials a TLS socket, negotiates
// HTTP/2 via ALPN, owns the HPACK encoder and decoder and the peer's
// SETTINGS snapshot, runs the single inbound frame-routing loop (the
// only place HPACK.Decode is ever called), serializes outbound writes
// (the only place HPACK.Encode is ever called), allocates stream ids,
// and is the completion sink streams publish into.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jakegut/h2stream/frame"
	"github.com/jakegut/h2stream/h2settings"
	"github.com/jakegut/h2stream/hpack"
	"github.com/jakegut/h2stream/stream"
)

// clientPreface is the fixed 24-octet connection preface RFC 7540 §3.5
// requires every client to send before its first SETTINGS frame.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Listener is how a stream's completion sink reaches the connection's
// owner: it is called with the stream id for every Finished or
// PushPromise message a stream publishes.
type Listener func(streamID uint32, msg stream.Message)

// Conn is one client-side HTTP/2 connection.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader

	scheme string

	settings *h2settings.Settings

	decoder *hpack.Decoder // inbound loop only
	encoder *hpack.Encoder // outbound path only
	encMu   sync.Mutex

	nextStreamID uint32
	streamsMu    sync.Mutex
	streams      map[uint32]*stream.Stream

	onMessage Listener

	writeMu sync.Mutex

	log *logrus.Entry

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Dial opens a TLS connection to addr, negotiates "h2" via ALPN, writes
// the client preface and an initial (empty) SETTINGS frame, and starts
// the inbound read loop. onMessage is called for every stream's
// Finished/PushPromise message; it must not block.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, onMessage Listener) (*Conn, error) {
	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.NextProtos = []string{"h2"}

	dialer := &tls.Dialer{Config: cfg}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}

	tlsConn, ok := netConn.(*tls.Conn)
	if ok && tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		netConn.Close()
		return nil, fmt.Errorf("conn: %s did not negotiate h2 (got %q)", addr, tlsConn.ConnectionState().NegotiatedProtocol)
	}

	c := &Conn{
		netConn:      netConn,
		reader:       bufio.NewReader(netConn),
		scheme:       "https",
		settings:     h2settings.Default(),
		decoder:      hpack.NewDecoder(),
		encoder:      hpack.NewEncoder(),
		nextStreamID: 1,
		streams:      map[uint32]*stream.Stream{},
		onMessage:    onMessage,
		log:          logrus.WithField("remote_addr", addr),
	}

	if err := c.handshake(); err != nil {
		netConn.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g
	c.cancel = cancel
	g.Go(func() error { return c.readLoop(gctx) })

	return c, nil
}

func (c *Conn) handshake() error {
	if _, err := c.netConn.Write([]byte(clientPreface)); err != nil {
		return fmt.Errorf("conn: write preface: %w", err)
	}

	initSettings := frame.NewSettingsFrame(false, nil)
	bs, err := initSettings.Encode()
	if err != nil {
		return fmt.Errorf("conn: encode initial settings: %w", err)
	}
	if _, err := c.netConn.Write(bs); err != nil {
		return fmt.Errorf("conn: write initial settings: %w", err)
	}
	return nil
}

// NewStream allocates the next odd client-initiated stream id and
// constructs a Stream bound to this connection's context.
func (c *Conn) NewStream(authority string) *stream.Stream {
	c.streamsMu.Lock()
	id := c.nextStreamID
	c.nextStreamID += 2
	s := stream.New(c, id, c.scheme, authority)
	c.streams[id] = s
	c.streamsMu.Unlock()

	s.Start()
	return s
}

func (c *Conn) lookupStream(id uint32) (*stream.Stream, bool) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

func (c *Conn) forgetStream(id uint32) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

// readLoop is the single goroutine that parses inbound frames, HPACK
// decodes header blocks (the only place Decode is called, keeping the
// shared dynamic table's access serialized), and dispatches to the
// addressed stream. Connection-level frames (SETTINGS, PING, GOAWAY,
// WINDOW_UPDATE on stream 0) are handled inline here too.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		maxSize := c.settings.Local().MaxFrameSize
		f, err := frame.Parse(c.reader, maxSize)
		if err != nil {
			if errors.Is(err, frame.ErrUnknownFrame) {
				continue
			}
			return fmt.Errorf("conn: parse frame: %w", err)
		}

		if err := c.dispatch(f); err != nil {
			c.log.WithError(err).Warn("dispatching frame")
		}
	}
}

func (c *Conn) dispatch(f frame.Frame) error {
	switch fr := f.(type) {
	case *frame.HeadersFrame:
		headers, err := c.decoder.Decode(fr.BlockFragment)
		if err != nil {
			if s, ok := c.lookupStream(fr.Header().StreamID); ok {
				s.Abort(err)
				c.forgetStream(s.ID())
			}
			return fmt.Errorf("decode headers: %w", err)
		}
		fr.Headers = headers
		return c.routeToStream(fr.Header().StreamID, fr)

	case *frame.ContinuationFrame:
		headers, err := c.decoder.Decode(fr.BlockFragment)
		if err != nil {
			if s, ok := c.lookupStream(fr.Header().StreamID); ok {
				s.Abort(err)
				c.forgetStream(s.ID())
			}
			return fmt.Errorf("decode continuation: %w", err)
		}
		fr.Headers = headers
		return c.routeToStream(fr.Header().StreamID, fr)

	case *frame.PushPromiseFrame:
		headers, err := c.decoder.Decode(fr.BlockFragment)
		if err != nil {
			return fmt.Errorf("decode push promise: %w", err)
		}
		fr.Headers = headers
		promised := fr.PromisedStreamID
		c.streamsMu.Lock()
		if _, ok := c.streams[promised]; !ok {
			c.streams[promised] = stream.New(c, promised, c.scheme, "")
		}
		c.streamsMu.Unlock()
		return c.routeToStream(promised, fr)

	case *frame.DataFrame:
		return c.routeToStream(fr.Header().StreamID, fr)

	case *frame.RSTStreamFrame:
		return c.routeToStream(fr.Header().StreamID, fr)

	case *frame.SettingsFrame:
		if !fr.Ack {
			c.settings.ApplyPeerFrame(fr.Args)
			ack := frame.NewSettingsFrame(true, nil)
			return c.writeFrameLocked(ack)
		}
		return nil

	case *frame.PingFrame:
		if !fr.Ack {
			fr.Ack = true
			return c.writeFrameLocked(fr)
		}
		return nil

	case *frame.GoAwayFrame:
		c.log.WithField("error_code", fr.ErrorCode).Info("received GOAWAY")
		return nil

	case *frame.WindowUpdateFrame:
		return nil

	default:
		return fmt.Errorf("conn: unroutable frame %T", f)
	}
}

func (c *Conn) routeToStream(id uint32, f frame.Frame) error {
	s, ok := c.lookupStream(id)
	if !ok {
		return fmt.Errorf("conn: no stream for id %d", id)
	}
	if err := s.Recv(f); err != nil {
		return fmt.Errorf("stream %d: %w", id, err)
	}
	if s.State() == stream.StateClosed {
		c.forgetStream(id)
	}
	return nil
}

// EncodeHeaders implements stream.Context: it runs the shared outbound
// HPACK encoder. Guarded by encMu since send_headers can be invoked
// concurrently by callers on different streams (see h2client.Client.Do).
func (c *Conn) EncodeHeaders(headers []hpack.Header) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.encoder.Encode(headers)
}

// WriteFrame implements stream.Context: serialize and write one frame.
// writeMu keeps frames from different streams from interleaving mid-frame
// on the socket.
func (c *Conn) WriteFrame(f frame.Frame) error {
	return c.writeFrameLocked(f)
}

func (c *Conn) writeFrameLocked(f frame.Frame) error {
	bs, err := f.Encode()
	if err != nil {
		return fmt.Errorf("conn: encode frame: %w", err)
	}

	c.writeMu.Lock()
	_, err = c.netConn.Write(bs)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("conn: write frame: %w", err)
	}
	return nil
}

// Settings implements stream.Context.
func (c *Conn) Settings() h2settings.Snapshot {
	return c.settings.Snapshot()
}

// Publish implements stream.Context: fill in the response's Peername from
// the peer certificate's common name, when there is one, and forward to
// the connection's owner. Closed streams are dropped from the routing
// table by routeToStream, not here.
func (c *Conn) Publish(streamID uint32, msg stream.Message) {
	if tlsConn, ok := c.netConn.(*tls.Conn); ok {
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			msg.Response.Peername = certs[0].Subject.CommonName
		}
	}
	c.onMessage(streamID, msg)
}

// Close tears down the connection: cancels the read loop, closes the
// socket and waits for the read loop to exit. The returned error carries
// the socket close error, if any; the read loop's own error is discarded.
func (c *Conn) Close() error {
	c.cancel()

	var result *multierror.Error
	if err := c.netConn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("conn: close socket: %w", err))
	}

	// readLoop is parked in a blocking frame.Parse on the socket read; it
	// only unblocks once the socket above is closed, not from ctx alone.
	// Its resulting error is just the closed-connection read failing, so
	// it's discarded here rather than folded into result.
	_ = c.group.Wait()

	return result.ErrorOrNil()
}
