// Package stream implements the per-stream client-side state machine of
// an HTTP/2 connection (RFC 7540 §5.1): the transitions between idle,
// open, half-closed-local, half-closed-remote, reserved-remote and
// closed, the reaction to each inbound frame kind, and the chunked
// transmission of request bodies under the peer's advertised
// SETTINGS_MAX_FRAME_SIZE.
//
// A Stream has no goroutine or mailbox of its own. Inbound frames are
// delivered inline, one at a time, by the connection's single frame loop
// (see conn.Conn); SendHeaders runs on the caller's goroutine. A mutex on
// each Stream guards its state, and the connection serializes its own
// HPACK encoder and decoder.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jakegut/h2stream/frame"
	"github.com/jakegut/h2stream/h2settings"
	"github.com/jakegut/h2stream/hpack"
)

// State is one of the six states a client stream can occupy.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateReservedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateReservedRemote:
		return "reserved-remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Response is the artifact published when a stream reaches a terminal
// state with data to report: id, headers in receive order, the
// concatenated body, and the status parsed from ":status" if present.
type Response struct {
	ID        uint32
	Headers   []hpack.Header
	Body      []byte
	Status    int
	HasStatus bool
	Peername  string
}

// GetHeader does a case-sensitive linear scan for the first header
// matching name (HTTP/2 mandates lowercase names on the wire, so this is
// intentionally not case-insensitive).
func GetHeader(headers []hpack.Header, name string) (hpack.Header, bool) {
	for _, h := range headers {
		if h.Name == name {
			return h, true
		}
	}
	return hpack.Header{}, false
}

// Message is published to a Context's completion sink: either a finished
// response or a push promise preview.
type Message struct {
	Kind     MessageKind
	Response Response
}

type MessageKind int

const (
	MessageFinished MessageKind = iota
	MessagePushPromise
)

// Context is the connection's view a Stream is allowed to see: the
// write sink, the HPACK endpoints, the peer settings handle, and the
// completion sink. It is implemented by conn.Conn; stream never touches
// a socket or a dynamic table directly.
type Context interface {
	// EncodeHeaders runs the shared HPACK encoder over headers. It may be
	// called from several goroutines at once; the implementation
	// serializes access (conn.Conn.EncodeHeaders holds a mutex).
	EncodeHeaders(headers []hpack.Header) ([]byte, error)
	// WriteFrame serializes and writes one frame to the wire.
	WriteFrame(f frame.Frame) error
	// Settings returns the peer's current settings snapshot.
	Settings() h2settings.Snapshot
	// Publish delivers a terminal or push-promise message to the owner.
	Publish(streamID uint32, msg Message)
}

var (
	// ErrHpackDecode marks a stream aborted because the connection failed
	// to HPACK-decode one of its header blocks. Not retried; no Finished
	// message is published.
	ErrHpackDecode = errors.New("stream: hpack decode error")
)

// Stream is one client-initiated HTTP/2 exchange.
type Stream struct {
	mu sync.Mutex

	id     uint32
	state  State
	scheme string
	uri    string

	headers []hpack.Header
	body    []byte

	published bool

	ctx Context
	log *logrus.Entry
}

// New constructs a stream in state idle. id must be unique within the
// owning connection: client-initiated ids are odd (conn.Conn.NewStream
// allocates them), promised streams carry the peer's even id; scheme and
// uri become the :scheme/:authority pseudo-headers send_headers adds.
func New(ctx Context, id uint32, scheme, uri string) *Stream {
	if scheme == "" {
		scheme = "https"
	}
	return &Stream{
		id:     id,
		state:  StateIdle,
		scheme: scheme,
		uri:    uri,
		ctx:    ctx,
		log:    logrus.WithField("stream_id", id),
	}
}

// Start launches the actor. Because streams here are dispatched inline by
// the connection's single frame loop rather than owning a goroutine, Start
// is a bookkeeping hook (logging, future instrumentation) rather than a
// literal "go func()".
func (s *Stream) Start() {
	s.log.Debug("stream starting")
}

// ID returns the stream's immutable identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendHeaders sends an outbound request: augment with :scheme/:authority,
// stable-sort pseudo-headers first, emit a single HEADERS frame
// (END_HEADERS only, no CONTINUATION is ever produced on send), then
// chunk payload into DATA frames of exactly SETTINGS_MAX_FRAME_SIZE
// bytes, the last carrying END_STREAM.
//
// END_STREAM is never set on HEADERS here, even for a bodyless request,
// so half-closed-local is never entered on the send side. Intentional,
// not an oversight.
func (s *Stream) SendHeaders(headers []hpack.Header, payload []byte) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("stream %d: send_headers not valid in state %s", s.id, s.state)
	}
	s.mu.Unlock()

	augmented := make([]hpack.Header, 0, len(headers)+2)
	augmented = append(augmented,
		hpack.NewHeader(":authority", s.uri),
		hpack.NewHeader(":scheme", s.scheme),
	)
	augmented = append(augmented, headers...)
	sortPseudoHeadersFirst(augmented)

	block, err := s.ctx.EncodeHeaders(augmented)
	if err != nil {
		return fmt.Errorf("stream %d: encode headers: %w", s.id, err)
	}

	hf := frame.NewHeadersFrame(s.id, block, false)
	if err := s.ctx.WriteFrame(hf); err != nil {
		return fmt.Errorf("stream %d: write headers: %w", s.id, err)
	}

	if len(payload) > 0 {
		maxFrameSize := s.ctx.Settings().MaxFrameSize
		chunks := chunkPayload(payload, maxFrameSize)
		for i, chunk := range chunks {
			last := i == len(chunks)-1
			df := frame.NewDataFrame(s.id, chunk, last)
			if err := s.ctx.WriteFrame(df); err != nil {
				return fmt.Errorf("stream %d: write data: %w", s.id, err)
			}
		}
	}

	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()
	return nil
}

// chunkPayload splits payload into chunks of exactly maxFrameSize bytes,
// with the final chunk as remainder. A zero-length payload produces no
// chunks.
func chunkPayload(payload []byte, maxFrameSize uint32) [][]byte {
	if len(payload) == 0 || maxFrameSize == 0 {
		return nil
	}
	var chunks [][]byte
	for len(payload) > 0 {
		n := int(maxFrameSize)
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

// sortPseudoHeadersFirst stable-sorts headers by name ascending. ':'
// (0x3a) sorts before any letter, so this is what actually places every
// pseudo-header ahead of every regular header.
func sortPseudoHeadersFirst(headers []hpack.Header) {
	sort.SliceStable(headers, func(i, j int) bool {
		return headers[i].Name < headers[j].Name
	})
}

// Recv handles one inbound frame per the stream's transition table.
// HEADERS and DATA are accepted uniformly regardless of the current
// state.
func (s *Stream) Recv(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}

	switch fr := f.(type) {
	case *frame.HeadersFrame:
		s.headers = append(s.headers, fr.Headers...)
		if fr.EndStream {
			s.enterHalfClosedRemoteLocked()
		}
		return nil

	case *frame.ContinuationFrame:
		s.headers = append(s.headers, fr.Headers...)
		return nil

	case *frame.PushPromiseFrame:
		if s.state != StateIdle {
			return fmt.Errorf("stream %d: push_promise in state %s", s.id, s.state)
		}
		s.headers = append(s.headers, fr.Headers...)
		s.state = StateReservedRemote
		s.ctx.Publish(s.id, Message{Kind: MessagePushPromise, Response: s.responseLocked()})
		return nil

	case *frame.DataFrame:
		s.body = append(s.body, fr.Data...)
		if fr.EndStream {
			s.enterHalfClosedRemoteLocked()
		}
		return nil

	case *frame.RSTStreamFrame:
		s.closeSilentlyLocked()
		return nil

	default:
		return fmt.Errorf("stream %d: unhandled frame type %T", s.id, f)
	}
}

// Reset models external/self-inflicted cancellation: identical handling
// whether the reset originated with the peer or the caller.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSilentlyLocked()
}

// Abort is called by the connection when HPACK decoding this stream's
// header block failed. The stream closes without publishing a finished
// response; the error is not retried or surfaced as a Response.
func (s *Stream) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.log.WithError(fmt.Errorf("%w: %v", ErrHpackDecode, cause)).Warn("aborting stream")
	s.state = StateClosed
}

// enterHalfClosedRemoteLocked implements the obligatory intermediate
// state on the receive-complete path: entry unconditionally emits
// RST_STREAM, then the close action is applied immediately. There is no
// separate scheduling step since the stream has no mailbox of its own to
// post back into.
func (s *Stream) enterHalfClosedRemoteLocked() {
	s.state = StateHalfClosedRemote
	if err := s.ctx.WriteFrame(frame.NewRSTStreamFrame(s.id, frame.ErrNoError)); err != nil {
		s.log.WithError(err).Warn("writing reset on half-closed-remote entry")
	}
	s.closeWithPublishLocked()
}

// closeWithPublishLocked is the "close" command's entry action: publish
// exactly one Finished message, then halt.
func (s *Stream) closeWithPublishLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.published {
		return
	}
	s.published = true
	s.ctx.Publish(s.id, Message{Kind: MessageFinished, Response: s.responseLocked()})
}

// closeSilentlyLocked implements the RST_STREAM transition row directly
// to closed: the partial response is discarded and no Finished message
// is published.
func (s *Stream) closeSilentlyLocked() {
	s.state = StateClosed
}

func (s *Stream) responseLocked() Response {
	resp := Response{
		ID:      s.id,
		Headers: append([]hpack.Header(nil), s.headers...),
		Body:    append([]byte(nil), s.body...),
	}
	if status, ok := GetHeader(s.headers, ":status"); ok {
		if v, err := strconv.Atoi(status.Value); err == nil {
			resp.Status = v
			resp.HasStatus = true
		}
	}
	return resp
}
