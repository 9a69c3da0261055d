package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakegut/h2stream/frame"
	"github.com/jakegut/h2stream/h2settings"
	"github.com/jakegut/h2stream/hpack"
)

// fakeCtx is an in-memory stream.Context recording every write and
// publish, standing in for conn.Conn in these tests.
type fakeCtx struct {
	mu sync.Mutex

	settings h2settings.Snapshot
	frames   []frame.Frame
	messages []Message

	encodeErr error
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{settings: h2settings.Default().Snapshot()}
}

func (f *fakeCtx) EncodeHeaders(headers []hpack.Header) ([]byte, error) {
	if f.encodeErr != nil {
		return nil, f.encodeErr
	}
	// Not real HPACK: tests only assert on the frame shape, not the bytes.
	return []byte("encoded"), nil
}

func (f *fakeCtx) WriteFrame(fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeCtx) Settings() h2settings.Snapshot {
	return f.settings
}

func (f *fakeCtx) Publish(streamID uint32, msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeCtx) lastMessage() (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return Message{}, false
	}
	return f.messages[len(f.messages)-1], true
}

// Scenario 1: a simple GET receives a HEADERS frame with END_STREAM set
// and reaches closed with exactly one Finished message published.
func TestSimpleGetReachesClosedWithFinished(t *testing.T) {
	ctx := newFakeCtx()
	s := New(ctx, 1, "https", "example.com")

	require.NoError(t, s.SendHeaders([]hpack.Header{
		hpack.NewHeader(":method", "GET"),
		hpack.NewHeader(":path", "/"),
	}, nil))
	assert.Equal(t, StateOpen, s.State())

	resp := frame.NewHeadersFrame(1, []byte{}, true)
	resp.Headers = []hpack.Header{
		hpack.NewHeader(":status", "200"),
		hpack.NewHeader("content-type", "text/plain"),
	}
	require.NoError(t, s.Recv(resp))

	assert.Equal(t, StateClosed, s.State())

	msg, ok := ctx.lastMessage()
	require.True(t, ok)
	assert.Equal(t, MessageFinished, msg.Kind)
	assert.Equal(t, 200, msg.Response.Status)
	assert.True(t, msg.Response.HasStatus)

	// A RST_STREAM must have been written unconditionally on entering
	// half-closed-remote.
	var sawReset bool
	for _, fr := range ctx.frames {
		if _, ok := fr.(*frame.RSTStreamFrame); ok {
			sawReset = true
		}
	}
	assert.True(t, sawReset, "expected an RST_STREAM on half-closed-remote entry")
}

// Scenario 2: a PUT with a body larger than MAX_FRAME_SIZE is split into
// multiple DATA frames, the last one carrying END_STREAM.
func TestChunkedPutSplitsDataFrames(t *testing.T) {
	ctx := newFakeCtx()
	ctx.settings.MaxFrameSize = 4

	s := New(ctx, 1, "https", "example.com")
	require.NoError(t, s.SendHeaders([]hpack.Header{
		hpack.NewHeader(":method", "PUT"),
		hpack.NewHeader(":path", "/upload"),
	}, []byte("0123456789")))

	var dataFrames []*frame.DataFrame
	for _, fr := range ctx.frames {
		if df, ok := fr.(*frame.DataFrame); ok {
			dataFrames = append(dataFrames, df)
		}
	}

	require.Len(t, dataFrames, 3)
	assert.Equal(t, []byte("0123"), dataFrames[0].Data)
	assert.Equal(t, []byte("4567"), dataFrames[1].Data)
	assert.Equal(t, []byte("89"), dataFrames[2].Data)

	for i, df := range dataFrames {
		last := i == len(dataFrames)-1
		assert.Equal(t, last, df.EndStream)
	}
}

// Scenario 3: the peer resets the stream mid-response. No Finished
// message is published and the partial response is discarded.
func TestPeerResetMidStreamDiscardsResponse(t *testing.T) {
	ctx := newFakeCtx()
	s := New(ctx, 1, "https", "example.com")

	require.NoError(t, s.SendHeaders([]hpack.Header{
		hpack.NewHeader(":method", "GET"),
		hpack.NewHeader(":path", "/"),
	}, nil))

	partial := frame.NewHeadersFrame(1, nil, false)
	partial.Headers = []hpack.Header{hpack.NewHeader(":status", "200")}
	require.NoError(t, s.Recv(partial))

	require.NoError(t, s.Recv(frame.NewRSTStreamFrame(1, frame.ErrCancel)))

	assert.Equal(t, StateClosed, s.State())
	_, ok := ctx.lastMessage()
	assert.False(t, ok, "no Finished message should be published on peer reset")
}

// Scenario 4: an inbound PUSH_PROMISE reserves a stream and publishes a
// push-promise preview without closing anything.
func TestPushPromiseReservesStream(t *testing.T) {
	ctx := newFakeCtx()
	promised := New(ctx, 2, "https", "")

	ppf := &frame.PushPromiseFrame{
		PromisedStreamID: 2,
		Headers: []hpack.Header{
			hpack.NewHeader(":method", "GET"),
			hpack.NewHeader(":path", "/style.css"),
		},
	}

	require.NoError(t, promised.Recv(ppf))
	assert.Equal(t, StateReservedRemote, promised.State())

	msg, ok := ctx.lastMessage()
	require.True(t, ok)
	assert.Equal(t, MessagePushPromise, msg.Kind)
}

// Scenario 5: CONTINUATION frames received while idle (before any
// HEADERS) still accumulate headers; this client does not validate
// ordering strictly against RFC 7540's state requirements.
func TestContinuationAccumulatesHeaders(t *testing.T) {
	ctx := newFakeCtx()
	s := New(ctx, 1, "https", "example.com")

	cf := &frame.ContinuationFrame{
		Headers: []hpack.Header{hpack.NewHeader("x-trace", "abc")},
	}
	require.NoError(t, s.Recv(cf))
	assert.Equal(t, StateIdle, s.State())
}

// Scenario 6: send_headers sorts pseudo-headers and regular headers
// together by ascending name, since ':' precedes any letter in ASCII.
func TestSendHeadersSortsAscendingByName(t *testing.T) {
	recorder := &recordingCtx{fakeCtx: newFakeCtx()}
	s := New(recorder, 3, "https", "example.com")

	require.NoError(t, s.SendHeaders([]hpack.Header{
		hpack.NewHeader("x-b", "2"),
		hpack.NewHeader("x-a", "1"),
	}, nil))

	require.NotEmpty(t, recorder.captured)

	var names []string
	for _, h := range recorder.captured {
		names = append(names, h.Name)
	}
	assert.True(t, sortedAscending(names), "expected headers sorted ascending by name, got %v", names)
}

type recordingCtx struct {
	*fakeCtx
	captured []hpack.Header
}

func (r *recordingCtx) EncodeHeaders(headers []hpack.Header) ([]byte, error) {
	r.captured = headers
	return r.fakeCtx.EncodeHeaders(headers)
}

func sortedAscending(names []string) bool {
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			return false
		}
	}
	return true
}

func TestSendHeadersRejectsNonIdleState(t *testing.T) {
	ctx := newFakeCtx()
	s := New(ctx, 1, "https", "example.com")

	require.NoError(t, s.SendHeaders(nil, nil))
	err := s.SendHeaders(nil, nil)
	assert.Error(t, err)
}

func TestZeroLengthPayloadProducesNoDataFrames(t *testing.T) {
	chunks := chunkPayload(nil, 16384)
	assert.Nil(t, chunks)
}

func TestAbortClosesWithoutPublishing(t *testing.T) {
	ctx := newFakeCtx()
	s := New(ctx, 1, "https", "example.com")
	require.NoError(t, s.SendHeaders(nil, nil))

	s.Abort(errors.New("boom"))

	assert.Equal(t, StateClosed, s.State())
	_, ok := ctx.lastMessage()
	assert.False(t, ok)
}

func TestGetHeaderFindsFirstMatch(t *testing.T) {
	headers := []hpack.Header{
		hpack.NewHeader(":status", "200"),
		hpack.NewHeader("content-type", "text/html"),
	}
	h, ok := GetHeader(headers, "content-type")
	require.True(t, ok)
	assert.Equal(t, "text/html", h.Value)

	_, ok = GetHeader(headers, "missing")
	assert.False(t, ok)
}
