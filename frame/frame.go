// Package frame is the Frame Codec Interface: it converts typed HTTP/2
// frame values to wire bytes and back (RFC 7540 §4). It knows nothing
// about streams, HPACK, or settings state; those are supplied by the
// caller and merely carried on the frame values that need them
// (HeadersFrame.Headers, PushPromiseFrame.Headers).
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jakegut/h2stream/hpack"
)

type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

type Flag uint8

const (
	DataEndStream Flag = 0x1
	DataPadded    Flag = 0x8

	HeadersEndStream  Flag = 0x1
	HeadersEndHeaders Flag = 0x4
	HeadersPadded     Flag = 0x8
	HeadersPriority   Flag = 0x20

	PushPromiseEndHeaders Flag = 0x4
	PushPromisePadded     Flag = 0x8

	SettingsAck Flag = 0x1

	PingAck Flag = 0x1

	ContinuationEndHeaders Flag = 0x4
)

type ErrorCode uint8

const (
	ErrNoError            ErrorCode = 0x0
	ErrProtocolError      ErrorCode = 0x1
	ErrInternalError      ErrorCode = 0x2
	ErrFlowControlError   ErrorCode = 0x3
	ErrSettingsTimeout    ErrorCode = 0x4
	ErrStreamClosed       ErrorCode = 0x5
	ErrFrameSizeError     ErrorCode = 0x6
	ErrRefusedStream      ErrorCode = 0x7
	ErrCancel             ErrorCode = 0x8
	ErrCompressionError   ErrorCode = 0x9
	ErrConnectError       ErrorCode = 0xa
	ErrEnhanceYourCalm    ErrorCode = 0xb
	ErrInadequateSecurity ErrorCode = 0xc
	ErrHTTP11Required     ErrorCode = 0xd
)

// Param identifies a SETTINGS parameter (RFC 7540 §6.5.2).
type Param uint16

const (
	SettingsHeaderTableSize      Param = 0x1
	SettingsEnablePush           Param = 0x2
	SettingsMaxConcurrentStreams Param = 0x3
	SettingsInitialWindowSize    Param = 0x4
	SettingsMaxFrameSize         Param = 0x5
	SettingsMaxHeaderListSize    Param = 0x6
)

/*
+-----------------------------------------------+
|                 Length (24)                   |
+---------------+---------------+---------------+
|   Type (8)    |   Flags (8)   |
+-+-------------+---------------+-------------------------------+
|R|                 Stream Identifier (31)                      |
+=+=============================================================+
|                   Frame Payload (0...)                      ...
+---------------------------------------------------------------+
*/

type Header struct {
	Length   uint32
	Type     Type
	Flags    uint8
	StreamID uint32
}

func parseHeader(r io.Reader) (Header, error) {
	bs := make([]byte, 9)
	if _, err := io.ReadFull(r, bs); err != nil {
		return Header{}, err
	}

	return Header{
		Length:   uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]),
		Type:     Type(bs[3]),
		Flags:    bs[4],
		StreamID: binary.BigEndian.Uint32(bs[5:]) & (1<<31 - 1),
	}, nil
}

func (fr Header) hasFlag(flag Flag) bool {
	return fr.Flags&uint8(flag) == uint8(flag)
}

// Frame is the common contract every concrete frame type satisfies.
type Frame interface {
	Header() Header
	Decode()
	Encode() ([]byte, error)
}

type parserFunc func(raw) Frame

var parsers = map[Type]parserFunc{
	TypeData:         dataFrame,
	TypeHeaders:      headersFrame,
	TypeRSTStream:    rstStreamFrame,
	TypeSettings:     settingsFrame,
	TypePushPromise:  pushPromiseFrame,
	TypePing:         pingFrame,
	TypeGoAway:       goAwayFrame,
	TypeWindowUpdate: windowUpdateFrame,
	TypeContinuation: continuationFrame,
}

// raw is the header plus unparsed payload shared by every frame's Decode.
type raw struct {
	Header  Header
	Payload []byte
}

var (
	ErrUnknownFrame        = errors.New("frame: unknown frame type")
	ErrExceedsMaxFrameSize = errors.New("frame: exceeds SETTINGS_MAX_FRAME_SIZE")
)

// Parse reads one frame from r, rejecting HEADERS/DATA frames whose
// declared length exceeds maxSize (the connection's current
// SETTINGS_MAX_FRAME_SIZE). Unknown frame types are skipped per RFC 7540
// §4.1 ("implementations MUST ignore and discard frames of unknown type")
// and reported via ErrUnknownFrame so the caller can log and continue.
func Parse(r io.Reader, maxSize uint32) (Frame, error) {
	var rw raw
	var err error
	rw.Header, err = parseHeader(r)
	if err != nil {
		return nil, err
	}

	switch rw.Header.Type {
	case TypeHeaders, TypeData:
		if rw.Header.Length > maxSize {
			return nil, ErrExceedsMaxFrameSize
		}
	}

	rw.Payload = make([]byte, rw.Header.Length)
	if _, err := io.ReadFull(r, rw.Payload); err != nil {
		return nil, err
	}

	parserFn, ok := parsers[rw.Header.Type]
	if !ok {
		return nil, fmt.Errorf("%w: type=%#x", ErrUnknownFrame, rw.Header.Type)
	}

	f := parserFn(rw)
	f.Decode()
	return f, nil
}

// Encode wraps an already-serialized frame payload in a 9-byte frame
// header, per RFC 7540 §4.1.
func Encode(payload []byte, t Type, flags uint8, streamID uint32) ([]byte, error) {
	n := len(payload)

	buf := make([]byte, 0, 9+n)
	buf = append(buf,
		byte(n>>16),
		byte(n>>8),
		byte(n),
		byte(t),
		byte(flags),
	)
	buf = binary.BigEndian.AppendUint32(buf, streamID)
	buf = append(buf, payload...)

	return buf, nil
}

type DataFrame struct {
	raw raw

	Padded    bool
	EndStream bool

	PadLength uint8
	Data      []byte
}

func dataFrame(rw raw) Frame { return &DataFrame{raw: rw} }

func (d *DataFrame) Header() Header { return d.raw.Header }

func (d *DataFrame) Decode() {
	bs := d.raw.Payload

	d.Padded = d.raw.Header.hasFlag(DataPadded)
	d.EndStream = d.raw.Header.hasFlag(DataEndStream)

	if d.Padded {
		d.PadLength = uint8(bs[0])
		bs = bs[1:]
	}

	d.Data = bs[:len(bs)-int(d.PadLength)]
}

func (d *DataFrame) Encode() ([]byte, error) {
	var flags uint8
	if d.EndStream {
		flags |= uint8(DataEndStream)
	}
	return Encode(d.Data, TypeData, flags, d.raw.Header.StreamID)
}

// NewDataFrame builds a DataFrame ready for Encode, for outbound use by the
// stream package (no Decode/raw bookkeeping needed on the write path).
func NewDataFrame(streamID uint32, data []byte, endStream bool) *DataFrame {
	return &DataFrame{
		raw:       raw{Header: Header{StreamID: streamID}},
		Data:      data,
		EndStream: endStream,
	}
}

type HeadersFrame struct {
	raw raw

	EndStream  bool
	EndHeaders bool
	Priority   bool
	Padded     bool

	PadLength          uint8
	StreamDependency   uint32
	ExclusiveStreamDep bool
	Weight             uint8
	BlockFragment      []byte

	// Headers is populated by the connection after HPACK-decoding
	// BlockFragment; Decode/Encode never touch it.
	Headers []hpack.Header
}

func headersFrame(rw raw) Frame { return &HeadersFrame{raw: rw} }

func (h *HeadersFrame) Header() Header { return h.raw.Header }

func (h *HeadersFrame) Decode() {
	bs := h.raw.Payload

	h.EndStream = h.raw.Header.hasFlag(HeadersEndStream)
	h.EndHeaders = h.raw.Header.hasFlag(HeadersEndHeaders)
	h.Priority = h.raw.Header.hasFlag(HeadersPriority)
	h.Padded = h.raw.Header.hasFlag(HeadersPadded)

	if h.Padded {
		h.PadLength = bs[0]
		bs = bs[1:]
	}

	if h.Priority {
		h.ExclusiveStreamDep = (bs[0] & 0x80) == 0x80
		h.StreamDependency = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
		h.Weight = uint8(bs[4])
		bs = bs[5:]
	}

	h.BlockFragment = bs[:len(bs)-int(h.PadLength)]
}

func (h *HeadersFrame) Encode() ([]byte, error) {
	var flags uint8
	var buf bytes.Buffer

	if h.EndStream {
		flags |= uint8(HeadersEndStream)
	}
	if h.EndHeaders {
		flags |= uint8(HeadersEndHeaders)
	}
	if h.Padded {
		flags |= uint8(HeadersPadded)
		buf.WriteByte(byte(h.PadLength))
	}
	if h.Priority {
		flags |= uint8(HeadersPriority)
		var exclusive byte
		if h.ExclusiveStreamDep {
			exclusive = 1
		}
		buf.Write([]byte{
			(exclusive << 7) | byte(h.StreamDependency>>24),
			byte(h.StreamDependency >> 16),
			byte(h.StreamDependency >> 8),
			byte(h.StreamDependency),
			byte(h.Weight),
		})
	}

	buf.Write(h.BlockFragment)

	if h.Padded {
		buf.Write(make([]byte, h.PadLength))
	}

	return Encode(buf.Bytes(), TypeHeaders, flags, h.raw.Header.StreamID)
}

// NewHeadersFrame builds a HeadersFrame ready for Encode: END_HEADERS is
// always set, since every header block this client sends is assumed to
// fit in one frame; CONTINUATION is never produced on send.
func NewHeadersFrame(streamID uint32, blockFragment []byte, endStream bool) *HeadersFrame {
	return &HeadersFrame{
		raw:           raw{Header: Header{StreamID: streamID}},
		EndHeaders:    true,
		EndStream:     endStream,
		BlockFragment: blockFragment,
	}
}

type RSTStreamFrame struct {
	raw raw

	ErrorCode ErrorCode
}

func rstStreamFrame(rw raw) Frame { return &RSTStreamFrame{raw: rw} }

func (r *RSTStreamFrame) Header() Header { return r.raw.Header }

func (r *RSTStreamFrame) Decode() {
	code := binary.BigEndian.Uint32(r.raw.Payload)
	if code > uint32(ErrHTTP11Required) {
		code = uint32(ErrInternalError)
	}
	r.ErrorCode = ErrorCode(code)
}

func (r *RSTStreamFrame) Encode() ([]byte, error) {
	return Encode(
		binary.BigEndian.AppendUint32(nil, uint32(r.ErrorCode)),
		TypeRSTStream,
		0,
		r.raw.Header.StreamID,
	)
}

// NewRSTStreamFrame builds an outbound RST_STREAM with the given error
// code; ErrNoError is the zero value, suitable when no specific cause
// applies.
func NewRSTStreamFrame(streamID uint32, code ErrorCode) *RSTStreamFrame {
	return &RSTStreamFrame{
		raw:       raw{Header: Header{StreamID: streamID}},
		ErrorCode: code,
	}
}

type SettingsFrame struct {
	raw raw

	Ack  bool
	Args []SettingArg
}

func settingsFrame(rw raw) Frame { return &SettingsFrame{raw: rw} }

type SettingArg struct {
	Param Param
	Value uint32
}

func (s *SettingsFrame) Header() Header { return s.raw.Header }

func (s *SettingsFrame) Decode() {
	if s.Args == nil {
		s.Args = make([]SettingArg, 0)
	}
	bs := s.raw.Payload
	for len(bs) >= 6 {
		ident := binary.BigEndian.Uint16(bs[0:])
		value := binary.BigEndian.Uint32(bs[2:])
		s.Args = append(s.Args, SettingArg{
			Param: Param(ident),
			Value: value,
		})
		bs = bs[6:]
	}

	s.Ack = s.raw.Header.hasFlag(SettingsAck)
}

func (s *SettingsFrame) Encode() ([]byte, error) {
	payload := []byte{}

	for _, arg := range s.Args {
		p := arg.Param
		payload = append(payload,
			byte((p>>8)&0xff),
			byte(p&0xff),
		)
		payload = binary.BigEndian.AppendUint32(payload, arg.Value)
	}

	var flags uint8
	if s.Ack {
		flags |= uint8(SettingsAck)
	}

	return Encode(payload, TypeSettings, flags, 0)
}

// NewSettingsFrame builds an outbound SETTINGS frame; pass ack=true and no
// args for a SETTINGS acknowledgement.
func NewSettingsFrame(ack bool, args []SettingArg) *SettingsFrame {
	return &SettingsFrame{Ack: ack, Args: args}
}

type PingFrame struct {
	raw raw

	Ack bool

	Opaque []byte
}

func pingFrame(rw raw) Frame { return &PingFrame{raw: rw} }

func (p *PingFrame) Header() Header { return p.raw.Header }

func (p *PingFrame) Decode() {
	p.Opaque = p.raw.Payload
}

func (p *PingFrame) Encode() ([]byte, error) {
	var flags uint8
	if p.Ack {
		flags |= uint8(PingAck)
	}
	return Encode(p.Opaque, TypePing, flags, 0)
}

type GoAwayFrame struct {
	raw raw

	LastStreamID uint32
	ErrorCode    ErrorCode
	Opaque       []byte
}

func goAwayFrame(rw raw) Frame { return &GoAwayFrame{raw: rw} }

func (g *GoAwayFrame) Header() Header { return g.raw.Header }

func (g *GoAwayFrame) Decode() {
	bs := g.raw.Payload
	g.LastStreamID = binary.BigEndian.Uint32(bs) & ((1 << 31) - 1)
	g.ErrorCode = ErrorCode(binary.BigEndian.Uint32(bs[4:]))

	if len(bs) > 8 {
		g.Opaque = bs[8:]
	}
}

func (g *GoAwayFrame) Encode() ([]byte, error) {
	payload := binary.BigEndian.AppendUint32(nil, g.LastStreamID)
	payload = binary.BigEndian.AppendUint32(payload, uint32(g.ErrorCode))

	if g.Opaque != nil {
		payload = append(payload, g.Opaque...)
	}

	return Encode(payload, TypeGoAway, 0, 0)
}

type WindowUpdateFrame struct {
	raw raw

	SizeIncrement uint32
}

func windowUpdateFrame(rw raw) Frame { return &WindowUpdateFrame{raw: rw} }

func (w *WindowUpdateFrame) Header() Header { return w.raw.Header }

func (w *WindowUpdateFrame) Decode() {
	w.SizeIncrement = binary.BigEndian.Uint32(w.raw.Payload) & ((1 << 31) - 1)
}

func (w *WindowUpdateFrame) Encode() ([]byte, error) {
	payload := binary.BigEndian.AppendUint32(nil, w.SizeIncrement)
	return Encode(payload, TypeWindowUpdate, 0, w.raw.Header.StreamID)
}

type ContinuationFrame struct {
	raw raw

	EndHeaders bool

	BlockFragment []byte

	Headers []hpack.Header
}

func continuationFrame(rw raw) Frame { return &ContinuationFrame{raw: rw} }

func (c *ContinuationFrame) Header() Header { return c.raw.Header }

func (c *ContinuationFrame) Decode() {
	c.EndHeaders = c.raw.Header.hasFlag(ContinuationEndHeaders)
	c.BlockFragment = c.raw.Payload
}

func (c *ContinuationFrame) Encode() ([]byte, error) {
	var flags uint8
	if c.EndHeaders {
		flags |= uint8(ContinuationEndHeaders)
	}
	return Encode(c.BlockFragment, TypeContinuation, flags, c.raw.Header.StreamID)
}

// PushPromiseFrame carries a server-initiated stream reservation
// (RFC 7540 §6.6). This client implementation only ever receives these.
type PushPromiseFrame struct {
	raw raw

	EndHeaders bool
	Padded     bool

	PadLength        uint8
	PromisedStreamID uint32
	BlockFragment    []byte

	Headers []hpack.Header
}

func pushPromiseFrame(rw raw) Frame { return &PushPromiseFrame{raw: rw} }

func (p *PushPromiseFrame) Header() Header { return p.raw.Header }

func (p *PushPromiseFrame) Decode() {
	bs := p.raw.Payload

	p.EndHeaders = p.raw.Header.hasFlag(PushPromiseEndHeaders)
	p.Padded = p.raw.Header.hasFlag(PushPromisePadded)

	if p.Padded {
		p.PadLength = bs[0]
		bs = bs[1:]
	}

	p.PromisedStreamID = binary.BigEndian.Uint32(bs) & (1<<31 - 1)
	bs = bs[4:]

	p.BlockFragment = bs[:len(bs)-int(p.PadLength)]
}

func (p *PushPromiseFrame) Encode() ([]byte, error) {
	var flags uint8
	var buf bytes.Buffer

	if p.EndHeaders {
		flags |= uint8(PushPromiseEndHeaders)
	}
	if p.Padded {
		flags |= uint8(PushPromisePadded)
		buf.WriteByte(byte(p.PadLength))
	}

	buf.Write(binary.BigEndian.AppendUint32(nil, p.PromisedStreamID&(1<<31-1)))
	buf.Write(p.BlockFragment)

	if p.Padded {
		buf.Write(make([]byte, p.PadLength))
	}

	return Encode(buf.Bytes(), TypePushPromise, flags, p.raw.Header.StreamID)
}
