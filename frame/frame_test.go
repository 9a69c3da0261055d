package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFrameRoundTrip(t *testing.T) {
	df := NewDataFrame(1, []byte("hello"), true)
	bs, err := df.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*DataFrame)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Data)
	assert.True(t, got.EndStream)
	assert.Equal(t, uint32(1), got.Header().StreamID)
}

func TestHeadersFrameAlwaysSetsEndHeaders(t *testing.T) {
	hf := NewHeadersFrame(3, []byte("blockfragment"), false)
	bs, err := hf.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*HeadersFrame)
	require.True(t, ok)
	assert.True(t, got.EndHeaders)
	assert.False(t, got.EndStream)
	assert.Equal(t, []byte("blockfragment"), got.BlockFragment)
}

func TestRSTStreamFrameRoundTrip(t *testing.T) {
	rf := NewRSTStreamFrame(5, ErrCancel)
	bs, err := rf.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*RSTStreamFrame)
	require.True(t, ok)
	assert.Equal(t, ErrCancel, got.ErrorCode)
}

func TestSettingsFrameRoundTripUsesTwoByteParamID(t *testing.T) {
	sf := NewSettingsFrame(false, []SettingArg{
		{Param: SettingsMaxFrameSize, Value: 32768},
		{Param: SettingsEnablePush, Value: 0},
	})
	bs, err := sf.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*SettingsFrame)
	require.True(t, ok)
	require.Len(t, got.Args, 2)
	assert.Equal(t, SettingsMaxFrameSize, got.Args[0].Param)
	assert.Equal(t, uint32(32768), got.Args[0].Value)
	assert.Equal(t, SettingsEnablePush, got.Args[1].Param)
	assert.Equal(t, uint32(0), got.Args[1].Value)
}

func TestSettingsAckRoundTrip(t *testing.T) {
	sf := NewSettingsFrame(true, nil)
	bs, err := sf.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*SettingsFrame)
	require.True(t, ok)
	assert.True(t, got.Ack)
	assert.Empty(t, got.Args)
}

func TestParseRejectsOversizedHeadersFrame(t *testing.T) {
	hf := NewHeadersFrame(1, make([]byte, 100), false)
	bs, err := hf.Encode()
	require.NoError(t, err)

	_, err = Parse(bytes.NewReader(bs), 16)
	assert.ErrorIs(t, err, ErrExceedsMaxFrameSize)
}

func TestParseUnknownFrameTypeReportsErrUnknownFrame(t *testing.T) {
	// PRIORITY (0x2) has no registered parser.
	bs, err := Encode([]byte{0, 0, 0, 0, 1}, TypePriority, 0, 1)
	require.NoError(t, err)

	_, err = Parse(bytes.NewReader(bs), 16384)
	assert.ErrorIs(t, err, ErrUnknownFrame)
}

func TestWindowUpdateMasksReservedBit(t *testing.T) {
	wf := &WindowUpdateFrame{SizeIncrement: 1 << 31}
	bs, err := wf.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*WindowUpdateFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(0), got.SizeIncrement)
}

func TestPushPromiseFrameRoundTrip(t *testing.T) {
	pp := &PushPromiseFrame{
		EndHeaders:       true,
		PromisedStreamID: 4,
		BlockFragment:    []byte("blockfragment"),
	}
	pp.raw.Header.StreamID = 1
	bs, err := pp.Encode()
	require.NoError(t, err)

	f, err := Parse(bytes.NewReader(bs), 16384)
	require.NoError(t, err)

	got, ok := f.(*PushPromiseFrame)
	require.True(t, ok)
	assert.Equal(t, uint32(4), got.PromisedStreamID)
	assert.Equal(t, []byte("blockfragment"), got.BlockFragment)
}
