package hpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	headers := []Header{
		NewHeader(":scheme", "https"),
		NewHeader(":authority", "example.com"),
		NewHeader("x-a", "1"),
		NewHeader("x-b", "2"),
	}

	enc := NewEncoder()
	bs, err := enc.Encode(headers)
	assert.NoError(t, err)

	dec := NewDecoder()
	out, err := dec.Decode(bs)
	assert.NoError(t, err)
	assert.Equal(t, headers, out)
}

func TestEncodeDecodeRoundTripEmptyValue(t *testing.T) {
	headers := []Header{NewHeader("x-trace", "")}

	enc := NewEncoder()
	bs, err := enc.Encode(headers)
	assert.NoError(t, err)

	dec := NewDecoder()
	out, err := dec.Decode(bs)
	assert.NoError(t, err)
	assert.Equal(t, headers, out)
}
