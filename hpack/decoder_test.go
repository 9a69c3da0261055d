package hpack

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeRFC7541AppendixC4Example decodes RFC 7541 Appendix C.4.1's
// canonical Huffman-coded request, exercising the paths
// encoder_test.go's round trips never touch: static-table indexed field
// references and Huffman string literal decoding (this Encoder always
// emits literal-without-indexing, non-Huffman representations, so only
// a peer's wire bytes can exercise these decode branches).
func TestDecodeRFC7541AppendixC4Example(t *testing.T) {
	bs, err := hex.DecodeString("828684418cf1e3c2e5f23a6ba0ab90f4ff")
	require.NoError(t, err)

	decoder := NewDecoder()
	headers, err := decoder.Decode(bs)
	require.NoError(t, err)

	assert.Equal(t, []Header{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
	}, headers)
}

func TestDecodeSizeUpdateShrinksDynamicTable(t *testing.T) {
	decoder := NewDecoder()

	// Literal with incremental indexing, new name/value, then a dynamic
	// table size update to 0, which must evict everything just added.
	lit, err := hex.DecodeString("400a") // 0x40: literal w/ incremental indexing, new name
	require.NoError(t, err)
	lit = append(lit, []byte("custom-key")...)
	lit = append(lit, 0x0d)
	lit = append(lit, []byte("custom-header")...)

	_, err = decoder.Decode(lit)
	require.NoError(t, err)
	assert.NotZero(t, decoder.indexTable.currentSize)

	sizeUpdate := []byte{0x20} // size update to 0, 5-bit prefix
	_, err = decoder.Decode(sizeUpdate)
	require.NoError(t, err)
	assert.Zero(t, decoder.indexTable.currentSize)
}
