package hpack

// Decoder holds one direction's dynamic table. It is not safe for
// concurrent use: callers must decode header blocks in wire arrival order,
// one at a time, from a single goroutine (see conn.Conn's inbound loop).
type Decoder struct {
	indexTable *indexTable
}

// NewDecoder constructs a Decoder with an empty dynamic table.
func NewDecoder() *Decoder {
	return &Decoder{
		indexTable: newIndexTable(),
	}
}

func decInt(bs *[]byte, prefix int) int {
	mask := (1 << prefix) - 1
	i := int((*bs)[0]) & mask
	if i < mask {
		*bs = (*bs)[1:]
		return i
	}

	m := 0
	for {
		*bs = (*bs)[1:]
		oct := (*bs)[0]
		i += int(oct&127) << m
		m += 7
		if oct&128 != 128 {
			break
		}
	}
	*bs = (*bs)[1:]

	return i
}

func readStringLiteral(bs *[]byte) (string, error) {
	huffman := (*bs)[0]&0x80 != 0
	n := decInt(bs, 7)
	dec := (*bs)[:n]
	var str string
	var err error
	if huffman {
		str, err = huffmanDecode(dec)
		if err != nil {
			return "", err
		}
	} else {
		str = string(dec)
	}

	*bs = (*bs)[n:]
	return str, nil
}

func (d *Decoder) readHeaderFieldInternal(bs *[]byte, idx int) (Header, error) {
	if idx > 0 {
		header, err := d.indexTable.Get(idx)
		if err != nil {
			return Header{}, err
		}
		val, err := readStringLiteral(bs)
		if err != nil {
			return Header{}, err
		}
		return Header{
			Name:  header.Name,
			Value: val,
		}, nil
	}

	name, err := readStringLiteral(bs)
	if err != nil {
		return Header{}, err
	}
	val, err := readStringLiteral(bs)
	if err != nil {
		return Header{}, err
	}
	return Header{
		Name:  name,
		Value: val,
	}, nil
}

// Decode turns an HPACK-encoded header block into its header list,
// updating the decoder's dynamic table as indexing instructions dictate.
func (d *Decoder) Decode(bs []byte) ([]Header, error) {
	headers := []Header{}
	for len(bs) > 0 {
		field := bs[0]

		indexedHeader := (field & 0x80) != 0
		incrementedIndexed := (field & 0xc0) == 0x40

		woIndexing := (field & 0xf0) == 0
		neverIndexing := (field & 0xf0) == 0x10
		sizeUpdate := (field & 0xe0) == 0x20

		if indexedHeader {
			idx := decInt(&bs, 7)
			header, err := d.indexTable.Get(idx)
			if err != nil {
				return nil, err
			}

			headers = append(headers, header)
		} else if incrementedIndexed {
			header, err := d.readHeaderFieldInternal(&bs, decInt(&bs, 6))
			if err != nil {
				return nil, err
			}
			d.indexTable.Add(header)
			headers = append(headers, header)
		} else if woIndexing || neverIndexing {
			header, err := d.readHeaderFieldInternal(&bs, decInt(&bs, 4))
			if err != nil {
				return nil, err
			}
			header.neverIndexed = neverIndexing
			headers = append(headers, header)
		} else if sizeUpdate {
			d.indexTable.UpdateMaxSize(decInt(&bs, 5))
		}
	}
	return headers, nil
}
