package atp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
)

// writeUvarintBytes writes a length-prefixed byte slice: a uvarint length
// followed by the raw bytes. Used throughout the binary codec instead of
// fixed-width fields for every variable-length value (ids, strings, blobs).
func writeUvarintBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func readUvarintBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func marshalMeta(m Meta) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMeta(b []byte) (Meta, error) {
	var m Meta
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}
