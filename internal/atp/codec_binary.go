package atp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// binaryCodec is the deterministic, canonical-encoding hot-path
// representation (spec.md §4.1, §9 Open Question #1). Canonical body
// field order, fixed here and nowhere else:
//
//	version, type, session_id, stream_id, msg_seq, frag_seq, flags, qos,
//	ttl, window, meta (the full Meta as JSON), payload
//
// The wire form is a magic number, a CRC32 of the canonical body, then the
// length-prefixed sig, nonce and body. Sig and nonce sit outside the body,
// so the checksum does not cover them; this package neither computes nor
// verifies signatures.
type binaryCodec struct {
	maxFrameBytes int
}

func (c *binaryCodec) Encoding() Encoding { return EncodingBinary }

const binaryMagic = 0x41545031 // "ATP1"

func (c *binaryCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, NewError(CodeEncode, "", "nil frame")
	}
	body, err := canonicalBody(f)
	if err != nil {
		return nil, NewError(CodeEncode, "", fmt.Sprintf("canonicalize: %v", err))
	}
	checksum := crc32.ChecksumIEEE(body)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(binaryMagic))
	_ = binary.Write(&buf, binary.BigEndian, checksum)
	writeUvarintBytes(&buf, []byte(f.Sig))
	writeUvarintBytes(&buf, []byte(f.Nonce))
	writeUvarintBytes(&buf, body)

	out := buf.Bytes()
	if len(out) > c.maxFrameBytes {
		return nil, NewError(CodeFrameTooBig, "", fmt.Sprintf("encoded frame %d bytes exceeds max %d", len(out), c.maxFrameBytes))
	}
	return out, nil
}

func (c *binaryCodec) Decode(b []byte) (*Frame, error) {
	if len(b) > c.maxFrameBytes {
		return nil, NewError(CodeFrameTooBig, "", fmt.Sprintf("frame %d bytes exceeds max %d", len(b), c.maxFrameBytes))
	}
	r := bytes.NewReader(b)

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil || magic != binaryMagic {
		return nil, NewError(CodeParse, "", "bad magic")
	}
	var checksum uint32
	if err := binary.Read(r, binary.BigEndian, &checksum); err != nil {
		return nil, NewError(CodeParse, "", "truncated checksum")
	}
	sig, err := readUvarintBytes(r)
	if err != nil {
		return nil, NewError(CodeParse, "", "truncated sig")
	}
	nonce, err := readUvarintBytes(r)
	if err != nil {
		return nil, NewError(CodeParse, "", "truncated nonce")
	}
	body, err := readUvarintBytes(r)
	if err != nil {
		return nil, NewError(CodeParse, "", "truncated body")
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, NewError(CodeChecksum, "", "checksum mismatch")
	}
	f, err := decodeCanonicalBody(body)
	if err != nil {
		return nil, NewError(CodeParse, "", fmt.Sprintf("decode body: %v", err))
	}
	f.Sig = string(sig)
	f.Nonce = string(nonce)
	f.Checksum = checksum
	if f.Version > ProtocolMajor {
		return nil, NewError(CodeVersion, "", fmt.Sprintf("frame major version %d unsupported (have %d)", f.Version, ProtocolMajor))
	}
	return f, nil
}

// canonicalBody renders the signed/checksummed prefix described in the
// type doc comment above, in fixed field order, with no dependency on map
// iteration order.
func canonicalBody(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(f.Version))
	writeUvarintBytes(&buf, []byte(f.Type))
	writeUvarintBytes(&buf, []byte(f.SessionID))
	writeUvarintBytes(&buf, []byte(f.StreamID))
	_ = binary.Write(&buf, binary.BigEndian, f.MsgSeq)
	_ = binary.Write(&buf, binary.BigEndian, f.FragSeq)
	flags := sortedFlags(f.Flags)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(flags)))
	for _, fl := range flags {
		writeUvarintBytes(&buf, []byte(fl))
	}
	writeUvarintBytes(&buf, []byte(f.QoS))
	_ = binary.Write(&buf, binary.BigEndian, int32(f.TTL))
	_ = binary.Write(&buf, binary.BigEndian, int32(f.Window.MaxParallel))
	_ = binary.Write(&buf, binary.BigEndian, int32(f.Window.MaxTokens))
	_ = binary.Write(&buf, binary.BigEndian, f.Window.MaxUSDMicros)
	metaJSON, err := marshalMeta(f.Meta)
	if err != nil {
		return nil, err
	}
	writeUvarintBytes(&buf, metaJSON)
	writeUvarintBytes(&buf, f.Payload)
	return buf.Bytes(), nil
}

func decodeCanonicalBody(body []byte) (*Frame, error) {
	r := bytes.NewReader(body)
	f := &Frame{}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	f.Version = int(version)

	typ, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	f.Type = Type(typ)

	sid, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	f.SessionID = string(sid)

	stid, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	f.StreamID = string(stid)

	if err := binary.Read(r, binary.BigEndian, &f.MsgSeq); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &f.FragSeq); err != nil {
		return nil, err
	}

	var nflags uint16
	if err := binary.Read(r, binary.BigEndian, &nflags); err != nil {
		return nil, err
	}
	f.Flags = make(FlagSet, nflags)
	for i := 0; i < int(nflags); i++ {
		fl, err := readUvarintBytes(r)
		if err != nil {
			return nil, err
		}
		f.Flags[Flag(fl)] = struct{}{}
	}

	qos, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	f.QoS = QoS(qos)

	var ttl int32
	if err := binary.Read(r, binary.BigEndian, &ttl); err != nil {
		return nil, err
	}
	f.TTL = int(ttl)

	var maxParallel, maxTokens int32
	var maxUSD int64
	if err := binary.Read(r, binary.BigEndian, &maxParallel); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &maxTokens); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &maxUSD); err != nil {
		return nil, err
	}
	f.Window = Window{MaxParallel: int(maxParallel), MaxTokens: int(maxTokens), MaxUSDMicros: maxUSD}

	metaJSON, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	f.Meta = meta

	payload, err := readUvarintBytes(r)
	if err != nil {
		return nil, err
	}
	f.Payload = payload

	return f, nil
}
