package atp

import (
	"context"
)

// Encoding selects which wire representation a session uses for its
// lifetime (spec.md §4.1: "a session uses one encoding for its lifetime").
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingBinary Encoding = "binary"
)

// Codec transforms Frame records to and from wire bytes. Both the JSON and
// binary codecs implement this interface so the Session Manager can hold a
// single Codec reference chosen at handshake time.
type Codec interface {
	Encoding() Encoding
	Encode(f *Frame) ([]byte, error)
	Decode(b []byte) (*Frame, error)
}

// MaxFrameBytes is the default ceiling before EFRAMETOOBIG (spec.md §6,
// protocol.max_frame_bytes).
const MaxFrameBytes = 1 << 20 // 1 MiB

// CodecFor returns the codec for the negotiated encoding.
func CodecFor(enc Encoding, maxFrameBytes int) Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = MaxFrameBytes
	}
	switch enc {
	case EncodingBinary:
		return &binaryCodec{maxFrameBytes: maxFrameBytes}
	default:
		return &jsonCodec{maxFrameBytes: maxFrameBytes}
	}
}

// verifySigner describes a holder of the session key that can compute and
// verify a Frame signature, kept separate from Codec so the codec itself
// never sees key material. No type in this package implements or uses it.
type verifySigner interface {
	Sign(ctx context.Context, canonical []byte) (string, error)
	Verify(ctx context.Context, canonical []byte, sig string) error
}
