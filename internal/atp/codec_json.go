package atp

import (
	"encoding/json"
	"fmt"
)

// jsonCodec is the debugging/negotiation representation: a UTF-8 JSON
// object with the exact field names spec.md §6 lists.
type jsonCodec struct {
	maxFrameBytes int
}

func (c *jsonCodec) Encoding() Encoding { return EncodingJSON }

// wireFrame mirrors Frame but renders FlagSet as a sorted string slice,
// since map iteration order is not deterministic and spec.md §8 requires
// round-trip determinism.
type wireFrame struct {
	Version   int             `json:"v"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id"`
	StreamID  string          `json:"stream_id"`
	MsgSeq    uint64          `json:"msg_seq"`
	FragSeq   uint64          `json:"frag_seq"`
	Flags     []string        `json:"flags"`
	QoS       QoS             `json:"qos"`
	TTL       int             `json:"ttl"`
	Window    Window          `json:"window"`
	Meta      Meta            `json:"meta"`
	Payload   json.RawMessage `json:"payload"`
	Sig       string          `json:"sig,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
}

func (c *jsonCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, NewError(CodeEncode, "", "nil frame")
	}
	w := wireFrame{
		Version: f.Version, Type: f.Type, SessionID: f.SessionID, StreamID: f.StreamID,
		MsgSeq: f.MsgSeq, FragSeq: f.FragSeq, Flags: sortedFlags(f.Flags), QoS: f.QoS,
		TTL: f.TTL, Window: f.Window, Meta: f.Meta, Payload: f.Payload, Sig: f.Sig, Nonce: f.Nonce,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, NewError(CodeEncode, "", fmt.Sprintf("marshal frame: %v", err))
	}
	if len(b) > c.maxFrameBytes {
		return nil, NewError(CodeFrameTooBig, "", fmt.Sprintf("encoded frame %d bytes exceeds max %d", len(b), c.maxFrameBytes))
	}
	return b, nil
}

func (c *jsonCodec) Decode(b []byte) (*Frame, error) {
	if len(b) > c.maxFrameBytes {
		return nil, NewError(CodeFrameTooBig, "", fmt.Sprintf("frame %d bytes exceeds max %d", len(b), c.maxFrameBytes))
	}
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, NewError(CodeParse, "", fmt.Sprintf("unmarshal frame: %v", err))
	}
	if w.Version > ProtocolMajor {
		return nil, NewError(CodeVersion, "", fmt.Sprintf("frame major version %d unsupported (have %d)", w.Version, ProtocolMajor))
	}
	flags := make(FlagSet, len(w.Flags))
	for _, s := range w.Flags {
		flags[Flag(s)] = struct{}{}
	}
	f := &Frame{
		Version: w.Version, Type: w.Type, SessionID: w.SessionID, StreamID: w.StreamID,
		MsgSeq: w.MsgSeq, FragSeq: w.FragSeq, Flags: flags, QoS: w.QoS, TTL: w.TTL,
		Window: w.Window, Meta: w.Meta, Payload: w.Payload, Sig: w.Sig, Nonce: w.Nonce,
	}
	return f, nil
}

func sortedFlags(fs FlagSet) []string {
	out := make([]string, 0, len(fs))
	for f := range fs {
		out = append(out, string(f))
	}
	// Insertion sort is fine: flag sets are tiny (< 10 elements).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
