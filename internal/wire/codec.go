package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to defend the daemon against a peer
// that claims an absurd length prefix.
const MaxFrameSize = 16 << 20 // 16 MiB

// wireEnvelope is the on-the-wire JSON projection of Message. Kept separate
// from Message so the in-memory type can carry bookkeeping (refs) that never
// needs to round-trip.
type wireEnvelope struct {
	Kind        Kind   `json:"kind"`
	Serial      uint32 `json:"serial"`
	ReplySerial uint32 `json:"reply_serial,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Destination string `json:"destination,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Member      string `json:"member,omitempty"`
	Path        string `json:"path,omitempty"`
	ErrorName   string `json:"error_name,omitempty"`
	Args        []any  `json:"args,omitempty"`
}

func toEnvelope(m *Message) wireEnvelope {
	return wireEnvelope{
		Kind:        m.Kind,
		Serial:      m.Serial,
		ReplySerial: m.ReplySerial,
		Sender:      m.Sender,
		Destination: m.Destination,
		Interface:   m.Interface,
		Member:      m.Member,
		Path:        m.Path,
		ErrorName:   m.ErrorName,
		Args:        m.Args,
	}
}

func (e wireEnvelope) toMessage() *Message {
	return &Message{
		Kind:        e.Kind,
		Serial:      e.Serial,
		ReplySerial: e.ReplySerial,
		Sender:      e.Sender,
		Destination: e.Destination,
		Interface:   e.Interface,
		Member:      e.Member,
		Path:        e.Path,
		ErrorName:   e.ErrorName,
		Args:        e.Args,
	}
}

// Marshal serializes a Message as a length-prefixed JSON frame:
// a 4-byte big-endian length followed by that many bytes of JSON.
func Marshal(m *Message) ([]byte, error) {
	body, err := json.Marshal(toEnvelope(m))
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("wire: message too large (%d bytes)", len(body))
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Reader decodes a stream of length-prefixed frames, one Message at a time.
// It is the concrete implementation of spec.md §6's "non-blocking read
// producing zero or more parsed messages": ReadMessage blocks only on the
// underlying reader, until one whole frame has arrived.
// transport.UnixConn.PumpOneFrame calls it once per readable notification.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

func (r *Reader) ReadMessage() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return nil, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return env.toMessage(), nil
}

// MarshalBare encodes a Message as bare JSON with no length prefix, for
// transports (like WebSocket) that carry their own framing.
func MarshalBare(m *Message) ([]byte, error) {
	return json.Marshal(toEnvelope(m))
}

// UnmarshalBare decodes a bare JSON frame produced by MarshalBare.
func UnmarshalBare(body []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return env.toMessage(), nil
}
