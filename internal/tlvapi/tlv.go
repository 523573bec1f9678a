// Package tlvapi implements the legacy binary control channel: length
// prefixed messages carrying type-length-value fields over TCP, with a UDP
// companion for connectionless clients. The gRPC surface and this one drive
// the same session registry.
package tlvapi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// headerLen is the fixed message header: type, flags, 16-bit payload
	// length, all big endian.
	headerLen = 4

	// maxPayload is bounded by the 16-bit length field.
	maxPayload = 0xffff

	// extendedLengthMarker in a field's length byte means a 16-bit length
	// follows for values of 256 bytes and up.
	extendedLengthMarker = 0
)

var (
	// ErrFrameTooLarge indicates a payload that cannot be described by the
	// 16-bit header length.
	ErrFrameTooLarge = errors.New("frame exceeds 16-bit length")
	// ErrTruncated indicates a field runs past the end of its message.
	ErrTruncated = errors.New("truncated field")
)

// TLV is one tagged field inside a message payload.
type TLV struct {
	Tag   uint8
	Value []byte
}

// Message is one framed request or response.
type Message struct {
	Type  MessageType
	Flags uint8
	TLVs  []TLV
}

// Get returns the first field with the given tag.
func (m *Message) Get(tag uint8) ([]byte, bool) {
	for _, f := range m.TLVs {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString returns the field decoded as a string, or "" when absent.
func (m *Message) GetString(tag uint8) string {
	v, _ := m.Get(tag)
	return string(v)
}

// GetU16 returns the field decoded as big-endian uint16, or 0 when absent
// or the wrong width.
func (m *Message) GetU16(tag uint8) uint16 {
	v, ok := m.Get(tag)
	if !ok || len(v) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(v)
}

// GetU32 returns the field decoded as big-endian uint32, or 0 when absent
// or the wrong width.
func (m *Message) GetU32(tag uint8) uint32 {
	v, ok := m.Get(tag)
	if !ok || len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// GetU64 returns the field decoded as big-endian uint64, or 0 when absent
// or the wrong width.
func (m *Message) GetU64(tag uint8) uint64 {
	v, ok := m.Get(tag)
	if !ok || len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Has reports whether the message carries the tag at all, distinguishing an
// absent field from a zero value.
func (m *Message) Has(tag uint8) bool {
	_, ok := m.Get(tag)
	return ok
}

// message construction helpers

func (m *Message) add(tag uint8, value []byte) *Message {
	m.TLVs = append(m.TLVs, TLV{Tag: tag, Value: value})
	return m
}

// PutString appends a string field.
func (m *Message) PutString(tag uint8, s string) *Message {
	return m.add(tag, []byte(s))
}

// PutU16 appends a big-endian uint16 field.
func (m *Message) PutU16(tag uint8, v uint16) *Message {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return m.add(tag, b)
}

// PutU32 appends a big-endian uint32 field.
func (m *Message) PutU32(tag uint8, v uint32) *Message {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return m.add(tag, b)
}

// PutU64 appends a big-endian uint64 field.
func (m *Message) PutU64(tag uint8, v uint64) *Message {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return m.add(tag, b)
}

// Encode frames the message: 4-byte header followed by the packed fields.
func (m *Message) Encode() ([]byte, error) {
	payload, err := encodeTLVs(m.TLVs)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	out[0] = byte(m.Type)
	out[1] = m.Flags
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	return append(out, payload...), nil
}

func encodeTLVs(fields []TLV) ([]byte, error) {
	var out []byte
	for _, f := range fields {
		if len(f.Value) > maxPayload {
			return nil, fmt.Errorf("%w: field 0x%02x", ErrFrameTooLarge, f.Tag)
		}
		out = append(out, f.Tag)
		if len(f.Value) < 256 {
			out = append(out, byte(len(f.Value)))
		} else {
			out = append(out, extendedLengthMarker)
			var ext [2]byte
			binary.BigEndian.PutUint16(ext[:], uint16(len(f.Value)))
			out = append(out, ext[:]...)
		}
		out = append(out, f.Value...)
	}
	return out, nil
}

// Decode parses one framed message from buf. Fields that run past the
// declared payload fail the message; bytes after a cleanly parsed field
// list are ignored.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < headerLen+length {
		return nil, fmt.Errorf("%w: payload wants %d bytes, have %d", ErrTruncated, length, len(buf)-headerLen)
	}
	msg := &Message{Type: MessageType(buf[0]), Flags: buf[1]}
	payload := buf[headerLen : headerLen+length]
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: field header", ErrTruncated)
		}
		tag := payload[0]
		vlen := int(payload[1])
		payload = payload[2:]
		if vlen == extendedLengthMarker {
			if len(payload) < 2 {
				return nil, fmt.Errorf("%w: extended length", ErrTruncated)
			}
			vlen = int(binary.BigEndian.Uint16(payload[:2]))
			payload = payload[2:]
		}
		if len(payload) < vlen {
			return nil, fmt.Errorf("%w: field 0x%02x wants %d bytes", ErrTruncated, tag, vlen)
		}
		msg.TLVs = append(msg.TLVs, TLV{Tag: tag, Value: payload[:vlen]})
		payload = payload[vlen:]
	}
	return msg, nil
}

// ReadMessage reads one framed message from a stream.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	buf := make([]byte, headerLen+length)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[headerLen:]); err != nil {
		// A short payload read means the stream itself broke, not a bad
		// frame.
		return nil, fmt.Errorf("payload: %w", err)
	}
	return Decode(buf)
}

// WriteMessage frames and writes one message to a stream.
func WriteMessage(w io.Writer, m *Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
