// Package framing implements Triple message framing, identical to gRPC on
// the wire: each message is a 5-byte prefix followed by the payload.
//
// Frame format:
//
//	0         1         5
//	┌─────────┬─────────┬────────────────┐
//	│compress │ length  │   payload ...   │
//	│ 1 byte  │ uint32  │  length bytes   │
//	└─────────┴─────────┴────────────────┘
//
// The length is big-endian. The compress flag is 0 for identity and 1 for a
// compressed payload; this package only carries the flag, it never
// compresses.
package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PrefixSize is the fixed message prefix length.
const PrefixSize = 5

// DefaultMaxMessageSize bounds a single decoded payload (4 MiB).
const DefaultMaxMessageSize = 4 * 1024 * 1024

// Frame is one decoded length-prefixed message.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// ErrFrameTooLarge reports a declared length beyond the decoder's limit.
type ErrFrameTooLarge struct {
	Declared int
	Limit    int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("framing: declared frame length %d exceeds limit %d", e.Declared, e.Limit)
}

// Encode produces the wire form of one message: prefix + payload.
func Encode(payload []byte, compressed bool) []byte {
	buf := make([]byte, PrefixSize+len(payload))
	if compressed {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:PrefixSize], uint32(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf
}

// Decoder incrementally reassembles frames from arbitrarily chunked input.
// Feed bytes with Write, drain complete frames with Next.
type Decoder struct {
	buf bytes.Buffer
	max int
}

// NewDecoder creates a decoder with the given payload size limit;
// maxMessageSize <= 0 selects DefaultMaxMessageSize.
func NewDecoder(maxMessageSize int) *Decoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Decoder{max: maxMessageSize}
}

// Write appends a chunk of wire bytes. It never fails; errors surface from
// Next once the prefix of the offending frame is readable.
func (d *Decoder) Write(chunk []byte) {
	d.buf.Write(chunk)
}

// Next returns the next complete frame, or (nil, nil) when more input is
// needed. A declared length above the limit returns *ErrFrameTooLarge.
func (d *Decoder) Next() (*Frame, error) {
	if d.buf.Len() < PrefixSize {
		return nil, nil
	}
	prefix := d.buf.Bytes()[:PrefixSize]
	length := int(binary.BigEndian.Uint32(prefix[1:]))
	if length > d.max {
		return nil, &ErrFrameTooLarge{Declared: length, Limit: d.max}
	}
	if d.buf.Len() < PrefixSize+length {
		return nil, nil
	}
	compressed := prefix[0] != 0
	d.buf.Next(PrefixSize)
	payload := make([]byte, length)
	copy(payload, d.buf.Next(length))
	return &Frame{Compressed: compressed, Payload: payload}, nil
}

// Buffered reports the bytes held but not yet consumed as frames.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
