package status

import (
	"strconv"
	"strings"
)

// grpc-message trailer values are percent-encoded UTF-8: bytes outside the
// printable ASCII range (0x20..0x7e) and '%' itself are emitted as %XX.

const hexDigits = "0123456789ABCDEF"

// EncodeMessage percent-encodes a status message for the grpc-message trailer.
func EncodeMessage(msg string) string {
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c < 0x20 || c > 0x7e || c == '%' {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DecodeMessage reverses EncodeMessage. Malformed escapes are kept verbatim
// rather than failing the whole trailer.
func DecodeMessage(msg string) string {
	if !strings.ContainsRune(msg, '%') {
		return msg
	}
	var b strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
