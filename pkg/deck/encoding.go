package deck

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Accepted encoding names for Payload.Encoding. Latin-1 is the single-byte
// escape hatch for decks produced by legacy tooling: every byte maps to the
// code point of the same value. It is not an i18n facility.
const (
	EncodingUTF8   = "utf-8"
	EncodingLatin1 = "latin-1"
)

// decodeBytes converts decoded payload bytes to deck text per the declared
// encoding. UTF-8 takes the bytes verbatim.
func decodeBytes(raw []byte, name string) (string, error) {
	switch normalizeEncoding(name) {
	case EncodingUTF8:
		return string(raw), nil
	case EncodingLatin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode latin-1 deck: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", ErrInvalidPayload, name)
	}
}

func normalizeEncoding(name string) string {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return EncodingUTF8
	case "latin-1", "latin1", "iso-8859-1", "legacy":
		return EncodingLatin1
	default:
		return name
	}
}
