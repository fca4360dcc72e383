// Package puml writes PlantUML diagrams and renders them through a
// PlantUML server.
package puml

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// alphabet is the PlantUML variant of base64.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// Encode compresses text the way PlantUML servers expect in the URL path.
func Encode(text string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return "", fmt.Errorf("failed to deflate diagram: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to deflate diagram: %w", err)
	}
	return encode64(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(s string) (string, error) {
	raw, err := decode64(s)
	if err != nil {
		return "", err
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to inflate diagram: %w", err)
	}
	return string(out), nil
}

func encode64(data []byte) string {
	var sb strings.Builder
	sb.Grow((len(data) + 2) / 3 * 4)
	for i := 0; i < len(data); i += 3 {
		var b1, b2 byte
		b0 := data[i]
		if i+1 < len(data) {
			b1 = data[i+1]
		}
		if i+2 < len(data) {
			b2 = data[i+2]
		}
		sb.WriteByte(alphabet[b0>>2])
		sb.WriteByte(alphabet[((b0&0x3)<<4)|(b1>>4)])
		sb.WriteByte(alphabet[((b1&0xF)<<2)|(b2>>6)])
		sb.WriteByte(alphabet[b2&0x3F])
	}
	return sb.String()
}

func decode64(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("invalid encoded length %d", len(s))
	}
	out := make([]byte, 0, len(s)/4*3)
	for i := 0; i < len(s); i += 4 {
		var v [4]byte
		for j := 0; j < 4; j++ {
			idx := strings.IndexByte(alphabet, s[i+j])
			if idx < 0 {
				return nil, fmt.Errorf("invalid character %q", s[i+j])
			}
			v[j] = byte(idx)
		}
		out = append(out, v[0]<<2|v[1]>>4, v[1]<<4|v[2]>>2, v[2]<<6|v[3])
	}
	return out, nil
}
