package session

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// encodedPrefix marks payloads persisted in their base64 fallback form.
// A raw payload that would itself begin with the marker is force-encoded,
// so a stored value starting with the marker is always the fallback form
// and decoding stays unambiguous.
const encodedPrefix = "_BASE:"

// needsEncoding reports whether data cannot be stored verbatim in a text
// column: invalid UTF-8, NUL bytes, or a payload that starts with the
// fallback marker.
func needsEncoding(data []byte) bool {
	if bytes.HasPrefix(data, []byte(encodedPrefix)) {
		return true
	}
	if !utf8.Valid(data) {
		return true
	}
	return bytes.IndexByte(data, 0) >= 0
}

// encodePayload returns the text form of data: verbatim when text-safe,
// otherwise the marker followed by the base64 encoding of the full payload.
func encodePayload(data []byte) string {
	if needsEncoding(data) {
		return encodeFallback(data)
	}
	return string(data)
}

// encodeFallback unconditionally produces the marker-prefixed base64 form.
func encodeFallback(data []byte) string {
	return encodedPrefix + base64.StdEncoding.EncodeToString(data)
}

// decodePayload reverses encodePayload for any stored value.
func decodePayload(payload string) ([]byte, error) {
	if !strings.HasPrefix(payload, encodedPrefix) {
		return []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload[len(encodedPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return data, nil
}
