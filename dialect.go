package session

import (
	"strconv"
	"strings"
)

// Dialect abstracts the differences between supported SQL drivers: schema
// bootstrap, placeholder style, write serialization and the classification
// of driver errors the store recovers from.
type Dialect interface {
	// Name identifies the dialect ("postgres", "sqlite").
	Name() string
	// CreateTableSQL returns the bootstrap DDL for a session table.
	CreateTableSQL(table string) string
	// Rebind converts ?-style placeholders to the driver's native style.
	Rebind(query string) string
	// SerializeWrites reports whether write statements must be serialized
	// in-process.
	SerializeWrites() bool
	// IsDuplicateKey reports whether err is a primary-key or unique
	// constraint violation.
	IsDuplicateKey(err error) bool
	// IsEncodingViolation reports whether err is the connection rejecting
	// a payload for character-encoding reasons.
	IsEncodingViolation(err error) bool
}

// rebindNumbered rewrites ? placeholders as $1..$n.
func rebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// validTableName restricts table identifiers to the subset that is safe to
// interpolate into statements: letters, digits and underscores, not starting
// with a digit, at most 63 bytes.
func validTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
