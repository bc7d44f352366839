// Encoding of entity attributes into values acceptable as object store
// metadata headers. The wire protocol restricts header values to ASCII, so
// anything outside the printable range is rewritten as a numeric character
// reference. The transform is one-way; nothing ever decodes these back.
package metadata

import (
	"strconv"
	"strings"
	"time"
)

// TimestampFormat renders timestamps with microsecond precision and no
// timezone suffix, e.g. 1970-01-02T03:04:05.000006
const TimestampFormat = "2006-01-02T15:04:05.000000"

// EscapeString replaces every rune outside printable ASCII (0x20-0x7E)
// with &#<codepoint>; and passes ASCII through unchanged.
func EscapeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r <= 0x7e {
			b.WriteRune(r)
		} else {
			b.WriteString("&#")
			b.WriteString(strconv.Itoa(int(r)))
			b.WriteByte(';')
		}
	}
	return b.String()
}

// EscapeMap escapes every value of the given metadata mapping. Keys are
// expected to already be ASCII identifiers and are left untouched.
func EscapeMap(values map[string]string) map[string]string {
	escaped := make(map[string]string, len(values))
	for k, v := range values {
		escaped[k] = EscapeString(v)
	}
	return escaped
}

// FormatTimestamp normalizes a timestamp for storage alongside object
// metadata.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}
