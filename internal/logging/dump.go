package logging

import (
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

// InvalidUTF8 replaces header values and bodies that are not valid UTF-8 in
// debug dumps.
const InvalidUTF8 = "<invalid UTF-8>"

// DumpHeaders renders h one "Key: value" line per value, keys sorted.
func DumpHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(printable(v))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// DumpBody returns body as text, or InvalidUTF8.
func DumpBody(body []byte) string {
	if !utf8.Valid(body) {
		return InvalidUTF8
	}
	return string(body)
}

func printable(s string) string {
	if !utf8.ValidString(s) {
		return InvalidUTF8
	}
	return s
}
