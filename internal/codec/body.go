// Package codec implements the size-bounded body capture, content
// decompression, and safe JSON helpers shared by the forwarder and the
// AI detector/parser.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// ProcessBody bounds a captured body to maxSize bytes, serializing raw
// objects as JSON first. It mirrors the source's processBody: the
// truncation sentinel carries the true size so downstream code never
// silently drops how much was cut.
func ProcessBody(raw interface{}, maxSize int64) (body string, truncated bool, size int64) {
	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		return "", false, 0
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return "{}", false, 0
		}
		data = enc
	}

	size = int64(len(data))
	if size > maxSize {
		return fmt.Sprintf("[Body truncated: %d exceeds limit of %d]", size, maxSize), true, size
	}
	return string(data), false, size
}

// Decompress decodes a response body per its Content-Encoding. Any
// decode failure returns the original bytes unchanged — the bytes
// already reached the client untouched, so observation must not fail
// the request.
func Decompress(buf []byte, contentEncoding string) []byte {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch enc {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return buf
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return buf
		}
		return out
	case "br":
		r := brotli.NewReader(bytes.NewReader(buf))
		out, err := io.ReadAll(r)
		if err != nil {
			return buf
		}
		return out
	case "deflate":
		r := flate.NewReader(bytes.NewReader(buf))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return buf
		}
		return out
	case "", "identity":
		return buf
	default:
		return buf
	}
}

// SafeJSONStringify never returns an error; on marshal failure it
// returns the empty-object sentinel so callers can always store the
// result without a branch.
func SafeJSONStringify(v interface{}) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// SafeJSONParse returns nil on any parse failure instead of an error —
// malformed upstream/client JSON must never fail the observation path.
func SafeJSONParse(data []byte) map[string]interface{} {
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// binaryPrefixes and binaryExact name content types that are never
// parsed for AI content.
var binaryPrefixes = []string{"image/", "video/", "audio/"}
var binaryExact = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
	"application/zip":          true,
	"application/gzip":         true,
	"application/x-tar":        true,
}

// IsBinaryContentType reports whether a Content-Type header value names
// a binary payload that should be skipped for AI parsing.
func IsBinaryContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if binaryExact[ct] {
		return true
	}
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}
