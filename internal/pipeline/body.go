package pipeline

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// decodedBody returns body decompressed according to the Content-Encoding
// header, for plugin inspection (body-fragment matching in C6, usage
// parsing in C10). Plugins only ever see decoded bytes; the wire body
// forwarded upstream is untouched by this function.
func decodedBody(header http.Header, body []byte) []byte {
	switch header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return body
		}
		return out
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}
