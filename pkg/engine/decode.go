package engine

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, deflate, zstd"

// decodeBody undoes Content-Encoding. Unknown encodings are returned as
// they came. On success the encoding headers are removed.
func decodeBody(h http.Header, body []byte) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	if enc == "" || enc == "identity" || len(body) == 0 {
		return body, nil
	}

	var (
		r   io.Reader
		err error
	)
	switch enc {
	case "gzip", "x-gzip":
		var gz *gzip.Reader
		gz, err = gzip.NewReader(bytes.NewReader(body))
		if err == nil {
			defer gz.Close()
			r = gz
		}
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		r = fl
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(body))
		if err == nil {
			defer zr.Close()
			r = zr
		}
	default:
		return body, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", enc, err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", enc, err)
	}
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	return out, nil
}
