package message

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/jellybeanjohnny/go-httpmgr/pkg/errors"
)

// DecompressionFactory wraps a raw body reader with a decoder for one
// Content-Encoding token.
type DecompressionFactory func(reader io.Reader) (io.Reader, error)

var decompressionFactories = map[string]DecompressionFactory{
	"":         func(reader io.Reader) (io.Reader, error) { return reader, nil },
	"identity": func(reader io.Reader) (io.Reader, error) { return reader, nil },
	"gzip":     func(reader io.Reader) (io.Reader, error) { return gzip.NewReader(reader) },
	"deflate":  func(reader io.Reader) (io.Reader, error) { return flate.NewReader(reader), nil },
	"br":       func(reader io.Reader) (io.Reader, error) { return brotli.NewReader(reader), nil },
	"zstd": func(reader io.Reader) (io.Reader, error) {
		r, err := zstd.NewReader(reader)
		if err != nil {
			return nil, err
		}
		return r.IOReadCloser(), nil
	},
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (d *decodedBody) Close() error {
	return d.raw.Close()
}

// DecodedBody returns a reader for the response body with the
// Content-Encoding chain applied in reverse order. Unknown encodings fail
// with a protocol error. The returned reader must be closed; closing it does
// not release the response's underlying storage.
func (r *Response) DecodedBody() (io.ReadCloser, error) {
	raw, err := r.Body.Reader()
	if err != nil {
		return nil, err
	}

	encodings := parseEncodings(r.Header("Content-Encoding"))

	var reader io.Reader = raw
	// Last applied encoding is decoded first.
	for i := len(encodings) - 1; i >= 0; i-- {
		factory, ok := decompressionFactories[encodings[i]]
		if !ok {
			raw.Close()
			return nil, errors.NewProtocolError("unsupported content encoding: "+encodings[i], nil)
		}
		reader, err = factory(reader)
		if err != nil {
			raw.Close()
			return nil, errors.NewProtocolError("initializing decoder for "+encodings[i], err)
		}
	}

	return &decodedBody{Reader: reader, raw: raw}, nil
}

func parseEncodings(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	encodings := make([]string, 0, len(parts))
	for _, p := range parts {
		encodings = append(encodings, strings.ToLower(strings.TrimSpace(p)))
	}
	return encodings
}
