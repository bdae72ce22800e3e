package apidocs

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

type decodedBody struct {
	decoder  io.ReadCloser
	original io.Closer
}

func (b decodedBody) Read(p []byte) (int, error) {
	return b.decoder.Read(p)
}

func (b decodedBody) Close() error {
	derr := b.decoder.Close()
	oerr := b.original.Close()
	return errors.Join(derr, oerr)
}

func getEncodings(header string) []string {
	var encs []string
	for _, r := range strings.Split(header, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && r != "identity" {
			encs = append(encs, r)
		}
	}

	return encs
}

func newDecoder(enc string, r io.Reader) (io.ReadCloser, error) {
	switch enc {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}
}

// newDecodedBody unwraps the encodings in the reverse order of their
// application.
func newDecodedBody(original io.ReadCloser, encs []string) (io.ReadCloser, error) {
	if len(encs) == 0 {
		return original, nil
	}

	last := len(encs) - 1
	decoder, err := newDecoder(encs[last], original)
	if err != nil {
		return nil, err
	}

	return newDecodedBody(decodedBody{decoder: decoder, original: original}, encs[:last])
}
