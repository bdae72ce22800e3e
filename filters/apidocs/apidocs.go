/*
Package apidocs provides the filter that prefixes the OpenAPI documents
of the services with their routing prefix, and the handler serving the
swagger-config of the aggregated documentation.

A service publishes its document at /v3/api-docs, and the gateway
exposes it at /<service>/v3/api-docs. The paths of the document are
relative to the service, so the filter rewrites every key of the
top-level "paths" object from "/foo" to "/<service>/foo". The values
are kept verbatim.

Only the successful responses are rewritten. Compressed documents are
decoded first. When the document cannot be read or is not valid JSON,
the response is replaced with a 500 error.
*/
package apidocs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/aiolos/octopus/filters"
	"github.com/aiolos/octopus/metrics"
)

const (
	// DefaultMaxBodySize is the largest document that is rewritten.
	DefaultMaxBodySize = 16 << 20

	serviceKey = "apidocs:service"

	rewrittenKey = "apidocs.rewritten"
	failuresKey  = "apidocs.failures"

	failureMessage = "Failed to process the api documentation"
)

var (
	docsPath = regexp.MustCompile(`^/([^/]+)/v3/api-docs$`)

	errBodyTooLarge = errors.New("api docs body too large")
	errInvalidJSON  = errors.New("api docs body is not valid JSON")
)

// Options configure the documentation filter.
type Options struct {
	// MaxBodySize limits the size of the decoded document, defaults to
	// DefaultMaxBodySize.
	MaxBodySize int64

	Metrics metrics.Metrics
}

type filter struct {
	maxBodySize int64
	metrics     metrics.Metrics
}

// New creates the documentation filter.
func New(o Options) filters.GlobalFilter {
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}

	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &filter{maxBodySize: o.MaxBodySize, metrics: o.Metrics}
}

func (*filter) Name() string { return filters.ApiDocsName }
func (*filter) Order() int   { return filters.ApiDocsOrder }

// ServiceOf returns the service of a documentation path, or false when
// the path is not a documentation path.
func ServiceOf(path string) (string, bool) {
	m := docsPath.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}

	return m[1], true
}

func (f *filter) Request(ctx filters.FilterContext) {
	if serviceID, ok := ServiceOf(ctx.Request().URL.Path); ok {
		ctx.StateBag()[serviceKey] = serviceID
	}
}

func (f *filter) Response(ctx filters.FilterContext) {
	serviceID, ok := ctx.StateBag()[serviceKey].(string)
	if !ok {
		return
	}

	rsp := ctx.Response()
	if rsp == nil || rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		return
	}

	body, err := f.rewrite(ctx, rsp, "/"+serviceID)
	if err != nil {
		f.metrics.IncCounter(failuresKey)
		log.Errorf("Failed to rewrite the api docs of %s: %v", serviceID, err)
		replaceWithError(rsp)
		return
	}

	f.metrics.IncCounter(rewrittenKey)

	rsp.Body = io.NopCloser(bytes.NewReader(body))
	rsp.ContentLength = int64(len(body))
	rsp.TransferEncoding = nil
	rsp.Uncompressed = false
	rsp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	rsp.Header.Del("Transfer-Encoding")
	rsp.Header.Del("Content-Encoding")
}

func (f *filter) rewrite(ctx filters.FilterContext, rsp *http.Response, prefix string) ([]byte, error) {
	original := rsp.Body
	if original == nil {
		original = http.NoBody
	}

	defer original.Close()

	decoded, err := newDecodedBody(original, getEncodings(rsp.Header.Get("Content-Encoding")))
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(decoded, f.maxBodySize+1))
	if err != nil {
		return nil, err
	}

	if err := ctx.Request().Context().Err(); err != nil {
		return nil, err
	}

	if int64(len(data)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, f.maxBodySize)
	}

	return PrefixPaths(data, prefix)
}

func replaceWithError(rsp *http.Response) {
	e := filters.ErrorResponse(http.StatusInternalServerError, failureMessage)
	rsp.StatusCode = e.StatusCode
	rsp.Status = strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode)
	rsp.Header = e.Header
	rsp.Body = e.Body
	rsp.ContentLength = e.ContentLength
	rsp.TransferEncoding = nil
}

// PrefixPaths prefixes the keys of the top-level "paths" object of a
// JSON document. The order of the members and the values are kept. A
// "paths" member that is not an object becomes an empty object.
func PrefixPaths(doc []byte, prefix string) ([]byte, error) {
	if !gjson.ValidBytes(doc) {
		return nil, errInvalidJSON
	}

	root := gjson.ParseBytes(doc)
	if !root.IsObject() || !root.Get("paths").Exists() {
		return doc, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(doc) + 64)
	buf.WriteByte('{')

	first := true
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}

		first = false
		buf.WriteString(key.Raw)
		buf.WriteByte(':')
		if key.String() != "paths" {
			buf.WriteString(value.Raw)
			return true
		}

		err = writePaths(&buf, value, prefix)
		return err == nil
	})

	if err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writePaths(buf *bytes.Buffer, paths gjson.Result, prefix string) error {
	buf.WriteByte('{')
	if !paths.IsObject() {
		buf.WriteByte('}')
		return nil
	}

	first := true
	var err error
	paths.ForEach(func(key, value gjson.Result) bool {
		var k []byte
		k, err = json.Marshal(prefix + key.String())
		if err != nil {
			return false
		}

		if !first {
			buf.WriteByte(',')
		}

		first = false
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteString(value.Raw)
		return true
	})

	buf.WriteByte('}')
	return err
}
