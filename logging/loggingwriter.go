package logging

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// LoggingWriter wraps the response writer of the incoming request, and
// records the status code and the number of bytes written, for the access
// log and the metrics.
type LoggingWriter struct {
	writer http.ResponseWriter
	code   int
	bytes  int64
}

// NewLoggingWriter wraps a response writer.
func NewLoggingWriter(writer http.ResponseWriter) *LoggingWriter {
	return &LoggingWriter{writer: writer}
}

func (lw *LoggingWriter) Write(data []byte) (count int, err error) {
	if lw.code == 0 {
		lw.code = http.StatusOK
	}

	count, err = lw.writer.Write(data)
	lw.bytes += int64(count)
	return
}

func (lw *LoggingWriter) WriteHeader(code int) {
	lw.writer.WriteHeader(code)
	if code == 0 {
		code = http.StatusOK
	}

	lw.code = code
}

func (lw *LoggingWriter) Header() http.Header {
	return lw.writer.Header()
}

func (lw *LoggingWriter) Flush() {
	if f, ok := lw.writer.(http.Flusher); ok {
		f.Flush()
	}
}

func (lw *LoggingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hij, ok := lw.writer.(http.Hijacker)
	if ok {
		return hij.Hijack()
	}

	return nil, nil, errors.New("could not hijack connection")
}

// Unwrap returns the wrapped writer, used by http.ResponseController.
func (lw *LoggingWriter) Unwrap() http.ResponseWriter {
	return lw.writer
}

// GetCode returns the status code written, or zero when nothing was
// written yet.
func (lw *LoggingWriter) GetCode() int {
	return lw.code
}

// GetBytes returns the number of body bytes written.
func (lw *LoggingWriter) GetBytes() int64 {
	return lw.bytes
}
