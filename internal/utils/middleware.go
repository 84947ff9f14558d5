package utils

import (
	"compress/gzip"
	"net/http"
)

// GzipResponseWriter sends the body through Writer while headers still go
// to the wrapped ResponseWriter.
type GzipResponseWriter struct {
	http.ResponseWriter
	*gzip.Writer
}

func (w *GzipResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *GzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w *GzipResponseWriter) Flush() {
	w.Writer.Flush()
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
