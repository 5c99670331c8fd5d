package handlers

import (
	"bytes"
	"net/http"
)

// httpSink streams chunks straight to the response, flushing after every
// write so SSE and raw-audio clients see bytes as they arrive.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	f, _ := w.(http.Flusher)
	return &httpSink{w: w, flusher: f}
}

func (s *httpSink) Write(chunk []byte) error {
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// bufferSink accumulates chunks for the non-streaming case, where the
// full payload is written in one response (spec.md §6 /audio/speech).
type bufferSink struct {
	buf bytes.Buffer
}

func (s *bufferSink) Write(chunk []byte) error {
	_, err := s.buf.Write(chunk)
	return err
}
