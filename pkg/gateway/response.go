package gateway

import (
	"bytes"
	"net/http"
)

// bufferedResponse captures a backend's response so the gateway can
// decide whether to forward it or discard it after a timeout.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

// flush copies the captured response to the real writer and returns
// the status code it wrote.
func (b *bufferedResponse) flush(w http.ResponseWriter) int {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	if b.body.Len() > 0 {
		w.Write(b.body.Bytes()) //nolint:errcheck
	}
	return b.status
}
