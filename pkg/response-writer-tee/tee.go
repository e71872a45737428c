package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver records what a handler writes so it can be handed back as an
// *http.Response. Writes are optionally passed on to another ResponseWriter.
type ResponseSaver struct {
	rw     http.ResponseWriter
	body   bytes.Buffer
	header http.Header
	status int
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response is written (tee'd) to it as well.
func NewResponseSaver(rw http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     rw,
		header: http.Header{},
	}
}

func (t *ResponseSaver) Header() http.Header {
	return t.header
}

func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.status != 0 {
		return
	}
	t.status = statusCode
	if t.rw != nil {
		dst := t.rw.Header()
		for k, vv := range t.header {
			dst[k] = append([]string(nil), vv...)
		}
		t.rw.WriteHeader(statusCode)
	}
}

func (t *ResponseSaver) Write(b []byte) (int, error) {
	if t.status == 0 {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return t.body.Write(b)
}

// StatusCode returns the recorded status, or 200 if nothing was written yet.
func (t *ResponseSaver) StatusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// Result converts the recorded response into an *http.Response for req.
// A handler that wrote nothing at all results in an empty 200 response.
func (t *ResponseSaver) Result(req *http.Request) *http.Response {
	status := t.StatusCode()
	res := &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header.Clone(),
		Body:          http.NoBody,
		ContentLength: int64(t.body.Len()),
		Request:       req,
	}
	if t.body.Len() > 0 {
		res.Body = io.NopCloser(bytes.NewReader(bytes.Clone(t.body.Bytes())))
	}
	return res
}
