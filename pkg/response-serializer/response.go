package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Stored-At"

// Snapshot is an immutable copy of a response taken at the time of caching.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time
}

// OK reports whether the snapshot status indicates success (2xx).
func (s Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode <= 299
}

// FromResponse takes a snapshot of res.
// The body is read completely and res.Body is replaced by a fresh reader over the same bytes,
// so the response can still be sent to the client afterwards.
func FromResponse(res *http.Response) (Snapshot, error) {
	s := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if s.Header == nil {
		s.Header = http.Header{}
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return s, err
		}
		s.Body = body
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	return s, nil
}

// Response creates a new response for req from the snapshot.
// Each call returns an independent body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// The time of storage travels in an extra header which is removed again when reading.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	return responseToBytes(res)
}

// BytesToSnapshot reads a snapshot written by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	s := Snapshot{}
	res, err := bytesToResponse(b)
	if err != nil {
		return s, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return s, err
	}
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		sec, err := strconv.ParseInt(storedAt, 10, 64)
		if err != nil {
			return s, err
		}
		s.StoredAt = time.Unix(sec, 0)
	}
	res.Header.Del(storedAtHeaderName)
	// the wire format carries its own framing
	res.Header.Del("Content-Length")
	s.StatusCode = res.StatusCode
	s.Header = res.Header
	s.Body = body
	return s, nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
