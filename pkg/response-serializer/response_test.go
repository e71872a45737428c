package serializer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestFromResponseKeepsBodyReadable(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/css"}},
		Body:       io.NopCloser(strings.NewReader("body{}")),
	}
	s, err := FromResponse(res)
	if err != nil {
		t.Fatal(err)
	}
	if string(s.Body) != "body{}" {
		t.Fatalf("Snapshot body: %s", s.Body)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "body{}" {
		t.Fatalf("Response body after snapshot: %s", body)
	}
}

func TestSnapshotSerialization(t *testing.T) {
	storedAt := time.Unix(1700000000, 0)
	s := Snapshot{
		StatusCode: 201,
		Header:     http.Header{"Test": {"-ing"}},
		Body:       []byte("hello"),
		StoredAt:   storedAt,
	}
	bts, err := SnapshotToBytes(s)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	s2, err := BytesToSnapshot(bts)
	if err != nil {
		t.Fatalf("Error creating snapshot: %+v", err)
	}
	if s2.StatusCode != 201 || string(s2.Body) != "hello" {
		t.Fatalf("Snapshot is %d %s", s2.StatusCode, s2.Body)
	}
	if s2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", s2.Header)
	}
	if s2.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header leaked %+v", s2.Header)
	}
	if !s2.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %s", s2.StoredAt)
	}
}

func TestEmptyBodySerialization(t *testing.T) {
	bts, err := SnapshotToBytes(Snapshot{StatusCode: 200, Header: http.Header{}})
	if err != nil {
		t.Fatal(err)
	}
	s, err := BytesToSnapshot(bts)
	if err != nil {
		t.Fatal(err)
	}
	if s.StatusCode != 200 || len(s.Body) != 0 {
		t.Fatalf("Snapshot is %d %q", s.StatusCode, s.Body)
	}
}

func TestOK(t *testing.T) {
	for code, ok := range map[int]bool{200: true, 204: true, 301: false, 404: false, 500: false} {
		if (Snapshot{StatusCode: code}).OK() != ok {
			t.Fatalf("OK() for %d is not %v", code, ok)
		}
	}
}
