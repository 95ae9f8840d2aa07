package httpmsg

import (
	"io"
	"testing"

	"github.com/arrowlake/pcap2har/memview"
)

// fixedArrival returns an arrivalTime function that always reports ts,
// sufficient for tests that don't exercise per-byte timing.
func fixedArrival(ts float64) func(int64) float64 {
	return func(int64) float64 { return ts }
}

func TestRequestRoundTrip(t *testing.T) {
	raw := "GET /index.html?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Foo: bar\r\n\r\n"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassRequest, false, nil)

	req, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response from a request framer")
	}
	if req.Method != "GET" || req.URI != "/index.html?x=1" || req.Proto != "HTTP/1.1" {
		t.Errorf("request line mismatch: %+v", req)
	}
	if h, ok := req.Headers.Get("host"); !ok || h != "example.com" {
		t.Errorf("Host header = %q, %v", h, ok)
	}
	if req.Body.Len() != 0 {
		t.Errorf("expected zero-length body, got %d bytes", req.Body.Len())
	}
	if req.DataConsumed != int64(len(raw)) {
		t.Errorf("data_consumed = %d, want %d", req.DataConsumed, len(raw))
	}

	if _, _, err := f.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestResponseWithContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, nil)

	_, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.StatusCode != 200 || resp.Reason != "OK" {
		t.Errorf("status line mismatch: %+v", resp)
	}
	if resp.Body.String() != "abc" {
		t.Errorf("body = %q, want abc", resp.Body.String())
	}
}

func TestChunkedResponseWithTrailers(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Trailer: ignored\r\n\r\n"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, nil)

	_, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.Body.String() != "Wikipedia" {
		t.Errorf("body = %q, want Wikipedia", resp.Body.String())
	}
}

func TestResponseClosedConnectionConsumesToEOF(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nthe rest of the stream"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, nil)

	_, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.Body.String() != "the rest of the stream" {
		t.Errorf("body = %q", resp.Body.String())
	}
	if _, _, err := f.Next(); err != io.EOF {
		t.Errorf("expected EOF after consuming to end of direction, got %v", err)
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	methods := &MethodQueue{}
	methods.push("HEAD")

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n" // body bytes would follow on a real HEAD reply but there are none
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, methods)

	_, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.Body.Len() != 0 {
		t.Errorf("expected empty body for HEAD response, got %d bytes", resp.Body.Len())
	}
}

func TestNoContentResponseHasNoBody(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\n\r\n"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, nil)

	_, resp, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if resp.Body.Len() != 0 {
		t.Errorf("expected empty body for 204, got %d bytes", resp.Body.Len())
	}
}

func TestDuplicateHeadersJoinedWithComma(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: x\r\nX-Multi: a\r\nX-Multi: b\r\n\r\n"
	f := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassRequest, false, nil)

	req, _, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if v, ok := req.Headers.Get("x-multi"); !ok || v != "a, b" {
		t.Errorf("joined header = %q, %v, want \"a, b\"", v, ok)
	}
}

func TestBodyDropPreservesDataConsumed(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

	f1 := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, false, nil)
	_, kept, err := f1.Next()
	if err != nil {
		t.Fatalf("Next (kept): %v", err)
	}

	f2 := NewFramer(memview.New([]byte(raw)), fixedArrival(1.0), ClassResponse, true, nil)
	_, dropped, err := f2.Next()
	if err != nil {
		t.Fatalf("Next (dropped): %v", err)
	}

	if kept.DataConsumed != dropped.DataConsumed {
		t.Errorf("data_consumed differs: kept=%d dropped=%d", kept.DataConsumed, dropped.DataConsumed)
	}
	if !dropped.BodyDropped || dropped.Body.Len() != 0 {
		t.Errorf("expected dropped body to be empty and marked, got %+v", dropped)
	}
	if kept.Body.String() != "hello" {
		t.Errorf("kept body = %q, want hello", kept.Body.String())
	}
}

func TestMalformedRequestLineFails(t *testing.T) {
	f := NewFramer(memview.New([]byte("not a request\r\n\r\n")), fixedArrival(1.0), ClassRequest, false, nil)
	if _, _, err := f.Next(); err == nil {
		t.Fatal("expected a framing error")
	}
	// The Framer is permanently failed after the first error.
	if _, _, err := f.Next(); err == nil {
		t.Fatal("expected the Framer to stay failed")
	}
}
