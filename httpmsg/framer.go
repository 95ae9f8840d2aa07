package httpmsg

import (
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/arrowlake/pcap2har/memview"
)

const (
	// minSupportedHTTPMethodLength is len(`GET`).
	minSupportedHTTPMethodLength = 3
	// maxSupportedHTTPMethodLength is len(`CONNECT`).
	maxSupportedHTTPMethodLength = 7
	// maxHTTPRequestURILength follows the de facto 2000-byte convention,
	// doubled for headroom.
	maxHTTPRequestURILength = 4000
	maxHTTPReasonPhraseLength       = 512
	minHTTPResponseStatusLineLength = 12 // len(`HTTP/1.1 200`)
)

var supportedHTTPMethods = []string{
	"GET", "POST", "DELETE", "HEAD", "PUT", "PATCH", "CONNECT", "OPTIONS", "TRACE",
}

var crlf = []byte("\r\n")

func isSupportedMethod(method string) bool {
	for _, m := range supportedHTTPMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Class selects which kind of message a Framer looks for.
type Class int

const (
	ClassRequest Class = iota
	ClassResponse
)

// Framer scans one TCP direction's reassembled byte stream for a sequence
// of HTTP messages of a single Class. A Framer is exhausted by io.EOF (no
// more bytes, cleanly) or by any other error (a framing failure at the
// current offset, permanent for the rest of this Framer's life — the flow
// analyzer treats that as this whole direction failing to parse as Class).
type Framer struct {
	data        memview.MemView
	arrivalTime func(int64) float64
	class       Class
	dropBody    bool
	methods     *MethodQueue

	offset  int64
	failed  bool
	failErr error
}

// NewFramer builds a Framer over data, whose arrival time at a given offset
// is reported by arrivalTime (see TCPDirection.ArrivalTime). methods is the
// MethodQueue shared with the paired direction's Request Framer; a Request
// Framer pushes its parsed method onto methods as it frames one, and a
// Response Framer pops one per message (see MethodQueue's doc comment).
// methods may be nil, in which case HEAD responses are not recognized as
// zero-body.
func NewFramer(data memview.MemView, arrivalTime func(int64) float64, class Class, dropBody bool, methods *MethodQueue) *Framer {
	return &Framer{
		data:        data,
		arrivalTime: arrivalTime,
		class:       class,
		dropBody:    dropBody,
		methods:     methods,
	}
}

// Next frames the next message. Returns exactly one of (request, nil) or
// (nil, response) on success, depending on the Framer's Class.
func (f *Framer) Next() (*Request, *Response, error) {
	if f.failed {
		return nil, nil, f.failErr
	}

	for f.offset < f.data.Len() {
		b := f.data.GetByte(f.offset)
		if b != '\r' && b != '\n' {
			break
		}
		f.offset++
	}
	if f.offset >= f.data.Len() {
		return nil, nil, io.EOF
	}

	start := f.offset
	lineEnd := f.data.Index(f.offset, crlf)
	if lineEnd < 0 {
		return f.fail(errors.Errorf("unterminated start line at offset %d", start))
	}
	line := f.data.SubView(f.offset, lineEnd).String()
	f.offset = lineEnd + 2

	headers, err := f.parseHeaders()
	if err != nil {
		return f.fail(err)
	}

	if f.class == ClassRequest {
		return f.finishRequest(start, line, headers)
	}
	return f.finishResponse(start, line, headers)
}

func (f *Framer) fail(err error) (*Request, *Response, error) {
	f.failed = true
	f.failErr = err
	return nil, nil, err
}

// parseHeaders reads header fields, folding obsolete line continuations,
// until the blank line that ends the header section.
func (f *Framer) parseHeaders() (Headers, error) {
	var headers Headers
	for {
		lineStart := f.offset
		end := f.data.Index(f.offset, crlf)
		if end < 0 {
			return headers, errors.New("unterminated header section")
		}
		if end == lineStart {
			f.offset = end + 2
			return headers, nil
		}

		line := f.data.SubView(lineStart, end).String()
		for {
			next := end + 2
			if next >= f.data.Len() {
				break
			}
			c := f.data.GetByte(next)
			if c != ' ' && c != '\t' {
				break
			}
			contEnd := f.data.Index(next, crlf)
			if contEnd < 0 {
				return headers, errors.New("unterminated header continuation")
			}
			cont := strings.TrimSpace(f.data.SubView(next, contEnd).String())
			line = line + " " + cont
			end = contEnd
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return headers, errors.Errorf("malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		headers.Add(name, value)
		f.offset = end + 2
	}
}

func (f *Framer) finishRequest(start int64, line string, headers Headers) (*Request, *Response, error) {
	method, uri, proto, err := parseRequestLine(line)
	if err != nil {
		return f.fail(err)
	}

	body, dropped, err := f.readBody(headers, bodyPolicyInput{isRequest: true, method: method})
	if err != nil {
		return f.fail(err)
	}
	if f.methods != nil {
		f.methods.push(method)
	}

	end := f.offset
	req := &Request{
		HTTPMessage: HTTPMessage{
			TsStart:      f.arrivalTime(start),
			TsEnd:        f.arrivalTime(end - 1),
			DataConsumed: end - start,
			Headers:      headers,
			Body:         body,
			BodyDropped:  dropped,
		},
		Method: method,
		URI:    uri,
		Proto:  proto,
		Host:   hostFromHeadersOrURI(headers, uri),
	}
	return req, nil, nil
}

func (f *Framer) finishResponse(start int64, line string, headers Headers) (*Request, *Response, error) {
	proto, status, reason, err := parseStatusLine(line)
	if err != nil {
		return f.fail(err)
	}

	method := ""
	if f.methods != nil {
		method, _ = f.methods.pop()
	}

	body, dropped, err := f.readBody(headers, bodyPolicyInput{isRequest: false, method: method, statusCode: status})
	if err != nil {
		return f.fail(err)
	}

	end := f.offset
	resp := &Response{
		HTTPMessage: HTTPMessage{
			TsStart:      f.arrivalTime(start),
			TsEnd:        f.arrivalTime(end - 1),
			DataConsumed: end - start,
			Headers:      headers,
			Body:         body,
			BodyDropped:  dropped,
		},
		Proto:      proto,
		StatusCode: status,
		Reason:     reason,
	}
	return nil, resp, nil
}

func parseRequestLine(line string) (method, uri, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", errors.Errorf("malformed request line %q", line)
	}
	method, uri, proto = parts[0], parts[1], parts[2]

	if len(method) < minSupportedHTTPMethodLength || len(method) > maxSupportedHTTPMethodLength || !isSupportedMethod(method) {
		return "", "", "", errors.Errorf("unsupported method in request line %q", line)
	}
	if len(uri) == 0 || len(uri) > maxHTTPRequestURILength {
		return "", "", "", errors.Errorf("invalid request-URI length in %q", line)
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return "", "", "", errors.Errorf("invalid HTTP version %q", proto)
	}
	return method, uri, proto, nil
}

func parseStatusLine(line string) (proto string, status int, reason string, err error) {
	if len(line) < minHTTPResponseStatusLineLength {
		return "", 0, "", errors.Errorf("status line too short: %q", line)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.Errorf("malformed status line %q", line)
	}
	proto = parts[0]
	if !strings.HasPrefix(proto, "HTTP/") {
		return "", 0, "", errors.Errorf("invalid HTTP version %q", proto)
	}
	status, convErr := strconv.Atoi(parts[1])
	if convErr != nil || status < 100 || status > 599 {
		return "", 0, "", errors.Errorf("invalid status code in %q", line)
	}
	if len(parts) == 3 {
		reason = parts[2]
		if len(reason) > maxHTTPReasonPhraseLength {
			return "", 0, "", errors.Errorf("reason phrase too long in %q", line)
		}
	}
	return proto, status, reason, nil
}

func hostFromHeadersOrURI(headers Headers, uri string) string {
	if h, ok := headers.Get("Host"); ok && h != "" {
		return h
	}
	if u, err := url.Parse(uri); err == nil && u.Host != "" {
		return u.Host
	}
	return ""
}

type bodyPolicyInput struct {
	isRequest  bool
	method     string
	statusCode int
}

// readBody implements §4.4 step 4's priority-ordered body-length policy.
func (f *Framer) readBody(headers Headers, in bodyPolicyInput) (memview.MemView, bool, error) {
	if !in.isRequest {
		if in.statusCode/100 == 1 || in.statusCode == 204 || in.statusCode == 304 || equalFold(in.method, "HEAD") {
			return memview.Empty(), false, nil
		}
	}

	if te, ok := headers.Get("Transfer-Encoding"); ok && endsWithChunked(te) {
		body, err := f.decodeChunked()
		if err != nil {
			return memview.Empty(), false, err
		}
		return f.maybeDropBody(body)
	}

	if cl, ok := headers.Get("Content-Length"); ok {
		n, convErr := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if convErr != nil || n < 0 {
			return memview.Empty(), false, errors.Errorf("invalid Content-Length %q", cl)
		}
		if f.offset+n > f.data.Len() {
			return memview.Empty(), false, errors.New("Content-Length exceeds available data")
		}
		body := f.data.SubView(f.offset, f.offset+n)
		f.offset += n
		return f.maybeDropBody(body)
	}

	if !in.isRequest {
		// No Content-Length, no chunked: connection-close semantics.
		// The direction's stream is already fully materialized, so "end
		// of direction" is simply its length.
		body := f.data.SubView(f.offset, f.data.Len())
		f.offset = f.data.Len()
		return f.maybeDropBody(body)
	}

	return memview.Empty(), false, nil
}

func (f *Framer) maybeDropBody(body memview.MemView) (memview.MemView, bool, error) {
	if f.dropBody {
		return memview.Empty(), true, nil
	}
	return body, false, nil
}

func endsWithChunked(transferEncoding string) bool {
	parts := strings.Split(transferEncoding, ",")
	last := strings.TrimSpace(parts[len(parts)-1])
	return equalFold(last, "chunked")
}

// decodeChunked decodes chunks until the zero-size chunk, discarding
// trailers.
func (f *Framer) decodeChunked() (memview.MemView, error) {
	body := memview.Empty()
	for {
		lineEnd := f.data.Index(f.offset, crlf)
		if lineEnd < 0 {
			return body, errors.New("unterminated chunk size line")
		}
		sizeLine := f.data.SubView(f.offset, lineEnd).String()
		f.offset = lineEnd + 2

		sizeStr := sizeLine
		if idx := strings.IndexByte(sizeLine, ';'); idx >= 0 {
			sizeStr = sizeLine[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return body, errors.Wrapf(err, "invalid chunk size %q", sizeLine)
		}

		if size == 0 {
			return body, f.skipTrailers()
		}

		if f.offset+size > f.data.Len() {
			return body, errors.New("chunk extends past end of direction")
		}
		body.Append(f.data.SubView(f.offset, f.offset+size))
		f.offset += size

		if f.offset+2 > f.data.Len() || f.data.GetByte(f.offset) != '\r' || f.data.GetByte(f.offset+1) != '\n' {
			return body, errors.New("missing CRLF after chunk data")
		}
		f.offset += 2
	}
}

func (f *Framer) skipTrailers() error {
	for {
		end := f.data.Index(f.offset, crlf)
		if end < 0 {
			return errors.New("unterminated trailer section")
		}
		if end == f.offset {
			f.offset = end + 2
			return nil
		}
		f.offset = end + 2
	}
}
