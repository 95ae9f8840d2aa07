// Package har builds the HAR-shaped output tree (§6) from a reconstructed
// harsession.Session. It owns no serializer: the tree it returns is plain,
// JSON-taggable Go structs, ready to be handed to encoding/json (or any
// other encoder) by the caller, exactly as §1 treats the serializer as an
// external collaborator.
//
// Grounded on _examples/original_source/pcap2har/httpsession.py's
// json_repr methods for the timings sub-object's field names, in
// particular the non-standard "_gap" key.
package har

import (
	"sort"
	"strings"
	"time"

	"github.com/arrowlake/pcap2har/harsession"
	"github.com/arrowlake/pcap2har/httpmsg"
	"github.com/arrowlake/pcap2har/mempool"
	"github.com/arrowlake/pcap2har/memview"
	"github.com/arrowlake/pcap2har/slices"
)

const harVersion = "1.1"

// bodyPoolChunkBytes/bodyPoolMaxBytes bound the scratch pool used to
// materialize Content.Text/PostData.Text. Without it, a request/response
// body's Text field would alias the owning TCPDirection's full reassembled
// buffer (memview.MemView sub-views share backing storage), keeping every
// direction's entire byte stream reachable for as long as the output tree
// is, long after the pipeline itself is done with it.
const (
	bodyPoolChunkBytes = 64 << 10
	bodyPoolMaxBytes   = 16 << 20
)

var bodyPool, _ = mempool.MakeBufferPool(bodyPoolMaxBytes, bodyPoolChunkBytes)

// materializeBody copies body's bytes out through the pool-backed buffer
// and releases the buffer's chunks back to the pool before returning,
// rather than returning a string that keeps the buffer's storage pinned.
func materializeBody(body memview.MemView) string {
	buf := bodyPool.NewBuffer()
	defer buf.Release()
	if _, err := buf.ReadFrom(body.CreateReader()); err != nil {
		return body.String()
	}
	return buf.Bytes().String()
}

// Log is the root of the output tree (§6).
type Log struct {
	Version string   `json:"version"`
	Creator Creator  `json:"creator"`
	Browser *Browser `json:"browser,omitempty"`
	Entries []Entry  `json:"entries"`
	Pages   []Page   `json:"pages,omitempty"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Browser names the trace's dominant user agent, or is omitted entirely
// when the session never saw one.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Page is one page-tracker-assigned group and its aggregated network load
// time, in milliseconds.
type Page struct {
	ID              string  `json:"id"`
	NetworkLoadTime float64 `json:"networkLoadTime"`
}

// Timings mirrors httpsession.py's json_repr timings sub-object exactly,
// including the non-standard "_gap" key the standard HAR schema and
// martian/v3/har do not have.
type Timings struct {
	Blocked int64 `json:"blocked"`
	DNS     int64 `json:"dns"`
	Connect int64 `json:"connect"`
	Gap     int64 `json:"_gap"`
	Send    int64 `json:"send"`
	Wait    int64 `json:"wait"`
	Receive int64 `json:"receive"`
}

// Entry is one serialized HTTP transaction (§6).
type Entry struct {
	StartedDateTime string   `json:"startedDateTime,omitempty"`
	Time            int64    `json:"time"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	Timings         Timings  `json:"timings"`
	Cache           struct{} `json:"cache"`
	PageRef         string   `json:"pageref,omitempty"`
}

type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type PostData struct {
	MimeType string          `json:"mimeType"`
	Params   []NameValuePair `json:"params,omitempty"`
	Text     string          `json:"text"`
}

type Content struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// Request is the HAR-shaped request side of an Entry. It is built fresh
// from httpmsg.Request rather than sharing its type, since the wire
// framing representation and the serialized representation diverge (query
// string decomposition, postData wrapping).
type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	Cookies     []NameValuePair `json:"cookies"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
	PostData    *PostData       `json:"postData,omitempty"`
}

type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []NameValuePair `json:"headers"`
	Cookies     []NameValuePair `json:"cookies"`
	Content     Content         `json:"content"`
	RedirectURL string          `json:"redirectURL"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
}

// Config is the caller-chosen creator identity stamped into every output
// tree; it is not part of the core's own configuration (§9 — the core has
// no opinion on how the output names itself).
type Config struct {
	CreatorName    string
	CreatorVersion string
}

// Build converts a reconstructed Session into the output tree, sorted by
// ts_start ascending (§6). pages is nil when page tracking was disabled;
// when non-nil it supplies the final per-page network load times computed
// by the external PageTracker.
func Build(sess *harsession.Session, pages []Page, cfg Config) Log {
	log := Log{
		Version: harVersion,
		Creator: Creator{Name: cfg.CreatorName, Version: cfg.CreatorVersion},
	}

	if sess.HasDominantUA {
		// httpsession.py's json_repr never parses a version out of the
		// user-agent string either; it stamps the same literal placeholder.
		log.Browser = &Browser{Name: sess.DominantUserAgent, Version: "mumble"}
	}

	entries := make([]Entry, len(sess.Entries))
	for i, e := range sess.Entries {
		entries[i] = buildEntry(e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartedDateTime < entries[j].StartedDateTime
	})
	log.Entries = entries

	if pages != nil {
		log.Pages = pages
	}

	return log
}

func buildEntry(e *harsession.Entry) Entry {
	out := Entry{
		Time:    msToInt(e.TotalTime),
		Request: buildRequest(e.Request),
		Timings: Timings{
			Blocked: msToInt(e.TimeBlocked),
			DNS:     msToInt(e.TimeDNSing),
			Connect: msToInt(e.TimeConnecting),
			Gap:     msToInt(e.TimeGap),
			Send:    msToInt(e.TimeSending),
			Wait:    msToInt(e.TimeWaiting),
			Receive: msToInt(e.TimeReceiving),
		},
	}
	if e.HasPageRef {
		out.PageRef = e.PageRef
	}
	if ts, ok := e.TsStart.Get(); ok {
		out.StartedDateTime = time.Unix(0, int64(ts*float64(time.Millisecond))).UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if e.Response != nil {
		out.Response = buildResponse(e.Response)
	} else {
		out.Response = Response{Status: 0, StatusText: "", HTTPVersion: "", Headers: []NameValuePair{}}
	}
	return out
}

// msToInt truncates a millisecond float to an integer, preserving the -1
// unknown sentinel exactly.
func msToInt(ms float64) int64 {
	if ms < 0 {
		return -1
	}
	return int64(ms)
}

func buildRequest(req *httpmsg.Request) Request {
	out := Request{
		Method:      req.Method,
		URL:         requestURL(req),
		HTTPVersion: req.Proto,
		Headers:     headerPairs(&req.Headers),
		QueryString: queryPairs(req.URI),
		Cookies:     cookiePairs(&req.Headers),
		HeadersSize: -1,
		BodySize:    req.Body.Len(),
	}
	if req.Body.Len() > 0 || req.BodyDropped {
		out.PostData = &PostData{
			MimeType: firstHeader(&req.Headers, "Content-Type"),
			Text:     materializeBody(req.Body),
		}
	}
	return out
}

func buildResponse(resp *httpmsg.Response) Response {
	return Response{
		Status:      resp.StatusCode,
		StatusText:  resp.Reason,
		HTTPVersion: resp.Proto,
		Headers:     headerPairs(&resp.Headers),
		Cookies:     cookiePairs(&resp.Headers),
		Content: Content{
			Size:     resp.Body.Len(),
			MimeType: firstHeader(&resp.Headers, "Content-Type"),
			Text:     materializeBody(resp.Body),
		},
		HeadersSize: -1,
		BodySize:    resp.Body.Len(),
	}
}

func requestURL(req *httpmsg.Request) string {
	if strings.HasPrefix(req.URI, "http://") || strings.HasPrefix(req.URI, "https://") {
		return req.URI
	}
	host := req.Host
	if host == "" {
		host = firstHeader(&req.Headers, "Host")
	}
	if host == "" {
		return req.URI
	}
	return "http://" + host + req.URI
}

func headerPairs(h *httpmsg.Headers) []NameValuePair {
	return slices.Map(h.All(), func(nv httpmsg.NameValue) NameValuePair {
		return NameValuePair{Name: nv.Name, Value: nv.Value}
	})
}

func cookiePairs(h *httpmsg.Headers) []NameValuePair {
	var out []NameValuePair
	for _, header := range []string{"Cookie", "Set-Cookie"} {
		for _, v := range h.Values(header) {
			for _, part := range strings.Split(v, ";") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				name, value, found := strings.Cut(part, "=")
				if !found {
					continue
				}
				out = append(out, NameValuePair{Name: strings.TrimSpace(name), Value: value})
			}
		}
	}
	return out
}

func firstHeader(h *httpmsg.Headers, name string) string {
	v, _ := h.Get(name)
	return v
}

// queryPairs decomposes a request-target's query string into name/value
// pairs without involving net/url's full URL model, since req.URI is a
// request-target (method-dependent form), not necessarily a valid URL.
func queryPairs(uri string) []NameValuePair {
	_, query, found := strings.Cut(uri, "?")
	if !found || query == "" {
		return nil
	}
	var out []NameValuePair
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		out = append(out, NameValuePair{Name: name, Value: value})
	}
	return out
}
