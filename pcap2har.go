// Package gopcap ties components A through H together into a single
// offline, single-threaded reconstruction run (§2's data-flow line: raw
// frames → A → B → C/F → D → E → G → H → output model).
//
// Grounded on mel2oo-go-pcap's root pcap.go/reader.go, which drove the
// teacher's own capture-to-output loop; this version replaces the
// teacher's async reassembly.Assembler loop with the synchronous pipeline
// SPEC_FULL.md's ambient stack describes, one record pulled from capture
// at a time.
package gopcap

import (
	"io"

	"github.com/arrowlake/pcap2har/capture"
	"github.com/arrowlake/pcap2har/dnstrack"
	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/frame"
	"github.com/arrowlake/pcap2har/har"
	"github.com/arrowlake/pcap2har/harsession"
	"github.com/arrowlake/pcap2har/pdispatch"
	"github.com/arrowlake/pcap2har/tcpflow"
)

// Options is the session's explicit, constructor-passed configuration.
// Per §9 there is no ambient/package-level configuration — every run
// builds its own Options via functional options, exactly as
// mel2oo-go-pcap/pcap/option.go configures a capture run.
type Options struct {
	dropResponseBodies      bool
	processPages            bool
	keepUnfulfilledRequests bool
	maxBufferedBytes        int64
	bpf                     string
	creatorName             string
	creatorVersion          string
}

// Option configures a Run. There is no ambient/package-level default.
type Option func(*Options)

// WithDropResponseBodies configures the HTTP framer to discard message
// bodies after framing (§4.4), retaining data_consumed.
func WithDropResponseBodies(drop bool) Option {
	return func(o *Options) { o.dropResponseBodies = drop }
}

// WithProcessPages enables the page-tracker integration (§6, §9). When
// disabled, the output model's log.pages is omitted and no Pages value
// need be supplied to Run or RunFile.
func WithProcessPages(enabled bool) Option {
	return func(o *Options) { o.processPages = enabled }
}

// WithKeepUnfulfilledRequests retains entries whose request never got a
// response, with null-sentinel timings (§8 scenario 4).
func WithKeepUnfulfilledRequests(keep bool) Option {
	return func(o *Options) { o.keepUnfulfilledRequests = keep }
}

// WithMaxBufferedBytes caps the per-direction reassembly gap buffer
// (§5's recommended default is 16 MiB, tcpflow.DefaultMaxBufferedBytes,
// which buildOptions applies when this option is never set).
func WithMaxBufferedBytes(n int64) Option {
	return func(o *Options) { o.maxBufferedBytes = n }
}

// WithBPFFilter applies a capture filter to an offline or live source
// (mirrors mel2oo-go-pcap/pcap/option.go's WithBPF).
func WithBPFFilter(bpf string) Option {
	return func(o *Options) { o.bpf = bpf }
}

// WithCreator stamps the output model's log.creator (§6 — "implementation
// chosen").
func WithCreator(name, version string) Option {
	return func(o *Options) { o.creatorName, o.creatorVersion = name, version }
}

func buildOptions(opts []Option) Options {
	o := Options{
		maxBufferedBytes: tcpflow.DefaultMaxBufferedBytes,
		creatorName:      "pcap2har",
		creatorVersion:   "1.0",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Result is everything a run produced: the output model and every
// accumulated error record, grouped by the component that raised it.
type Result struct {
	Log Log

	FrameErrors    []errkind.Record
	DispatchErrors []errkind.Record
	TCPErrors      []errkind.Record
	DNSErrors      []errkind.Record
	FlowErrors     []errkind.Record
}

// Log re-exports har.Log so callers depend only on this package for the
// whole pipeline's public surface.
type Log = har.Log

// PageTracker re-exports harsession.PageTracker, the external page
// grouping collaborator (§1, §9).
type PageTracker = harsession.PageTracker

// RunFile reconstructs HTTP traffic from a pcap file on disk. pages may
// be nil; it is only consulted when WithProcessPages(true) was supplied.
// A WithBPFFilter option, if given, is applied to the capture itself.
func RunFile(path string, pages PageTracker, opts ...Option) (Result, error) {
	cfg := buildOptions(opts)

	src, err := capture.OpenOffline(path, cfg.bpf)
	if err != nil {
		return Result{}, err
	}
	defer src.Close()
	return run(src, pages, cfg)
}

// Run reconstructs HTTP traffic from an already-open capture.Source
// (offline or live). The caller owns src's lifetime; Run does not close
// it. Any WithBPFFilter option is ignored, since the filter must be
// applied at capture-open time; apply it via capture.OpenOffline/OpenLive
// directly when opening src yourself.
func Run(src capture.Source, pages PageTracker, opts ...Option) (Result, error) {
	return run(src, pages, buildOptions(opts))
}

func run(src capture.Source, pages PageTracker, cfg Options) (Result, error) {
	decoder := frame.NewDecoder(src.LinkType())
	tcp := tcpflow.NewReassembler(tcpflow.WithMaxBufferedBytes(cfg.maxBufferedBytes))
	dns := dnstrack.NewTracker()
	dispatcher := pdispatch.New(tcp, dns)

	index := 0
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}

		dgram, ok := decoder.Decode(index, rec.Timestamp, rec.CapturedLen, rec.WireLen, rec.Data)
		if ok {
			dispatcher.Dispatch(index, dgram)
		}
		index++
	}
	dispatcher.Finish()

	sess := harsession.Build(tcp, dns, pages, harsession.Config{
		DropResponseBodies:      cfg.dropResponseBodies,
		ProcessPages:            cfg.processPages,
		KeepUnfulfilledRequests: cfg.keepUnfulfilledRequests,
	})

	var pageList []har.Page
	if cfg.processPages {
		if lister, ok := pages.(pageLister); ok {
			pageList = lister.Pages()
		}
	}

	return Result{
		Log:            har.Build(sess, pageList, har.Config{CreatorName: cfg.creatorName, CreatorVersion: cfg.creatorVersion}),
		FrameErrors:    decoder.Errors(),
		DispatchErrors: dispatcher.Errors(),
		TCPErrors:      tcp.Errors(),
		DNSErrors:      dns.Errors(),
		FlowErrors:     sess.Errors(),
	}, nil
}

// pageLister is satisfied by a PageTracker that can also enumerate the
// pages it assigned, such as pagetracker.ByHost. The core's own
// PageTracker contract (harsession.PageTracker) does not require this;
// Run uses it only to fill in log.pages automatically when the caller's
// tracker happens to support it.
type pageLister interface {
	Pages() []har.Page
}
