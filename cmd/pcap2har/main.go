// Command pcap2har is the CLI entry point wiring a pcap file to the
// reconstruction pipeline and printing the resulting HAR-shaped log as
// JSON. It is ambient tooling around the core library (§1 treats both the
// invoking command-line wrapper and the JSON serializer as external
// collaborators); this binary plays both roles for convenience, using
// stdlib encoding/json and log, the same operational-diagnostics
// convention mel2oo-go-pcap's own pcap.go/reader.go use.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/arrowlake/pcap2har"
	"github.com/arrowlake/pcap2har/errkind"
	"github.com/arrowlake/pcap2har/pagetracker"
)

func main() {
	var (
		dropBodies   = flag.Bool("drop-response-bodies", false, "discard response bodies after framing")
		processPages = flag.Bool("process-pages", false, "group entries into pages by request host")
		keepUnfilled = flag.Bool("keep-unfulfilled-requests", true, "retain requests that never got a response")
		maxBuffered  = flag.Int64("max-buffered-bytes", 0, "per-direction reassembly buffer cap in bytes (0 = default)")
		bpf          = flag.String("bpf", "", "BPF capture filter")
		out          = flag.String("out", "", "output file (default: stdout)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: %s [flags] <pcap file>", os.Args[0])
	}
	path := flag.Arg(0)

	opts := []gopcap.Option{
		gopcap.WithDropResponseBodies(*dropBodies),
		gopcap.WithProcessPages(*processPages),
		gopcap.WithKeepUnfulfilledRequests(*keepUnfilled),
		gopcap.WithBPFFilter(*bpf),
	}
	if *maxBuffered > 0 {
		opts = append(opts, gopcap.WithMaxBufferedBytes(*maxBuffered))
	}

	var pages gopcap.PageTracker
	if *processPages {
		pages = pagetracker.NewByHost()
	}

	result, err := gopcap.RunFile(path, pages, opts...)
	if err != nil {
		log.Fatalf("reconstructing %s: %v", path, err)
	}

	logErrors("frame", result.FrameErrors)
	logErrors("dispatch", result.DispatchErrors)
	logErrors("tcp", result.TCPErrors)
	logErrors("dns", result.DNSErrors)
	logErrors("flow", result.FlowErrors)

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("creating %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Log gopcap.Log `json:"log"`
	}{Log: result.Log}); err != nil {
		log.Fatalf("writing output: %v", err)
	}
}

func logErrors(component string, records []errkind.Record) {
	for _, r := range records {
		log.Printf("%s: %v", component, r)
	}
}
