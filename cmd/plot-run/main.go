// Command plot-run renders a CSV run log as a PNG.
package main

import (
	"flag"
	"log"
	"path/filepath"
	"strings"

	"github.com/banshee-data/vehicle-state/internal/plotting"
	"github.com/banshee-data/vehicle-state/internal/recordlog"
)

var (
	inPath  = flag.String("in", "", "CSV run log (required)")
	outPath = flag.String("out", "", "PNG output (default: input path with .png)")
)

func main() {
	flag.Parse()
	if *inPath == "" {
		log.Fatal("-in is required")
	}
	out := *outPath
	if out == "" {
		out = strings.TrimSuffix(*inPath, filepath.Ext(*inPath)) + ".png"
	}

	recs, err := recordlog.ReadFile(*inPath)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *inPath, err)
	}
	if err := plotting.SavePNG(out, recs); err != nil {
		log.Fatalf("failed to plot: %v", err)
	}
	log.Printf("plotted %d records to %s", len(recs), out)
}
