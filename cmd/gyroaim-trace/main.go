// Command gyroaim-trace replays a sample recording through a fresh tracker
// as fast as possible and reports where it ended up pointing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/replay"
)

func main() {
	var (
		in       string
		pngPath  string
		recentre string
		every    time.Duration
		bias     string
	)
	flag.StringVar(&in, "in", "", "Sample recording to trace")
	flag.StringVar(&pngPath, "png", "", "Write a yaw/pitch plot to this PNG file")
	flag.StringVar(&recentre, "recentre", "", "Comma separated offsets (e.g. 1.5s,4s) at which to recentre")
	flag.DurationVar(&every, "every", 10*time.Millisecond, "Trace point interval")
	flag.StringVar(&bias, "bias", "", "Gyro bias x,y,z in rad/s")
	flag.Parse()

	if in == "" {
		log.Fatalf("-in is required")
	}
	opts := traceOptions{Every: every}
	var err error
	if opts.Recentres, err = parseDurations(recentre); err != nil {
		log.Fatalf("-recentre: %v", err)
	}
	if opts.Bias, err = parseVec(bias); err != nil {
		log.Fatalf("-bias: %v", err)
	}

	f, err := os.Open(in)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	rd := replay.NewReader(f)
	recs, err := rd.ReadAll()
	_ = f.Close()
	if err != nil {
		log.Fatalf("read: %v", err)
	}

	res := runTrace(recs, opts)
	res.Sessions = rd.Sessions
	printSummary(os.Stdout, res)

	if pngPath != "" {
		if err := writePlot(res, pngPath); err != nil {
			log.Fatalf("plot: %v", err)
		}
		fmt.Printf("plot: %s\n", pngPath)
	}
}

func parseDurations(s string) ([]time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative offset %s", d)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseVec(s string) (r3.Vec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return r3.Vec{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vec{}, fmt.Errorf("want x,y,z")
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vec{}, err
		}
		v[i] = f
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}
