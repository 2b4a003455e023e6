package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/sensors"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - "# session <id>" names the recording session; other '#' lines are ignored.
// - Line "START" begins a new segment; times restart at 0.
// - Data lines are: <t_ns>,<g|a>,<x>,<y>,<z>
//   where t_ns is signed nanoseconds since the segment's first sample on the
//   sensor clock, and the vector is in controller axes (gyro in rad/s).
//   Gyro and accel keep separate clocks, so t_ns is only ordered per stream
//   and can be negative.

type Record struct {
	// Segment counts START markers seen so far, from 1.
	Segment int
	At      time.Duration
	// Pass counts completed loops when the record comes from Play.
	Pass int
	// Kind is zero for a START marker.
	Kind sensors.Kind
	Vec  r3.Vec
}

func (r Record) IsStart() bool { return r.Kind == 0 }

type Reader struct {
	r io.Reader

	// Sessions lists the session ids in the order they appeared.
	Sessions []string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 4096)
	seg := 0
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if id, ok := strings.CutPrefix(line, "# session "); ok {
				rr.Sessions = append(rr.Sessions, strings.TrimSpace(id))
			}
			continue
		}
		if line == "START" {
			seg++
			recs = append(recs, Record{Segment: seg})
			continue
		}
		if seg == 0 {
			// Files without a START marker form one implicit segment.
			seg = 1
		}

		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		rec.Segment = seg
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return Record{}, fmt.Errorf("invalid replay line (want 5 fields): %q", line)
	}
	tsStr := strings.TrimSpace(parts[0])
	tsNs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid replay timestamp %q: %w", tsStr, err)
	}

	rec := Record{At: time.Duration(tsNs)}
	switch strings.TrimSpace(parts[1]) {
	case "g":
		rec.Kind = sensors.Gyro
	case "a":
		rec.Kind = sensors.Accel
	default:
		return Record{}, fmt.Errorf("invalid replay sample kind %q", parts[1])
	}

	var v [3]float64
	for i := range v {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(parts[2+i]), 64)
		if err != nil {
			return Record{}, fmt.Errorf("invalid replay component: %w", err)
		}
	}
	rec.Vec = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	return rec, nil
}

// Writer records samples. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	session string
	origin  uint64
	started bool
	closed  bool
	n       uint64
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := fmt.Fprintf(bw, "START\n# session %s\n", id); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, session: id}, nil
}

func (ww *Writer) Session() string { return ww.session }

// Samples returns how many samples were written.
func (ww *Writer) Samples() uint64 {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.n
}

func (ww *Writer) WriteSample(s sensors.Sample) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	var tag byte
	switch s.Kind {
	case sensors.Gyro:
		tag = 'g'
	case sensors.Accel:
		tag = 'a'
	default:
		return fmt.Errorf("replay: cannot record %v", s.Kind)
	}
	if !ww.started {
		ww.origin = s.TimestampNS
		ww.started = true
	}
	// An accel sample may be stamped just before the first gyro sample.
	d := int64(s.TimestampNS - ww.origin)

	b := make([]byte, 0, 96)
	b = strconv.AppendInt(b, d, 10)
	b = append(b, ',', tag)
	for _, c := range [3]float64{s.Vec.X, s.Vec.Y, s.Vec.Z} {
		b = append(b, ',')
		b = strconv.AppendFloat(b, c, 'g', -1, 64)
	}
	b = append(b, '\n')
	if _, err := ww.w.Write(b); err != nil {
		return err
	}
	ww.n++
	return nil
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing.
//
// cb is invoked for every sample record, with Pass set to the loop count.
// START markers reset the timing origin and are not passed to cb. Waits follow
// the latest time seen so far, so a late sample from the other stream is
// delivered straight away.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for pass := 0; ; pass++ {
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if r.IsStart() {
				lastAt = 0
				haveLast = false
				continue
			}

			if haveLast && r.At > lastAt {
				wait := time.Duration(float64(r.At-lastAt) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}

			r.Pass = pass
			if err := cb(r); err != nil {
				return err
			}

			if !haveLast || r.At > lastAt {
				lastAt = r.At
			}
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
