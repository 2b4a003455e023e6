package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxLineBytes = 64 * 1024
	defaultTail  = 200
	maxTail      = 5000
)

// LogLine is one captured log line. Seq increases by one per line and is
// never reused, so a client can poll with ?since=<last seq>.
type LogLine struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// LogBuffer keeps the most recent log lines in a fixed ring. It sits behind
// log.SetOutput and serves /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []LogLine
	head    int // index of the oldest line
	n       int
	nextSeq uint64
	partial []byte
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]LogLine, maxLines), nextSeq: 1}
}

// Write implements io.Writer. A trailing chunk without a newline is held
// until the line completes or grows past maxLineBytes.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(append(b.partial, data[:i]...))
		b.partial = b.partial[:0]
		data = data[i+1:]
	}
	b.partial = append(b.partial, data...)
	if len(b.partial) > maxLineBytes {
		b.push(b.partial)
		b.partial = b.partial[:0]
	}
	return len(p), nil
}

func (b *LogBuffer) push(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	idx := (b.head + b.n) % len(b.ring)
	if b.n == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.n++
	}
	b.ring[idx] = LogLine{Seq: b.nextSeq, Text: text}
	b.nextSeq++
}

// LogQuery selects lines from the buffer.
type LogQuery struct {
	// Since skips lines with Seq <= Since.
	Since uint64
	// Subsystem keeps lines starting with "<Subsystem>:", such as "ahrs".
	Subsystem string
	// Tail keeps only the newest matching lines.
	Tail int
}

// Query returns matching lines oldest first, and how many lines have been
// evicted from the ring so far.
func (b *LogBuffer) Query(q LogQuery) (lines []LogLine, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := ""
	if q.Subsystem != "" {
		prefix = q.Subsystem + ":"
	}
	for i := 0; i < b.n; i++ {
		l := b.ring[(b.head+i)%len(b.ring)]
		if l.Seq <= q.Since || !strings.HasPrefix(l.Text, prefix) {
			continue
		}
		lines = append(lines, l)
	}
	if q.Tail > 0 && len(lines) > q.Tail {
		lines = lines[len(lines)-q.Tail:]
	}
	return lines, b.nextSeq - 1 - uint64(b.n)
}

// Snapshot returns the text of the newest tail lines.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	if tail <= 0 {
		tail = defaultTail
	}
	ll, dropped := b.Query(LogQuery{Tail: tail})
	for _, l := range ll {
		lines = append(lines, l.Text)
	}
	return lines, dropped
}

type LogsResponse struct {
	NowUTC  string    `json:"now_utc"`
	Dropped uint64    `json:"dropped"`
	Lines   []LogLine `json:"lines"`
}

// Handler serves GET /api/logs?tail=N&since=SEQ&subsystem=NAME&format=text.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		v := r.URL.Query()
		q := LogQuery{Tail: defaultTail, Subsystem: strings.TrimSpace(v.Get("subsystem"))}
		if s := strings.TrimSpace(v.Get("tail")); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxTail), http.StatusBadRequest)
				return
			}
			q.Tail = n
		}
		if s := strings.TrimSpace(v.Get("since")); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, "since must be a line sequence number", http.StatusBadRequest)
				return
			}
			q.Since = n
		}

		lines, dropped := b.Query(q)
		w.Header().Set("Cache-Control", "no-store")
		if strings.EqualFold(v.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if dropped > 0 && q.Since == 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, l := range lines {
				_, _ = fmt.Fprintln(w, l.Text)
			}
			return
		}
		if lines == nil {
			lines = []LogLine{}
		}
		writeJSON(w, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
